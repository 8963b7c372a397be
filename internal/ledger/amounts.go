package ledger

import "github.com/shopspring/decimal"

// Amounts pairs a revenue and an expense figure.
type Amounts struct {
	Revenue decimal.Decimal `json:"revenue"`
	Expense decimal.Decimal `json:"expense"`
}

// Balance is revenue minus expense.
func (a Amounts) Balance() decimal.Decimal {
	return a.Revenue.Sub(a.Expense)
}

// Get returns the figure for one nature.
func (a Amounts) Get(n Nature) decimal.Decimal {
	if n == NatureExpense {
		return a.Expense
	}
	return a.Revenue
}

// With returns a copy with the figure for one nature replaced.
func (a Amounts) With(n Nature, v decimal.Decimal) Amounts {
	if n == NatureExpense {
		a.Expense = v
	} else {
		a.Revenue = v
	}
	return a
}

// Add sums two pairs.
func (a Amounts) Add(b Amounts) Amounts {
	return Amounts{Revenue: a.Revenue.Add(b.Revenue), Expense: a.Expense.Add(b.Expense)}
}

// Sub subtracts b from a per nature.
func (a Amounts) Sub(b Amounts) Amounts {
	return Amounts{Revenue: a.Revenue.Sub(b.Revenue), Expense: a.Expense.Sub(b.Expense)}
}
