package shared

import (
	"fmt"
	"time"
)

// MonthLayout is the bucket key format used across reports.
const MonthLayout = "2006-01"

// DateLayout is the wire format for inclusive date bounds.
const DateLayout = "2006-01-02"

// MonthKey formats a year/month pair as YYYY-MM.
func MonthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

// MonthOf returns the bucket key of a date.
func MonthOf(t time.Time) string {
	return t.Format(MonthLayout)
}

// TruncateDay drops the clock component while keeping the date in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
