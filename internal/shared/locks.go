package shared

import "fmt"

// WeightScopeLockKey builds redis keys guarding publication of a weight scope.
func WeightScopeLockKey(scopeKey string) string {
	return fmt.Sprintf("targets:weights:%s:lock", scopeKey)
}
