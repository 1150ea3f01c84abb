package shared

import "fmt"

// ScopeLockKey builds the redis key guarding a (scenario, period) scope. Posting,
// reversal and rule runs hold it exclusively.
func ScopeLockKey(tenant string, scenarioID, periodID int64) string {
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("tenant:%s:consol:scope:%d:%d:lock", tenant, scenarioID, periodID)
}
