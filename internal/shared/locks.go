package shared

import "fmt"

// LedgerLockNamespace is the first key of the two-key advisory lock taken
// while a period's ledgers are being closed or reopened.
const LedgerLockNamespace int32 = 7301

// LedgerLockKey builds the second advisory lock key for a period (YYYYMM).
func LedgerLockKey(year, month int) int32 {
	return int32(year*100 + month)
}

// LedgerLockName renders the lock for logs.
func LedgerLockName(year, month int) string {
	return fmt.Sprintf("fiscal:ledger:%04d-%02d:lock", year, month)
}
