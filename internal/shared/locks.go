package shared

// StockCountLockKey is the redis key guarding count runs; only one run or
// retry may hold it at a time.
func StockCountLockKey() string {
	return "stockcount:run:lock"
}
