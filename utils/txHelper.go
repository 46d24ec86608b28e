package utils

import "gorm.io/gorm/clause"

// ForUpdateClause returns the SELECT ... FOR UPDATE locking clause used by
// read-modify-write sequences (product quantity, unit status) inside a
// transaction. Correctness under concurrency relies on this plus the
// database's transaction isolation; there is no in-process locking.
func ForUpdateClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}
