package internal

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers.
const (
	errDupEntry = 1062
	errDeadlock = 1213
	errLockWait = 1205
)

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isMySQLError(err error, numbers ...uint16) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	for _, n := range numbers {
		if me.Number == n {
			return true
		}
	}
	return false
}

// IsDup returns true if the given error indicates a duplicate key.
func IsDup(err error) bool {
	return isMySQLError(err, errDupEntry)
}

// IsDeadlock returns true if the transaction was chosen as a deadlock
// victim or timed out waiting for a lock. Both are safe to restart.
func IsDeadlock(err error) bool {
	return isMySQLError(err, errDeadlock, errLockWait)
}
