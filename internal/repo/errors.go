package repo

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound reports an absent task; it is not a failure of the store.
	ErrNotFound = errors.New("not found")
	// ErrConnection reports use of a store that is closed or was never opened.
	ErrConnection = errors.New("storage connection unavailable")
	// ErrInitialization reports a failure to open or migrate the store.
	ErrInitialization = errors.New("storage initialization failed")
	// ErrOperation matches every *OperationError.
	ErrOperation = errors.New("storage operation failed")
)

// OperationError carries the last underlying failure of an operation and how
// many attempts were made.
type OperationError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func (e *OperationError) Is(target error) bool { return target == ErrOperation }

// isConstraint reports SQLite constraint violations, which no retry can fix.
func isConstraint(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
