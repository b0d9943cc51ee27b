package tourwatch

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a tour, alert or notification does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a storage failure while applying a tour's price data.
type PersistenceError struct {
	Err    error
	Op     string
	TourID int64
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s (tour %d): %v", e.Op, e.TourID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError checks if an error is a persistence error.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
