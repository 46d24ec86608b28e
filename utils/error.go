package utils

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError rejects malformed input before any transaction starts.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a state conflict (already signed, already fulfilled,
// unit already allocated). Not retried by the caller.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func NewConflictError(format string, args ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientStockError is a conflict specific to quantity-tracked products.
type InsufficientStockError struct {
	ProductId int
	Requested int
	OnHand    int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, on hand %d", e.ProductId, e.Requested, e.OnHand)
}

func (e *InsufficientStockError) conflict() {}

// UnitUnavailableError is a conflict specific to unit-tracked products.
type UnitUnavailableError struct {
	Code string
}

func (e *UnitUnavailableError) Error() string {
	return fmt.Sprintf("unit %q unavailable: not in stock", e.Code)
}

func (e *UnitUnavailableError) conflict() {}

// FatalError marks internal failures that are not the caller's fault,
// e.g. sequence allocation exhausting its retry budget.
type FatalError struct {
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *FatalError) Unwrap() error { return e.Err }

// ForbiddenError gates admin-only actions behind the permission collaborator.
type ForbiddenError struct {
	Action string
}

func (e *ForbiddenError) Error() string { return "not allowed to " + e.Action }

type conflictMarker interface{ conflict() }

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsConflictError(err error) bool {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}
	var cm conflictMarker
	return errors.As(err, &cm)
}

func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

// IsUniqueConstraintError detects a database uniqueness violation as a typed
// check (MySQL error 1062 / gorm's translated error), never by matching
// message text. The sequence allocator retries on this.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// HTTPStatusForError maps the domain error taxonomy onto response codes.
// Conflict subtypes keep their precise messages; nothing is rewritten into
// a generic fallback when the cause is identifiable.
func HTTPStatusForError(err error) int {
	switch {
	case IsValidationError(err):
		return http.StatusBadRequest
	case IsNotFoundError(err):
		return http.StatusNotFound
	case IsConflictError(err):
		return http.StatusConflict
	default:
		var fe *FatalError
		if errors.As(err, &fe) {
			return http.StatusInternalServerError
		}
		var pe *ForbiddenError
		if errors.As(err, &pe) {
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	}
}
