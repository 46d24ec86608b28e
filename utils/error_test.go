package utils_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func TestErrorPredicates(t *testing.T) {
	ve := utils.NewValidationError("bad %s", "input")
	if !utils.IsValidationError(ve) {
		t.Error("NewValidationError should satisfy IsValidationError")
	}
	if utils.IsConflictError(ve) {
		t.Error("validation error is not a conflict")
	}

	ce := utils.NewConflictError("already signed")
	if !utils.IsConflictError(ce) {
		t.Error("NewConflictError should satisfy IsConflictError")
	}

	// The stock conflict subtypes carry the conflict marker.
	ise := &utils.InsufficientStockError{ProductId: 7, Requested: 5, OnHand: 2}
	if !utils.IsConflictError(ise) {
		t.Error("InsufficientStockError should satisfy IsConflictError")
	}
	uue := &utils.UnitUnavailableError{Code: "LAP-001"}
	if !utils.IsConflictError(uue) {
		t.Error("UnitUnavailableError should satisfy IsConflictError")
	}

	// Wrapping must not hide the type.
	wrapped := fmt.Errorf("allocate item: %w", ise)
	if !utils.IsConflictError(wrapped) {
		t.Error("wrapped InsufficientStockError should still be a conflict")
	}

	if !utils.IsNotFoundError(gorm.ErrRecordNotFound) {
		t.Error("gorm.ErrRecordNotFound should satisfy IsNotFoundError")
	}
	if !utils.IsNotFoundError(utils.ErrorRecordNotFound) {
		t.Error("ErrorRecordNotFound should satisfy IsNotFoundError")
	}
}

func TestIsUniqueConstraintError(t *testing.T) {
	if utils.IsUniqueConstraintError(nil) {
		t.Error("nil is not a unique constraint error")
	}
	if !utils.IsUniqueConstraintError(gorm.ErrDuplicatedKey) {
		t.Error("gorm.ErrDuplicatedKey should be detected")
	}
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !utils.IsUniqueConstraintError(dup) {
		t.Error("MySQL error 1062 should be detected")
	}
	if !utils.IsUniqueConstraintError(fmt.Errorf("create request: %w", dup)) {
		t.Error("wrapped 1062 should be detected")
	}
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	if utils.IsUniqueConstraintError(deadlock) {
		t.Error("non-1062 MySQL errors are not uniqueness violations")
	}
	if utils.IsUniqueConstraintError(errors.New("Duplicate entry '1-2026-3'")) {
		t.Error("message text must never be matched")
	}
}

func TestHTTPStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{utils.NewValidationError("qty"), http.StatusBadRequest},
		{utils.ErrorRecordNotFound, http.StatusNotFound},
		{gorm.ErrRecordNotFound, http.StatusNotFound},
		{utils.NewConflictError("signed"), http.StatusConflict},
		{&utils.InsufficientStockError{ProductId: 1, Requested: 2, OnHand: 0}, http.StatusConflict},
		{&utils.UnitUnavailableError{Code: "X"}, http.StatusConflict},
		{&utils.ForbiddenError{Action: "approve requests"}, http.StatusForbidden},
		{&utils.FatalError{Message: "could not allocate request number"}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := utils.HTTPStatusForError(c.err); got != c.want {
			t.Errorf("HTTPStatusForError(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestFatalErrorUnwrap(t *testing.T) {
	cause := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	fe := &utils.FatalError{Message: "could not allocate request number", Err: cause}
	var target *mysql.MySQLError
	if !errors.As(fe, &target) {
		t.Error("FatalError should unwrap to its cause")
	}
}
