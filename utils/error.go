package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies a failed sale command for callers (HTTP layer, retry
// loop, tests). Every error leaving the models package carries one.
type ErrorKind string

const (
	ErrorKindValidation   ErrorKind = "VALIDATION"
	ErrorKindConflict     ErrorKind = "CONFLICT"
	ErrorKindNotFound     ErrorKind = "NOT_FOUND"
	ErrorKindIllegalState ErrorKind = "ILLEGAL_STATE"
	ErrorKindStorage      ErrorKind = "STORAGE"
)

// Violation is one concrete rule failure inside a rejected command.
// Stock violations carry the product name and both quantities so the
// cashier-facing client can render them without another lookup. The
// quantities are pointers: only stock violations set them, and omitempty
// cannot drop a zero-valued struct.
type Violation struct {
	Code        string           `json:"code"`
	Message     string           `json:"message"`
	ProductName string           `json:"productName,omitempty"`
	Available   *decimal.Decimal `json:"available,omitempty"`
	Requested   *decimal.Decimal `json:"requested,omitempty"`
}

type SaleError struct {
	Kind       ErrorKind   `json:"kind"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations,omitempty"`
	cause      error
}

func (e *SaleError) Error() string {
	if len(e.Violations) == 0 {
		return e.Message
	}
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(msgs, "; "))
}

func (e *SaleError) Unwrap() error {
	return e.cause
}

func NewValidationError(violations ...Violation) *SaleError {
	return &SaleError{Kind: ErrorKindValidation, Message: "sale rejected", Violations: violations}
}

func NewConflictError(message string, cause error) *SaleError {
	return &SaleError{Kind: ErrorKindConflict, Message: message, cause: cause}
}

func NewNotFoundError(what string) *SaleError {
	return &SaleError{Kind: ErrorKindNotFound, Message: what + " not found", cause: ErrorRecordNotFound}
}

func NewIllegalStateError(message string) *SaleError {
	return &SaleError{Kind: ErrorKindIllegalState, Message: message}
}

func NewStorageError(cause error) *SaleError {
	return &SaleError{Kind: ErrorKindStorage, Message: "storage failure", cause: cause}
}

// AsSaleError extracts the typed error from a chain, if present.
func AsSaleError(err error) (*SaleError, bool) {
	var se *SaleError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func KindOf(err error) ErrorKind {
	if se, ok := AsSaleError(err); ok {
		return se.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	if IsRetryableMySQLError(err) {
		return ErrorKindConflict
	}
	return ErrorKindStorage
}

// IsRetryableMySQLError reports whether err is a MySQL serialization failure
// worth re-running the posting transaction for:
// 1213 = deadlock victim, 1205 = lock wait timeout.
func IsRetryableMySQLError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// IsRetryable reports whether a failed posting attempt may be retried with a
// fresh transaction. Explicit Conflict errors from the stale-stock re-check
// count too, not just driver-level serialization failures.
func IsRetryable(err error) bool {
	if se, ok := AsSaleError(err); ok {
		return se.Kind == ErrorKindConflict
	}
	return IsRetryableMySQLError(err)
}
