package kv

import (
	"fmt"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by the storage tier. It wraps a return
// code (of type RetCode) and a message, so callers can distinguish
// precondition failures from storage faults.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("kv: %s: %s", e.Code, e.Msg)
}

// NewError creates a new storage error with the given code and message.
func NewError(code RetCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the return code from err, unwrapping as needed.
// Returns RetCInternalError for foreign errors.
func CodeOf(err error) RetCode {
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return kvErr.Code
	}
	return RetCInternalError
}

// IsCode reports whether err carries the given return code.
func IsCode(err error, code RetCode) bool {
	var kvErr *Error
	return errors.As(err, &kvErr) && kvErr.Code == code
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode classifies storage tier errors.
type RetCode int

const (
	RetCInternalError RetCode = iota + 1
	RetCCollectionNotFound
	RetCIndexNotFound
	RetCDuplicateKey
	RetCKeyNotFound
	RetCUniqueViolation
	RetCTransactionClosed
	RetCReadOnlyTransaction
	RetCInvalidKey
)

// String implements fmt.Stringer.
func (c RetCode) String() string {
	switch c {
	case RetCInternalError:
		return "InternalError"
	case RetCCollectionNotFound:
		return "CollectionNotFound"
	case RetCIndexNotFound:
		return "IndexNotFound"
	case RetCDuplicateKey:
		return "DuplicateKey"
	case RetCKeyNotFound:
		return "KeyNotFound"
	case RetCUniqueViolation:
		return "UniqueViolation"
	case RetCTransactionClosed:
		return "TransactionClosed"
	case RetCReadOnlyTransaction:
		return "ReadOnlyTransaction"
	case RetCInvalidKey:
		return "InvalidKey"
	default:
		return "Unknown"
	}
}
