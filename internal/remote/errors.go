package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

// Kind classifies a remote failure by how the engine should react to it
type Kind int

const (
	// KindNetwork is transient: timeouts, transport failures, 5xx.
	KindNetwork Kind = iota + 1
	// KindAuth needs re-authentication upstream and is not retried.
	KindAuth
	// KindValidation means the remote rejected the shape of the request,
	// for example a missing table or column.
	KindValidation
	// KindNotFound is returned for deletes of absent rows. Callers treat it
	// as success.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// PostgREST and Postgres error codes that mean the remote schema is missing
// something the client depends on.
const (
	codeUndefinedTable  = "42P01"
	codeUndefinedColumn = "42703"
	codeSchemaColumn    = "PGRST204"
	codeSchemaTable     = "PGRST205"
)

// Error is a classified remote failure
type Error struct {
	Kind    Kind
	Op      string
	Table   records.Table
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote: %s %s: %s", e.Op, e.Table, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d", e.Status)
		if e.Code != "" {
			msg += " " + e.Code
		}
		msg += ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// statusError builds the Error for a non-2xx response
func statusError(op string, table records.Table, status int, code, message string) *Error {
	e := &Error{
		Kind:    statusKind(status, code),
		Op:      op,
		Table:   table,
		Status:  status,
		Code:    code,
		Message: message,
	}

	switch code {
	case codeUndefinedTable, codeSchemaTable:
		e.Message = fmt.Sprintf("remote table %q is missing; apply the server schema before syncing (%s)", table, message)
	case codeUndefinedColumn, codeSchemaColumn:
		e.Message = fmt.Sprintf("remote table %q lacks a column this client writes; update the server schema (%s)", table, message)
	}
	return e
}

func statusKind(status int, code string) Kind {
	switch code {
	case codeUndefinedTable, codeUndefinedColumn, codeSchemaColumn, codeSchemaTable:
		return KindValidation
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindNetwork
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindNetwork
	}
}

// transportError wraps a failure that happened before a response arrived
func transportError(op string, table records.Table, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Table: table, Err: err}
}

// KindOf returns the kind of err. Errors that did not come from a backend
// are treated as network failures, except nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	// Deadlines, dial failures and anything else unclassified.
	return KindNetwork
}

// IsRetryable reports whether a failed push should stay in the queue for the
// next flush.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindNetwork
}

func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}
