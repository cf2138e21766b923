package sqlgw

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	mssql "github.com/microsoft/go-mssqldb"
)

var (
	// ErrDuplicateKey indicates an insert hit a unique index or primary key
	// constraint. Callers count these; they never fail a run.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConnectionLost indicates the session died mid-operation (socket
	// error, dropped connection, or timeout). Connection-class failures are
	// retriable.
	ErrConnectionLost = errors.New("database connection lost")

	// ErrAuthFailed indicates the server rejected the login or denied the
	// database. Never retried.
	ErrAuthFailed = errors.New("database authentication failed")

	// ErrObjectNotFound indicates a missing table or view (invalid object
	// name).
	ErrObjectNotFound = errors.New("database object not found")

	// ErrInvalidFilter indicates a WHERE filter with an unsupported
	// operator or a value count that does not match the operator.
	ErrInvalidFilter = errors.New("invalid query filter")

	// ErrNoColumns indicates an insert was attempted with an empty column
	// list.
	ErrNoColumns = errors.New("no columns to insert")
)

// Kind buckets database failures into the classes the orchestrator reacts
// to. Classification is deliberately coarse: anything ambiguous lands in
// KindOther and is treated as fatal.
type Kind int

const (
	// KindOther is every failure not matched below. Fatal for the run.
	KindOther Kind = iota

	// KindDuplicate is a unique-constraint violation (2601, 2627).
	KindDuplicate

	// KindConnection covers sockets, dropped sessions, and timeouts.
	KindConnection

	// KindAuth covers login failures and denied databases.
	KindAuth

	// KindNotFound is an invalid object name (208).
	KindNotFound
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Duplicate-key error numbers: 2601 is a unique index, 2627 a PRIMARY KEY
// or UNIQUE constraint.
const (
	numberDuplicateIndex      = 2601
	numberDuplicateConstraint = 2627
	numberInvalidObject       = 208
	numberLoginFailed         = 18456
	numberCannotOpenDatabase  = 4060
	numberUntrustedDomain     = 18452
)

// severityConnectionFloor: server errors with severity 20 and above
// terminate the connection.
const severityConnectionFloor = 20

// transportErrorNumbers are server-side transport failures that arrive as
// regular errors but mean the session is gone.
var transportErrorNumbers = map[int32]struct{}{
	64:    {}, // specified network name no longer available
	121:   {}, // semaphore timeout
	233:   {}, // no process on the other end of the pipe
	10053: {}, // software caused connection abort
	10054: {}, // connection reset by peer
	10060: {}, // connection timed out
	40613: {}, // database unavailable
}

// Classify buckets err into a Kind. It understands both raw driver errors
// and errors already wrapped by this package, so it is safe to call at any
// layer.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	// Already classified by a gateway wrap.
	switch {
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicate
	case errors.Is(err, ErrConnectionLost):
		return KindConnection
	case errors.Is(err, ErrAuthFailed):
		return KindAuth
	case errors.Is(err, ErrObjectNotFound):
		return KindNotFound
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case numberDuplicateIndex, numberDuplicateConstraint:
			return KindDuplicate
		case numberInvalidObject:
			return KindNotFound
		case numberLoginFailed, numberCannotOpenDatabase, numberUntrustedDomain:
			return KindAuth
		}

		if _, ok := transportErrorNumbers[sqlErr.Number]; ok {
			return KindConnection
		}

		if sqlErr.Class >= severityConnectionFloor {
			return KindConnection
		}

		return KindOther
	}

	if isConnectionError(err) {
		return KindConnection
	}

	return KindOther
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool { return Classify(err) == KindDuplicate }

// IsConnection reports whether err is connection-class (retriable).
func IsConnection(err error) bool { return Classify(err) == KindConnection }

// IsNotFound reports whether err is a missing table or view.
func IsNotFound(err error) bool { return Classify(err) == KindNotFound }

// isConnectionError detects dead sessions outside the server's own error
// numbering: driver bookkeeping errors, socket errors, and timeouts. A
// timeout is a connection-class failure.
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// wrapError attaches the matching sentinel to a driver error so callers can
// classify with errors.Is without seeing the driver.
func wrapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	op := fmt.Sprintf(format, args...)

	switch Classify(err) {
	case KindDuplicate:
		return fmt.Errorf("%w: %s: %w", ErrDuplicateKey, op, err)
	case KindConnection:
		return fmt.Errorf("%w: %s: %w", ErrConnectionLost, op, err)
	case KindAuth:
		return fmt.Errorf("%w: %s: %w", ErrAuthFailed, op, err)
	case KindNotFound:
		return fmt.Errorf("%w: %s: %w", ErrObjectNotFound, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
