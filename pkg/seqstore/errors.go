package seqstore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/calvinalkan/seqstore/pkg/kv"
)

// Sentinel errors. Use [errors.Is] to match them.
var (
	ErrClosed            = errors.New("seqstore: closed")
	ErrAlreadyCreated    = errors.New("seqstore: already created")
	ErrNotFound          = errors.New("seqstore: not found")
	ErrDeleteInProgress  = errors.New("seqstore: delete in progress")
	ErrAlreadyRegistered = errors.New("seqstore: bucket store already registered")
	ErrNotRegistered     = errors.New("seqstore: bucket store not registered")
	ErrNotInflight       = errors.New("seqstore: entry not inflight")
	ErrInflightLimit     = errors.New("seqstore: inflight limit reached")
	ErrInvalidConfig     = errors.New("seqstore: invalid config")
)

// Kind classifies an [Error].
type Kind uint8

const (
	// KindInternal is anything not otherwise classified.
	KindInternal Kind = iota
	// KindDatabase is a storage engine failure. See [Error.Unrecoverable].
	KindDatabase
	// KindIllegalState is a precondition violation by the caller.
	KindIllegalState
	// KindResourceExhausted is a configured limit being hit. See [Error.Limit].
	KindResourceExhausted
	// KindTimeout is a lock or busy timeout.
	KindTimeout
	// KindConfiguration is invalid configuration.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindIllegalState:
		return "illegal-state"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Reasons attached to unrecoverable database errors.
const (
	ReasonCorrupt  = "corrupt"
	ReasonNotADB   = "not-a-database"
	ReasonDiskFull = "disk-full"
	ReasonIO       = "io-error"
	ReasonCantOpen = "cant-open"
	ReasonReadOnly = "read-only"
)

// Error is the classified error type returned by all public seqstore APIs.
//
// The underlying error message appears first, followed by context:
//
//	put: database disk image is malformed (kind=database unrecoverable reason=corrupt store=app/orders)
//
// Use [errors.As] to extract fields, or the helpers [KindOf],
// [IsUnrecoverable], [UnrecoverableReason] and [IsRetryable].
type Error struct {
	Kind Kind

	// Op names the operation that failed.
	Op string

	// Store is set when the failure belongs to one store.
	Store StoreID

	// Unrecoverable marks database failures after which the environment
	// cannot be trusted. Only meaningful for [KindDatabase].
	Unrecoverable bool

	// Reason is a short machine-readable cause for unrecoverable errors.
	Reason string

	// Limit is the configured limit for [KindResourceExhausted].
	Limit int64

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}

	b.WriteString(" (kind=")
	b.WriteString(e.Kind.String())

	if e.Unrecoverable {
		b.WriteString(" unrecoverable")
	}

	if e.Reason != "" {
		b.WriteString(" reason=")
		b.WriteString(e.Reason)
	}

	if e.Store != (StoreID{}) {
		b.WriteString(" store=")
		b.WriteString(e.Store.String())
	}

	if e.Kind == KindResourceExhausted {
		b.WriteString(" limit=")
		b.WriteString(strconv.FormatInt(e.Limit, 10))
	}

	b.WriteString(")")

	return b.String()
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewUnrecoverable returns an unrecoverable database error.
func NewUnrecoverable(op, reason string, err error) *Error {
	return &Error{Kind: KindDatabase, Op: op, Unrecoverable: true, Reason: reason, Err: err}
}

func illegalState(op string, err error) *Error {
	return &Error{Kind: KindIllegalState, Op: op, Err: err}
}

func configError(op string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

func exhausted(op string, limit int64, err error) *Error {
	return &Error{Kind: KindResourceExhausted, Op: op, Limit: limit, Err: err}
}

// Wrap classifies err under op.
//
// Already classified errors keep their kind. Unrecoverable database errors
// are re-wrapped so the new op is visible while the flag and reason carry
// through any number of layers. Raw engine errors are classified by their
// SQLite result code.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		if se.Kind == KindDatabase && se.Unrecoverable {
			return &Error{
				Kind:          KindDatabase,
				Op:            op,
				Store:         se.Store,
				Unrecoverable: true,
				Reason:        se.Reason,
				Err:           err,
			}
		}

		return err
	}

	return classify(op, err)
}

func classify(op string, err error) *Error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &Error{Kind: KindTimeout, Op: op, Err: err}
		case sqlite3.ErrCorrupt:
			return NewUnrecoverable(op, ReasonCorrupt, err)
		case sqlite3.ErrNotADB:
			return NewUnrecoverable(op, ReasonNotADB, err)
		case sqlite3.ErrFull:
			return NewUnrecoverable(op, ReasonDiskFull, err)
		case sqlite3.ErrIoErr:
			return NewUnrecoverable(op, ReasonIO, err)
		case sqlite3.ErrCantOpen:
			return NewUnrecoverable(op, ReasonCantOpen, err)
		case sqlite3.ErrReadonly:
			return NewUnrecoverable(op, ReasonReadOnly, err)
		default:
			return &Error{Kind: KindDatabase, Op: op, Err: err}
		}
	}

	switch {
	case errors.Is(err, kv.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, kv.ErrClosed), errors.Is(err, kv.ErrBucketClosed):
		return &Error{Kind: KindIllegalState, Op: op, Err: errors.Join(ErrClosed, err)}
	case errors.Is(err, kv.ErrManifestInvalid):
		return NewUnrecoverable(op, ReasonCorrupt, err)
	case errors.Is(err, ErrInvalidConfig):
		return configError(op, err)
	default:
		return &Error{Kind: KindInternal, Op: op, Err: err}
	}
}

// KindOf returns the kind of the first [Error] in err's chain, or
// [KindInternal].
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	return KindInternal
}

// IsUnrecoverable reports whether err carries an unrecoverable database
// failure.
func IsUnrecoverable(err error) bool {
	_, ok := UnrecoverableReason(err)

	return ok
}

// UnrecoverableReason returns the reason of an unrecoverable database error.
func UnrecoverableReason(err error) (string, bool) {
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindDatabase || !se.Unrecoverable {
		return "", false
	}

	return se.Reason, true
}

// IsRetryable reports whether the operation may succeed when retried:
// timeouts, exhausted limits and recoverable database errors.
func IsRetryable(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}

	switch se.Kind {
	case KindTimeout, KindResourceExhausted:
		return true
	case KindDatabase:
		return !se.Unrecoverable
	default:
		return false
	}
}

func withStore(err error, store StoreID) error {
	var se *Error
	if errors.As(err, &se) && se.Store == (StoreID{}) {
		se.Store = store
	}

	return err
}
