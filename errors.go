package couchkv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/topology"
)

// Error kinds. Every error returned by the client matches exactly one of
// these with errors.Is; errors.As with *OperationError yields the details.
var (
	ErrNodeUnavailable   = errors.New("couchkv: node unavailable")
	ErrShardMiss         = errors.New("couchkv: shard owner unknown")
	ErrAmbiguousTimeout  = errors.New("couchkv: ambiguous timeout")
	ErrDeadlineExceeded  = errors.New("couchkv: deadline exceeded")
	ErrKeyNotFound       = errors.New("couchkv: key not found")
	ErrKeyExists         = errors.New("couchkv: key exists")
	ErrNotStored         = errors.New("couchkv: not stored")
	ErrNumRange          = errors.New("couchkv: value out of numeric range")
	ErrTemporaryFailure  = errors.New("couchkv: temporary failure")
	ErrValueTooLarge     = errors.New("couchkv: value too large")
	ErrInvalidKey        = errors.New("couchkv: invalid key")
	ErrFraming           = errors.New("couchkv: protocol framing error")
	ErrClientClosed      = errors.New("couchkv: client closed")
	ErrServerStatus      = errors.New("couchkv: server error")
	ErrAuthentication    = errors.New("couchkv: authentication failed")
	ErrNonNumericCounter = errors.New("couchkv: counter value is not numeric")
)

// OperationError carries the context of a failed operation.
type OperationError struct {
	Op       frame.Opcode
	Key      string
	Node     topology.NodeIdentity
	Status   frame.Status
	Attempts int
	Err      error // one of the Err* kinds
	Cause    error // underlying error, may be nil
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	fmt.Fprintf(&b, ": op=%s", e.Op)
	if e.Key != "" {
		fmt.Fprintf(&b, " key=%q", e.Key)
	}
	if e.Node.Host != "" {
		fmt.Fprintf(&b, " node=%s", e.Node)
	}
	if e.Status != frame.StatusSuccess {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " attempts=%d", e.Attempts)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *OperationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// statusKind maps a response status to an error kind. Success returns nil.
func statusKind(s frame.Status) error {
	switch s {
	case frame.StatusSuccess:
		return nil
	case frame.StatusKeyNotFound:
		return ErrKeyNotFound
	case frame.StatusKeyExists:
		return ErrKeyExists
	case frame.StatusNotStored:
		return ErrNotStored
	case frame.StatusTooBig:
		return ErrValueTooLarge
	case frame.StatusRangeError:
		return ErrNumRange
	case frame.StatusDeltaBadValue:
		return ErrNonNumericCounter
	case frame.StatusNotMyVBucket:
		return ErrShardMiss
	case frame.StatusAuthError, frame.StatusAuthStale, frame.StatusAccessError:
		return ErrAuthentication
	case frame.StatusBusy, frame.StatusTemporaryFailure, frame.StatusOutOfMemory, frame.StatusLocked:
		return ErrTemporaryFailure
	default:
		return ErrServerStatus
	}
}

// kindOf classifies transport level errors.
func kindOf(err error) error {
	var fe *frame.FramingError
	switch {
	case errors.As(err, &fe):
		return ErrFraming
	case errors.Is(err, frame.ErrKeyTooLarge):
		return ErrInvalidKey
	case errors.Is(err, frame.ErrValueTooLarge), errors.Is(err, frame.ErrExtrasTooLarge):
		return ErrValueTooLarge
	case errors.Is(err, ErrClientClosed):
		return ErrClientClosed
	default:
		return ErrNodeUnavailable
	}
}
