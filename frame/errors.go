package frame

import (
	"errors"
	"fmt"
)

var (
	ErrKeyTooLarge    = errors.New("frame: key too large")
	ErrExtrasTooLarge = errors.New("frame: extras too large")
	ErrValueTooLarge  = errors.New("frame: value too large")

	// ErrNeedMoreData is not a failure: the bytes seen so far are a valid
	// prefix of a frame and the caller should read more.
	ErrNeedMoreData = errors.New("frame: need more data")
)

// FramingError means the byte stream no longer lines up with frame
// boundaries. The connection that produced it cannot be trusted again:
// every byte after the bad header may belong to any frame.
//
// Connection handling: CLOSE connection immediately
type FramingError struct {
	Message string
	Err     error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "framing error: " + e.Message + ": " + e.Err.Error()
	}
	return "framing error: " + e.Message
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - the stream is out of sync
func (e *FramingError) ShouldCloseConnection() bool {
	return true
}

func framingErrorf(format string, args ...any) *FramingError {
	return &FramingError{Message: fmt.Sprintf(format, args...)}
}

// ConnectionError wraps I/O errors from the transport.
//
// Connection handling: connection is already broken, CLOSE it
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection they came from is still usable.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Unknown errors are treated conservatively as fatal; nil and
// ErrNeedMoreData are not.
func ShouldCloseConnection(err error) bool {
	if err == nil || errors.Is(err, ErrNeedMoreData) {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}
