package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by typed accessors when the body has no such key.
	ErrKeyNotFound = errors.New("protocol: key not found")
	// ErrFrozen is returned when mutating a package that was already serialized or delivered.
	ErrFrozen = errors.New("protocol: package is frozen")
	// ErrUnsupportedValue is returned by Set for values outside the supported kinds.
	ErrUnsupportedValue = errors.New("protocol: unsupported value kind")
	// ErrTooDeep is returned by Set for values nested deeper than MaxNesting.
	ErrTooDeep = errors.New("protocol: value nested too deeply")
	// ErrEmptyKey is returned by Set for an empty body key.
	ErrEmptyKey = errors.New("protocol: empty body key")
	// ErrNeedMore is returned by Decoder.Next while a frame is incomplete.
	ErrNeedMore = errors.New("protocol: incomplete frame")
	// ErrTooLarge is returned when an encoded body exceeds MaxBodySize.
	ErrTooLarge = errors.New("protocol: package too large")
)

// DecodeError reports bytes that do not form a valid package. Fatal is set
// when the stream framing itself is lost and no later frame can be trusted.
type DecodeError struct {
	Reason string
	Fatal  bool
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode: %s: %v", e.Reason, e.Err)
	}
	return "protocol: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// TypeMismatchError is returned when a body value is read as the wrong kind.
type TypeMismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("protocol: key %q holds %s, not %s", e.Key, e.Got, e.Want)
}

func mismatch(key, want string, v any) error {
	err := &TypeMismatchError{Key: key, Want: want, Got: kindName(v)}
	if failFast {
		panic(err)
	}
	return err
}
