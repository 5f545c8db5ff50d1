package link

import (
	"errors"
	"fmt"
)

// ErrTransportNotReady is returned by a send on a link that has no live session.
var ErrTransportNotReady = errors.New("link: transport not ready")

// ErrLinkClosed is returned once Disconnect has run. It matches ErrTransportNotReady.
var ErrLinkClosed = fmt.Errorf("%w: link closed", ErrTransportNotReady)

// TransportIOError reports a read or write failure on an established session.
// The link disconnects itself after returning one.
type TransportIOError struct {
	Op  string
	Err error
}

func (e *TransportIOError) Error() string { return "link: " + e.Op + ": " + e.Err.Error() }
func (e *TransportIOError) Unwrap() error { return e.Err }

// IsTransportIOError reports whether err is or wraps a *TransportIOError.
func IsTransportIOError(err error) bool {
	var e *TransportIOError
	return errors.As(err, &e)
}
