package connection

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSendWhileClosed is matched by sends attempted outside StateOpen.
	// The message is dropped, never queued.
	ErrSendWhileClosed = errors.New("connection is not open")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrManagerClosed   = errors.New("connection manager closed")
	ErrNotRunning      = errors.New("connection manager is not running")
)

// RejectedError is returned by Send when the manager is not open.
type RejectedError struct {
	State State
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("send rejected: connection is %s", e.State)
}

func (e *RejectedError) Unwrap() error { return ErrSendWhileClosed }
