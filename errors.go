// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package endpoint

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrNotConnected is reported for an operation attempted while the
	// connection is not started.
	ErrNotConnected = errors.New("not connected")

	// ErrAborted is reported for a call or queued operation invalidated by a
	// shutdown of the connection.
	ErrAborted = errors.New("operation aborted")

	// ErrTimedOut is reported for a call that received no reply before its
	// deadline.
	ErrTimedOut = errors.New("call timed out")

	// ErrAlreadyStarted is reported by Start when the connection is not in the
	// stopped state.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotSupported is reported for an operation the connection cannot
	// perform, including a blocking call issued from the connection's own
	// execution context.
	ErrNotSupported = errors.New("operation not supported")

	// ErrInProgress is reported when a call cannot be registered because its
	// correlation key is already pending.
	ErrInProgress = errors.New("operation in progress")

	// ErrNoData is reported by a codec when a reply carries no payload.
	ErrNoData = errors.New("no data")

	// ErrMalformedReply is reported by a codec when a reply cannot be decoded.
	ErrMalformedReply = errors.New("malformed reply")
)

// CallError is the concrete type of errors reported for calls by a Conn.
// The Err field gives the underlying error, typically one of the sentinel
// errors defined by this package, or an error reported by the codec or the
// channel.
type CallError struct {
	ID  ID    // correlation key of the call, 0 if none was assigned
	Err error // the underlying error
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.ID == NoID {
		return fmt.Sprintf("call: %v", c.Err)
	}
	return fmt.Sprintf("call %d: %v", c.ID, c.Err)
}

func callError(id ID, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{ID: id, Err: err}
}

// treatErrorAsSuccess reports whether err means the channel closed cleanly.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
