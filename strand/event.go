// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package strand

import "sync"

// An Event is a single-shot, re-armable wakeup signal. Any goroutine may call
// Notify; a waiter armed with Wait runs on the strand after the next
// notification. Notifications that arrive while no waiter is armed are
// remembered, but several of them collapse into a single wakeup: an Event is a
// signal, not a counting semaphore.
type Event struct {
	s *Strand

	mu     sync.Mutex
	fired  bool   // a notification is pending
	waiter func() // the armed waiter, or nil
}

// NewEvent constructs an unsignaled event whose waiters run on s.
func NewEvent(s *Strand) *Event { return &Event{s: s} }

// Notify signals e. If a waiter is armed, it is disarmed and posted to the
// strand; otherwise the notification is recorded for the next Wait.
func (e *Event) Notify() {
	e.mu.Lock()
	w := e.waiter
	if w == nil {
		e.fired = true
		e.mu.Unlock()
		return
	}
	e.waiter = nil
	e.mu.Unlock()
	e.s.Post(w)
}

// Wait arms fn as the waiter for e. If a notification is already pending, it
// is consumed and fn is posted to the strand at once. Arming a new waiter
// replaces any waiter already armed.
func (e *Event) Wait(fn func()) {
	e.mu.Lock()
	if e.fired {
		e.fired = false
		e.mu.Unlock()
		e.s.Post(fn)
		return
	}
	e.waiter = fn
	e.mu.Unlock()
}

// Cancel disarms any waiter and discards a pending notification. It reports
// whether a waiter was armed.
func (e *Event) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	armed := e.waiter != nil
	e.waiter = nil
	e.fired = false
	return armed
}
