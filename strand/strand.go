// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package strand implements serialized execution contexts.
//
// A [Strand] runs the functions posted to it one at a time, in the order they
// were posted. A strand does not own a goroutine: when work is posted to an
// idle strand, a goroutine is started to drain its backlog, and that goroutine
// exits as soon as the backlog is empty. Many strands can therefore share the
// runtime's threads without any of them running concurrently with itself.
//
// A [Queue] layers a stricter discipline on a strand: each [Task] holds a
// [Guard] that keeps the queue occupied until it is released, even if the
// task's work completes later on some other goroutine. This allows a task to
// start an asynchronous operation (such as a write) and hold off the next task
// until the operation finishes.
//
// An [Event] is a coalescing wakeup signal: any goroutine may notify it, and a
// single waiter armed on the strand runs once per batch of notifications.
package strand

import (
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
)

// A Strand executes posted functions sequentially. A zero Strand is not ready
// for use; call [New] to construct one.
type Strand struct {
	mu      sync.Mutex
	work    *queue.Queue[func()]
	running bool

	onPanic func(any)
}

// New constructs a new idle strand.
func New() *Strand { return &Strand{work: queue.New[func()]()} }

// OnPanic registers a function to be called with the recovered value when a
// posted function panics. If f == nil, panics are recovered and discarded.
// The callback runs on the strand. OnPanic returns s to permit chaining.
func (s *Strand) OnPanic(f func(any)) *Strand {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = f
	return s
}

// Post adds fn to the end of the backlog for s. Post does not block, and is
// safe to call from any goroutine, including from a function running on s.
func (s *Strand) Post(fn func()) {
	if fn == nil {
		panic("strand: post of nil function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.work.Add(fn)
	if !s.running {
		s.running = true
		go s.run()
	}
}

// Len reports the number of functions waiting to run on s.
func (s *Strand) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.work.Len()
}

func (s *Strand) run() {
	for {
		s.mu.Lock()
		fn, ok := s.work.Pop()
		if !ok {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.exec(fn)
	}
}

// exec runs fn, recovering a panic so the strand continues with its backlog.
func (s *Strand) exec(fn func()) {
	defer func() {
		if x := recover(); x != nil {
			s.mu.Lock()
			f := s.onPanic
			s.mu.Unlock()
			if f != nil {
				f(x)
			}
		}
	}()
	fn()
}

// PanicError is an error wrapping a value recovered from a panic.
type PanicError struct {
	Value any
}

func (p PanicError) Error() string { return fmt.Sprintf("panic (recovered): %v", p.Value) }
