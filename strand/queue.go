// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package strand

import (
	"sync/atomic"

	"github.com/creachadair/mds/queue"
)

// A Task is a unit of work executed by a [Queue]. The task owns the guard
// until it calls [Guard.Release]; the queue will not start another task until
// then. A task may hand the guard to an asynchronous operation and release it
// later from any goroutine.
type Task func(*Guard)

// A Queue is a FIFO of tasks executed on a strand, with at most one task
// active at a time. A zero Queue is not ready for use; call [NewQueue].
type Queue struct {
	s *Strand

	// The fields below are only accessed on s.
	pending *queue.Queue[Task]
	active  bool
}

// NewQueue constructs an empty queue whose tasks run on s.
func NewQueue(s *Strand) *Queue {
	return &Queue{s: s, pending: queue.New[Task]()}
}

// Strand returns the strand on which q executes its tasks.
func (q *Queue) Strand() *Strand { return q.s }

// Push adds t to the end of q. If no task is active, t begins as soon as the
// strand reaches it; otherwise it waits until every task ahead of it has
// released its guard. Push does not block and is safe for concurrent use.
func (q *Queue) Push(t Task) {
	if t == nil {
		panic("strand: push of nil task")
	}
	q.s.Post(func() { q.add(t) })
}

func (q *Queue) add(t Task) {
	if q.active {
		q.pending.Add(t)
		return
	}
	q.active = true
	q.start(t)
}

// next is called on the strand when the active task releases its guard.
func (q *Queue) next() {
	t, ok := q.pending.Pop()
	if !ok {
		q.active = false
		return
	}
	q.start(t)
}

func (q *Queue) start(t Task) {
	g := &Guard{q: q}

	// If the task panics before giving up its guard, release it so the queue
	// does not stall. Re-panic so the strand reports it.
	defer func() {
		if x := recover(); x != nil {
			g.Release()
			panic(x)
		}
	}()
	t(g)
}

// A Guard marks the active slot of a [Queue]. Releasing the guard allows the
// next task in the queue to run.
type Guard struct {
	q    *Queue
	done atomic.Bool
}

// Release releases the guard. Only the first call has any effect; Release is
// safe to call from any goroutine. The next task is started on the strand.
func (g *Guard) Release() {
	if g.done.CompareAndSwap(false, true) {
		g.q.s.Post(g.q.next)
	}
}

// Released reports whether g has been released.
func (g *Guard) Released() bool { return g.done.Load() }
