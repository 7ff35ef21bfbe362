// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package serial runs callbacks one at a time, in post order, on a
// dedicated goroutine. Posting never blocks, so a callback source (a
// network reader, a pub/sub fan-out) is never stalled by a slow
// consumer.
package serial

import "sync"

// Queue is an unbounded FIFO of functions drained by one goroutine.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New starts a Queue.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post appends fn. Functions posted after Stop never run.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop discards pending functions and ends the goroutine once the
// function currently running (if any) returns. Stop is idempotent.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
}

// StopAfterDrain stops the queue once every function posted so far
// has run.
func (q *Queue) StopAfterDrain() {
	q.Post(q.Stop)
}

// Done is closed by Stop.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}
