// Pass-through façade: non-blocking task FIFO
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package passthru

import (
	"errors"
	"sync"

	"github.com/usbarmory/atahost/ataerr"
)

// Event is the signalling primitive a non-blocking PassThru call is given
// instead of a blocking return. Status 0x00 marks success, 0x01
// marks failure (including "queue drained on failure" and driver stop).
type Event struct {
	mu        sync.Mutex
	done      chan struct{}
	signalled bool
	status    byte
}

// NewEvent returns a fresh, unsignalled Event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) signal(status byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signalled {
		return
	}

	e.signalled = true
	e.status = status
	close(e.done)
}

// Wait blocks until the event is signalled and returns its status.
func (e *Event) Wait() byte {
	<-e.done
	return e.status
}

// Done reports whether the event has been signalled yet, and its status if
// so.
func (e *Event) Done() (status byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status, e.signalled
}

// Task is one queued non-blocking pass-through request: port,
// port-multiplier, packet, completion event, retry count and the
// started/infinite-wait flags.
type Task struct {
	port, pm     int
	pkt          *Packet
	event        *Event
	started      bool
	retryCount   int
	infiniteWait bool
}

// enqueue appends a task to the tail of the FIFO. Ordering is strict
// FIFO per controller.
func (p *Passthru) enqueue(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tasks = append(p.tasks, t)
}

// Tick runs one pass of the periodic dispatcher: pick the
// head task, mark it started and run it. A
// not-ready result leaves the task at the head for the next tick; any
// other failure drains the entire queue with status 0x01 on every pending
// event; success removes the task and signals 0x00.
func (p *Passthru) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tickLocked()
}

func (p *Passthru) tickLocked() {
	if len(p.tasks) == 0 {
		return
	}

	t := p.tasks[0]
	t.started = true

	sb, err := p.runPacketLocked(t.port, t.pm, t.pkt)
	t.pkt.StatusBlock = sb

	switch {
	case err == nil:
		p.tasks = p.tasks[1:]
		if t.event != nil {
			t.event.signal(0x00)
		}
	case errors.Is(err, ataerr.NotReady):
		t.retryCount++
		// task remains at the head
	default:
		drained := p.tasks
		p.tasks = nil

		for _, dt := range drained {
			if dt.event != nil {
				dt.event.signal(0x01)
			}
		}
	}
}

// drainPendingLocked runs the dispatcher to completion so a blocking call
// observes FIFO ordering relative to any already-queued non-blocking
// tasks: a blocking pass-through call drains the pending async queue by
// calling the dispatcher directly before starting its own work. Every
// engine call in this
// module resolves synchronously, so each tick removes the head task or
// drains the queue on failure; the loop guard stops the loop, leaving the
// remaining tasks queued, if a tick makes no progress (a not-ready
// result).
func (p *Passthru) drainPendingLocked() {
	for len(p.tasks) > 0 {
		before := len(p.tasks)

		p.tickLocked()

		if len(p.tasks) >= before {
			break
		}
	}
}
