package xhci

import (
	"container/list"
	"context"
	"fmt"
)

// commandWaiter is a pending Command Ring submission awaiting its
// Command Completion Event, correlated by the physical address of the
// command TRB (the Data Model's completion-correlation key).
type commandWaiter struct {
	trbAddr uint64
	trbType int
	done    chan commandResult
}

type commandResult struct {
	event TRB
	err   error
}

// CommandEngine serializes access to the shared Command Ring: the xHCI
// protocol allows exactly one outstanding command at a time (Data Model,
// Command Ring invariants), so submissions are queued in a software FIFO
// and drained one at a time as completions arrive.
type CommandEngine struct {
	ring     *Ring
	doorbell *DoorbellRegisters

	// waiters is the FIFO of submitted-but-incomplete commands; the
	// protocol guarantees completions arrive in submission order, so
	// the front of the list is always the next completion expected.
	waiters *list.List

	// submitCh serializes Submit calls so only one command TRB is ever
	// outstanding on the ring at a time.
	inflight bool
	submitCh chan struct{}
}

// NewCommandEngine wraps a Command Ring and the controller's doorbell
// register block.
func NewCommandEngine(ring *Ring, doorbell *DoorbellRegisters) *CommandEngine {
	return &CommandEngine{
		ring:     ring,
		doorbell: doorbell,
		waiters:  list.New(),
		submitCh: make(chan struct{}, 1),
	}
}

// Submit enqueues a single command TRB, rings the command doorbell (index
// 0, target 0 per xHCI 1.2 5.6), and blocks until the matching Command
// Completion Event is dispatched via Complete, or ctx is done. Because
// only one command may be outstanding, concurrent Submit calls serialize
// through submitCh.
func (c *CommandEngine) Submit(ctx context.Context, trb TRB) (TRB, error) {
	select {
	case c.submitCh <- struct{}{}:
	case <-ctx.Done():
		return TRB{}, ctx.Err()
	}
	defer func() { <-c.submitCh }()

	addr, err := c.ring.Enqueue([]TRB{trb})
	if err != nil {
		return TRB{}, fmt.Errorf("xhci: command submit: %w", err)
	}

	w := &commandWaiter{trbAddr: addr, trbType: trb.Type(), done: make(chan commandResult, 1)}
	c.waiters.PushBack(w)

	c.doorbell.Ring(0, 0, 0)

	select {
	case res := <-w.done:
		return res.event, res.err
	case <-ctx.Done():
		return TRB{}, ctx.Err()
	}
}

// Complete is invoked by the event dispatcher for each Command Completion
// Event TRB. It matches the event against the front of the waiter FIFO by
// the command TRB pointer carried in the event's Parameter field (xHCI
// 1.2, 6.4.2.1), consistent with the protocol's in-order completion
// guarantee.
func (c *CommandEngine) Complete(event TRB) {
	front := c.waiters.Front()
	if front == nil {
		return
	}

	w := front.Value.(*commandWaiter)
	if w.trbAddr != event.Parameter {
		// Out-of-order completion: should not happen per the protocol
		// invariant, but don't wedge the FIFO on a mismatch.
		return
	}

	c.waiters.Remove(front)
	c.ring.Retire(1)

	var err error
	if code := event.CompletionCode(); code != CompletionSuccess {
		err = &CommandError{TRBType: w.trbType, CompletionCode: code}
	}

	w.done <- commandResult{event: event, err: err}
}

// Abort fails every outstanding waiter, used when the controller is being
// torn down or has latched a fatal host-controller error.
func (c *CommandEngine) Abort(err error) {
	for e := c.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*commandWaiter)
		w.done <- commandResult{err: err}
	}
	c.waiters.Init()
}
