package xhci

import (
	"context"
	"testing"
	"time"
)

func newTestCommandEngine(t *testing.T) (*CommandEngine, *Ring) {
	t.Helper()
	region, backing := newTestRegion(1 << 16)
	_ = backing

	ring, err := NewRing(region, 16)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}

	_, dbAddr, err := region.AllocateCoherent(64, 8)
	if err != nil {
		t.Fatalf("AllocateCoherent doorbell: %v", err)
	}
	db := newDoorbellRegisters(dbAddr)

	return NewCommandEngine(ring, db), ring
}

func TestCommandSubmitCompletesOnSuccess(t *testing.T) {
	c, ring := newTestCommandEngine(t)

	trb := TRB{}
	trb.setType(TRBNoOpCommand)

	resCh := make(chan struct {
		event TRB
		err   error
	}, 1)

	go func() {
		event, err := c.Submit(context.Background(), trb)
		resCh <- struct {
			event TRB
			err   error
		}{event, err}
	}()

	// Give the Submit goroutine a chance to enqueue and register its
	// waiter before delivering the completion.
	time.Sleep(10 * time.Millisecond)

	event := TRB{Parameter: ring.Address()}
	event.setType(TRBCommandCompletionEvent)
	event.Status = uint32(CompletionSuccess) << 24

	c.Complete(event)

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("Submit returned error: %v", res.err)
		}
		if res.event.Parameter != ring.Address() {
			t.Fatalf("completion event parameter = %#x, want %#x", res.event.Parameter, ring.Address())
		}
	case <-time.After(time.Second):
		t.Fatalf("Submit did not complete")
	}
}

func TestCommandSubmitReturnsCommandErrorOnFailure(t *testing.T) {
	c, ring := newTestCommandEngine(t)

	trb := TRB{}
	trb.setType(TRBEnableSlotCommand)

	resCh := make(chan struct {
		event TRB
		err   error
	}, 1)

	go func() {
		event, err := c.Submit(context.Background(), trb)
		resCh <- struct {
			event TRB
			err   error
		}{event, err}
	}()

	time.Sleep(10 * time.Millisecond)

	event := TRB{Parameter: ring.Address()}
	event.setType(TRBCommandCompletionEvent)
	event.Status = uint32(CompletionNoSlotsAvailableError) << 24

	c.Complete(event)

	res := <-resCh
	cmdErr, ok := res.err.(*CommandError)
	if !ok {
		t.Fatalf("Submit error type = %T, want *CommandError", res.err)
	}
	if cmdErr.CompletionCode != CompletionNoSlotsAvailableError {
		t.Fatalf("CommandError.CompletionCode = %d, want %d", cmdErr.CompletionCode, CompletionNoSlotsAvailableError)
	}
}

func TestCommandFIFOOrdering(t *testing.T) {
	c, ring := newTestCommandEngine(t)

	var first, second TRB
	first.setType(TRBNoOpCommand)
	second.setType(TRBNoOpCommand)

	type outcome struct {
		event TRB
		err   error
	}

	firstCh := make(chan outcome, 1)
	go func() {
		e, err := c.Submit(context.Background(), first)
		firstCh <- outcome{e, err}
	}()
	time.Sleep(10 * time.Millisecond)

	firstAddr := ring.Address()
	ev1 := TRB{Parameter: firstAddr}
	ev1.setType(TRBCommandCompletionEvent)
	ev1.Status = uint32(CompletionSuccess) << 24
	c.Complete(ev1)

	res1 := <-firstCh
	if res1.err != nil {
		t.Fatalf("first command failed: %v", res1.err)
	}

	secondCh := make(chan outcome, 1)
	go func() {
		e, err := c.Submit(context.Background(), second)
		secondCh <- outcome{e, err}
	}()
	time.Sleep(10 * time.Millisecond)

	secondAddr := ring.Address() + uint64(TRBSize)
	ev2 := TRB{Parameter: secondAddr}
	ev2.setType(TRBCommandCompletionEvent)
	ev2.Status = uint32(CompletionSuccess) << 24
	c.Complete(ev2)

	res2 := <-secondCh
	if res2.err != nil {
		t.Fatalf("second command failed: %v", res2.err)
	}
	if res2.event.Parameter != secondAddr {
		t.Fatalf("second completion parameter = %#x, want %#x", res2.event.Parameter, secondAddr)
	}
}

func TestCommandAbortFailsOutstandingWaiters(t *testing.T) {
	c, _ := newTestCommandEngine(t)

	trb := TRB{}
	trb.setType(TRBNoOpCommand)

	type outcome struct {
		event TRB
		err   error
	}
	resCh := make(chan outcome, 1)
	go func() {
		e, err := c.Submit(context.Background(), trb)
		resCh <- outcome{e, err}
	}()
	time.Sleep(10 * time.Millisecond)

	wantErr := &HardwareStateError{Reason: "controller reset"}
	c.Abort(wantErr)

	res := <-resCh
	if res.err != wantErr {
		t.Fatalf("Submit error = %v, want %v", res.err, wantErr)
	}
}
