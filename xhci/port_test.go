package xhci

import (
	"context"
	"runtime"
	"testing"
	"time"
)

// fakeHub is a scriptable Hub used to drive the Enumerator state machine
// without real hardware: the test mutates status/resetDone directly
// between HandleWake calls to simulate the port's physical progress.
type fakeHub struct {
	numPorts    int
	routeString uint32
	isRootHub   bool
	ttHubSlotID uint8
	ttPortNumber uint8

	status     PortStatus
	resetCalls int
	clearCalls int
}

func (h *fakeHub) NumPorts() int        { return h.numPorts }
func (h *fakeHub) RouteString() uint32  { return h.routeString }
func (h *fakeHub) IsRootHub() bool      { return h.isRootHub }
func (h *fakeHub) TTHubSlotID() uint8   { return h.ttHubSlotID }
func (h *fakeHub) TTPortNumber(port int) uint8 { return h.ttPortNumber }
func (h *fakeHub) PowerPort(context.Context, int) error { return nil }

func (h *fakeHub) ResetPort(ctx context.Context, port int) error {
	h.resetCalls++
	return nil
}

func (h *fakeHub) PortStatus(ctx context.Context, port int) (PortStatus, error) {
	return h.status, nil
}

func (h *fakeHub) ClearPortChangeBits(ctx context.Context, port int) error {
	h.clearCalls++
	return nil
}

// newTestEnumerator builds an Enumerator backed by real DMA test memory and
// a command engine whose Submit calls are answered synchronously by a
// background goroutine, so HandleWake's blocking command submissions
// (Enable-Slot, Address-Device) complete deterministically in tests.
func newTestEnumerator(t *testing.T) (*Enumerator, *dmaCompleter) {
	t.Helper()

	region, backing := newTestRegion(1 << 18)
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

	commands := NewCommandEngine(ring, db)
	transfers := NewTransferEngine(db, true)

	dcbaa, err := NewDCBAA(region, 8)
	if err != nil {
		t.Fatalf("NewDCBAA: %v", err)
	}

	e := NewEnumerator(region, commands, transfers, dcbaa, false, 8)

	completer := &dmaCompleter{t: t, commands: commands, ring: ring}

	return e, completer
}

// dmaCompleter answers the next Submit call on the command ring with a
// successful Command Completion Event, optionally carrying a specific slot
// id (for Enable-Slot) in the event's Control DWORD. It tracks the next
// command TRB's address itself, since the ring's enqueue index advances
// monotonically regardless of Retire (commands in these tests never wrap).
type dmaCompleter struct {
	t        *testing.T
	commands *CommandEngine
	ring     *Ring
	next     int
}

func (d *dmaCompleter) completeNextWithSlot(slotID uint8) {
	d.t.Helper()
	addr := d.ring.Address() + uint64(d.next)*uint64(TRBSize)
	d.next++

	event := TRB{Parameter: addr}
	event.setType(TRBCommandCompletionEvent)
	event.Status = uint32(CompletionSuccess) << 24
	event.Control |= uint32(slotID) << 24

	d.commands.Complete(event)
}

func TestEnumeratorAdvancesToAddressed(t *testing.T) {
	e, completer := newTestEnumerator(t)

	hub := &fakeHub{numPorts: 1, routeString: 0, isRootHub: true}
	hub.status = PortStatus{Connected: true}

	ctx := context.Background()

	// PortDisconnected -> PortResetting: issues ResetPort.
	if err := e.HandleWake(ctx, hub, 1); err != nil {
		t.Fatalf("HandleWake (disconnected->resetting): %v", err)
	}
	if hub.resetCalls != 1 {
		t.Fatalf("ResetPort calls = %d, want 1", hub.resetCalls)
	}
	if e.State(hub, 1).State != PortResetting {
		t.Fatalf("state = %d, want PortResetting", e.State(hub, 1).State)
	}

	// PortResetting -> PortEnabled -> PortSlotAssigned: the state machine
	// recurses through Enabled into enableSlot, which blocks on Submit; run
	// it on a goroutine and answer with a Command Completion Event.
	hub.status = PortStatus{Connected: true, ResetChanged: true, Enabled: true, Speed: SpeedHigh}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- e.HandleWake(ctx, hub, 1)
	}()

	waitForOutstanding(t, e)
	completer.completeNextWithSlot(1)

	if err := <-resultCh; err != nil {
		t.Fatalf("HandleWake (resetting->slot assigned): %v", err)
	}

	st := e.State(hub, 1)
	if st.State != PortSlotAssigned {
		t.Fatalf("state = %d, want PortSlotAssigned", st.State)
	}
	if st.Slot == nil || st.Slot.ID() != 1 {
		t.Fatalf("slot not recorded correctly: %+v", st.Slot)
	}
	if st.routeString != 0 {
		t.Fatalf("routeString = %#x, want 0 for a device attached directly to the root hub", st.routeString)
	}

	// PortSlotAssigned -> PortAddressed: addressDevice blocks on another
	// Submit (Address-Device).
	resultCh = make(chan error, 1)
	go func() {
		resultCh <- e.HandleWake(ctx, hub, 1)
	}()

	waitForOutstanding(t, e)
	completer.completeNextWithSlot(0) // Address-Device completion carries no slot id of its own

	if err := <-resultCh; err != nil {
		t.Fatalf("HandleWake (slot assigned->addressed): %v", err)
	}

	if e.State(hub, 1).State != PortAddressed {
		t.Fatalf("state = %d, want PortAddressed", e.State(hub, 1).State)
	}
}

func TestEnumeratorRouteStringThroughExternalHub(t *testing.T) {
	e, completer := newTestEnumerator(t)

	hub := &fakeHub{numPorts: 4, routeString: 0x2, isRootHub: false}
	hub.status = PortStatus{Connected: true}

	ctx := context.Background()

	if err := e.HandleWake(ctx, hub, 3); err != nil {
		t.Fatalf("HandleWake (disconnected->resetting): %v", err)
	}

	hub.status = PortStatus{Connected: true, ResetChanged: true, Enabled: true, Speed: SpeedHigh}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- e.HandleWake(ctx, hub, 3)
	}()

	waitForOutstanding(t, e)
	completer.completeNextWithSlot(1)

	if err := <-resultCh; err != nil {
		t.Fatalf("HandleWake (resetting->slot assigned): %v", err)
	}

	st := e.State(hub, 3)
	want, err := AppendRouteTier(hub.routeString, 3)
	if err != nil {
		t.Fatalf("AppendRouteTier: %v", err)
	}
	if st.routeString != want {
		t.Fatalf("routeString = %#x, want %#x for a device behind an external hub", st.routeString, want)
	}
}

func TestEnumeratorDisconnectResetsState(t *testing.T) {
	e, _ := newTestEnumerator(t)

	hub := &fakeHub{numPorts: 1}
	hub.status = PortStatus{Connected: false}

	if err := e.HandleWake(context.Background(), hub, 1); err != nil {
		t.Fatalf("HandleWake: %v", err)
	}
	if e.State(hub, 1).State != PortDisconnected {
		t.Fatalf("state = %d, want PortDisconnected for a never-connected port", e.State(hub, 1).State)
	}
}

func TestEnumeratorReconnectBackoffSkipsRapidRetries(t *testing.T) {
	e, _ := newTestEnumerator(t)

	hub := &fakeHub{numPorts: 1}
	hub.status = PortStatus{Connected: true}

	ctx := context.Background()

	if err := e.HandleWake(ctx, hub, 1); err != nil {
		t.Fatalf("first HandleWake: %v", err)
	}
	firstResets := hub.resetCalls

	// Force the state back to Disconnected to simulate an immediate bounce,
	// then call HandleWake again right away: the backoff limiter should
	// suppress the second reset attempt.
	e.State(hub, 1).State = PortDisconnected
	if err := e.HandleWake(ctx, hub, 1); err != nil {
		t.Fatalf("second HandleWake: %v", err)
	}

	if hub.resetCalls != firstResets {
		t.Fatalf("ResetPort called again within the backoff window: calls = %d, want %d", hub.resetCalls, firstResets)
	}
}

// waitForOutstanding spins briefly until the enumerator's command ring has
// an outstanding submission to answer, avoiding a fixed sleep.
func waitForOutstanding(t *testing.T, e *Enumerator) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.commands.ring.Outstanding() > 0 {
			return
		}
		runtime.Gosched()
	}
	t.Fatalf("timed out waiting for a command to be submitted")
}
