package xhci

import (
	"context"
	"fmt"

	"github.com/gousbhost/xhci/dma"
)

// Slot tracks the software-visible state of one device slot: its device
// context, the input context staging area reused across Address-Device
// and Configure-Endpoint commands, and the per-endpoint Transfer Rings
// allocated as endpoints are added.
//
// Slot.state mirrors the controller's own slot context state (xHCI 1.2,
// 4.5.3: Disabled -> Default -> Addressed -> Configured) and is only
// advanced after the corresponding command's Command Completion Event
// reports success, never speculatively.
type Slot struct {
	id            uint8
	contextSize64 bool

	alloc dma.Allocator

	deviceContext *DeviceContext
	input         *InputContext

	state int

	routeString uint32
	speed       int
	rootHubPort uint8

	endpoints map[uint8]*Endpoint
}

// Endpoint tracks one endpoint's software state: its context index, its
// Transfer Ring, and its FSM state mirroring the endpoint context
// (Running/Halted/Stopped/Error).
type Endpoint struct {
	index  int
	number int
	in     bool
	epType uint8

	maxPacketSize int

	ring  *Ring
	state int
}

// NewSlot allocates a zeroed device context for a newly Enabled slot id.
// The input context is allocated lazily on first use since not every
// slot's lifetime requires one beyond initial addressing.
func NewSlot(alloc dma.Allocator, id uint8, contextSize64 bool) (*Slot, error) {
	dc, err := NewDeviceContext(alloc, contextSize64)
	if err != nil {
		return nil, fmt.Errorf("xhci: slot %d: allocate device context: %w", id, err)
	}

	return &Slot{
		id:            id,
		contextSize64: contextSize64,
		alloc:         alloc,
		deviceContext: dc,
		state:         SlotStateDisabledOrEnabled,
		endpoints:     make(map[uint8]*Endpoint),
	}, nil
}

// ID returns the slot id assigned by Enable-Slot.
func (s *Slot) ID() uint8 { return s.id }

// State returns the slot's last-known state (as of the most recently
// completed command or context read).
func (s *Slot) State() int { return s.state }

// DeviceContextAddress returns the DMA address written into the DCBAA
// entry for this slot.
func (s *Slot) DeviceContextAddress() uint64 { return s.deviceContext.Address() }

// inputContext lazily allocates the slot's reusable input context.
func (s *Slot) inputContext() (*InputContext, error) {
	if s.input == nil {
		ic, err := NewInputContext(s.alloc, s.contextSize64)
		if err != nil {
			return nil, fmt.Errorf("xhci: slot %d: allocate input context: %w", s.id, err)
		}
		s.input = ic
	}
	return s.input, nil
}

// PrepareAddress stages a slot context (EP0 only) for an Address-Device
// command: route string, speed and parent hub/TT linkage for a device
// freshly discovered behind a root or external hub port.
func (s *Slot) PrepareAddress(routeString uint32, speed int, rootHubPort uint8, ttHubSlotID, ttPortNumber uint8, maxPacketSize0 int) (*InputContext, error) {
	ic, err := s.inputContext()
	if err != nil {
		return nil, err
	}

	s.routeString = routeString
	s.speed = speed
	s.rootHubPort = rootHubPort

	var ctrl InputControlContext
	ctrl.AddSlot() // bit 0 (slot) + bit 1 (EP0) per Address-Device semantics
	ctrl.AddEndpoint(1)
	ic.SetControl(ctrl)

	ic.SetSlot(SlotContext{
		RouteString:    routeString,
		Speed:          uint8(speed),
		ContextEntries: 1,
		RootHubPort:    rootHubPort,
		TTHubSlotID:    ttHubSlotID,
		TTPortNumber:   ttPortNumber,
	})

	ring, err := NewRing(s.alloc, 16)
	if err != nil {
		return nil, fmt.Errorf("xhci: slot %d: allocate EP0 ring: %w", s.id, err)
	}

	ep0 := &Endpoint{index: 1, number: 0, in: false, epType: EPTypeControl, maxPacketSize: maxPacketSize0, ring: ring, state: EPStateRunning}
	s.endpoints[1] = ep0

	ic.SetEndpoint(1, EndpointContext{
		EPState:           EPStateRunning,
		EPType:            EPTypeControl,
		MaxPacketSize:     uint16(maxPacketSize0),
		MaxBurstSize:      0,
		DequeueCycleState: ring.Cycle(),
		TRDequeuePointer:  ring.Address(),
		ErrorCount:        3,
		AverageTRBLength:  8,
	})

	return ic, nil
}

// CommitAddress advances the slot to Addressed after a successful
// Address-Device command completion and records EP0's ring in the
// transfer engine.
func (s *Slot) CommitAddress(transfers *TransferEngine) {
	s.state = SlotStateAddressed
	transfers.AddEndpoint(s.id, 1, s.endpoints[1].ring)
}

// EndpointDescriptor is the subset of a USB endpoint descriptor needed
// to add an endpoint to a Configure-Endpoint command.
type EndpointDescriptor struct {
	Number        int
	In            bool
	Type          uint8
	MaxPacketSize int
	Interval      uint8
	MaxBurstSize  uint8
}

// PrepareConfigure stages add-context entries for every endpoint in eps
// beyond EP0, for a Configure-Endpoint command bringing the slot to
// Configured.
func (s *Slot) PrepareConfigure(eps []EndpointDescriptor) (*InputContext, error) {
	ic, err := s.inputContext()
	if err != nil {
		return nil, err
	}

	var ctrl InputControlContext
	ctrl.AddSlot()

	maxIndex := 1
	for _, d := range eps {
		idx := endpointContextIndex(d.Number, d.In)
		if idx > maxIndex {
			maxIndex = idx
		}
	}

	ic.SetSlot(SlotContext{
		RouteString:    s.routeString,
		Speed:          uint8(s.speed),
		ContextEntries: uint8(maxIndex),
		RootHubPort:    s.rootHubPort,
	})

	for _, d := range eps {
		idx := endpointContextIndex(d.Number, d.In)
		ctrl.AddEndpoint(idx)

		ring, err := NewRing(s.alloc, 32)
		if err != nil {
			return nil, fmt.Errorf("xhci: slot %d: allocate ep%d ring: %w", s.id, d.Number, err)
		}

		ep := &Endpoint{index: idx, number: d.Number, in: d.In, epType: d.Type, maxPacketSize: d.MaxPacketSize, ring: ring, state: EPStateRunning}
		s.endpoints[uint8(idx)] = ep

		ic.SetEndpoint(idx, EndpointContext{
			EPState:           EPStateRunning,
			EPType:            d.Type,
			MaxPacketSize:     uint16(d.MaxPacketSize),
			MaxBurstSize:      d.MaxBurstSize,
			Interval:          d.Interval,
			DequeueCycleState: ring.Cycle(),
			TRDequeuePointer:  ring.Address(),
			ErrorCount:        3,
			AverageTRBLength:  uint16(d.MaxPacketSize),
		})
	}

	ic.SetControl(ctrl)

	return ic, nil
}

// CommitConfigure advances the slot to Configured after a successful
// Configure-Endpoint completion, registering every new endpoint's ring
// with the transfer engine.
func (s *Slot) CommitConfigure(transfers *TransferEngine, eps []EndpointDescriptor) {
	s.state = SlotStateConfigured
	for _, d := range eps {
		idx := uint8(endpointContextIndex(d.Number, d.In))
		transfers.AddEndpoint(s.id, idx, s.endpoints[idx].ring)
	}
}

// prepareEvaluateEP0 stages an input context for Evaluate-Context,
// updating only EP0's max-packet-size field (spec §4.4 step 4).
func (s *Slot) prepareEvaluateEP0(maxPacketSize0 uint8) (*InputContext, error) {
	ic, err := s.inputContext()
	if err != nil {
		return nil, err
	}

	ep0 := s.endpoints[1]

	var ctrl InputControlContext
	ctrl.AddEndpoint(1)
	ic.SetControl(ctrl)

	ic.SetEndpoint(1, EndpointContext{
		EPState:           EPStateRunning,
		EPType:            EPTypeControl,
		MaxPacketSize:     uint16(maxPacketSize0),
		DequeueCycleState: ep0.ring.Cycle(),
		TRDequeuePointer:  ep0.ring.Address(),
		ErrorCount:        3,
		AverageTRBLength:  8,
	})

	return ic, nil
}

// Endpoint looks up an endpoint by context index.
func (s *Slot) Endpoint(index uint8) (*Endpoint, bool) {
	ep, ok := s.endpoints[index]
	return ep, ok
}

// EndpointByNumber looks up an endpoint by USB endpoint number and
// direction, converting to the context-index convention internally.
func (s *Slot) EndpointByNumber(number int, in bool) (*Endpoint, bool) {
	return s.Endpoint(uint8(endpointContextIndex(number, in)))
}

// MarkHalted transitions an endpoint to Halted after a Stall completion,
// the recovery path being Reset-Endpoint then Set-TR-Dequeue-Pointer
// (xHCI 1.2, 4.6.8).
func (e *Endpoint) MarkHalted() { e.state = EPStateHalted }

// MarkRunning transitions an endpoint back to Running after Reset-Endpoint
// completes.
func (e *Endpoint) MarkRunning() { e.state = EPStateRunning }

// State returns the endpoint's last-known FSM state.
func (e *Endpoint) State() int { return e.state }

// Index returns the endpoint's device-context index (1..31).
func (e *Endpoint) Index() int { return e.index }

// Ring returns the endpoint's Transfer Ring.
func (e *Endpoint) Ring() *Ring { return e.ring }

// MaxPacketSize returns the endpoint's negotiated max packet size.
func (e *Endpoint) MaxPacketSize() int { return e.maxPacketSize }

// Free releases the slot's device context and input context allocations,
// called once Disable-Slot completes.
func (s *Slot) Free() {
	s.deviceContext.Free()
	if s.input != nil {
		s.input.Free()
	}
	for _, ep := range s.endpoints {
		ep.ring.alloc.FreeCoherent(ep.ring.Address())
	}
}

// refreshState reads the controller-maintained slot context back (e.g.
// after a Disable-Slot or a Stop-Endpoint leaves the context in a new
// state) rather than trusting software's last commit.
func (s *Slot) refreshState(ctx context.Context) {
	sc := s.deviceContext.Slot()
	s.state = int(sc.SlotState)
}
