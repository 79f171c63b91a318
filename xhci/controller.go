package xhci

import (
	"context"
	"fmt"
	"log"

	"github.com/gousbhost/xhci/dma"
)

// Config tunes the ring sizes and segment counts a Controller allocates;
// zero values fall back to the defaults in DefaultConfig.
type Config struct {
	CommandRingSize  int
	EventRingSegments int
	EventRingSegmentSize int
	PortWakeBacklog  int
	Platform         Platform
	Logger           *log.Logger
}

// DefaultConfig returns the ring sizing this core uses when the caller
// doesn't override it: a modestly deep command ring (single outstanding
// command, so depth only needs to cover queued-but-not-yet-submitted
// administrative commands) and a single 64-TRB event segment, adequate
// for a handful of concurrently active endpoints.
func DefaultConfig() Config {
	return Config{
		CommandRingSize:      32,
		EventRingSegments:    1,
		EventRingSegmentSize: 64,
		PortWakeBacklog:      8,
		Platform:             DefaultPlatform(),
		Logger:               log.Default(),
	}
}

// Controller is the top-level entry point: it owns the register blocks,
// the Command Ring, Event Ring, DCBAA, and the Command/Transfer engines
// and dispatcher built on top of them, and exposes the operations a
// caller drives a full enumeration/transfer session through. Per the
// Data Model, Controller spawns no goroutines; HandleEvent must be
// invoked by the caller's own interrupt-service routine or poll loop.
type Controller struct {
	cfg Config

	cap *CapabilityRegisters
	op  *OperationalRegisters
	rt  *RuntimeRegisters
	db  *DoorbellRegisters

	alloc dma.Allocator

	dcbaa       *DCBAA
	commandRing *Ring
	eventRing   *EventRing

	commands  *CommandEngine
	transfers *TransferEngine
	dispatch  *Dispatcher
	enumerator *Enumerator

	rootHub *RootHub

	maxSlots      uint8
	contextSize64 bool
	ac64          bool

	scratchpadAddr uint64

	eventCount int
}

// NewController builds a Controller bound to the controller's MMIO base
// address and a DMA allocator satisfying dma.Allocator (typically
// dma.Default(), or a per-controller dma.Region for systems with more
// than one xHCI controller). mmioBase is the address of the Capability
// Register block (xHCI 1.2, 5.2).
func NewController(mmioBase uint64, alloc dma.Allocator, cfg Config) (*Controller, error) {
	d := DefaultConfig()
	if cfg.CommandRingSize == 0 {
		cfg.CommandRingSize = d.CommandRingSize
	}
	if cfg.EventRingSegments == 0 {
		cfg.EventRingSegments = d.EventRingSegments
	}
	if cfg.EventRingSegmentSize == 0 {
		cfg.EventRingSegmentSize = d.EventRingSegmentSize
	}
	if cfg.PortWakeBacklog == 0 {
		cfg.PortWakeBacklog = d.PortWakeBacklog
	}
	if cfg.Platform == nil {
		cfg.Platform = DefaultPlatform()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	capRegs := newCapabilityRegisters(mmioBase)
	opRegs := newOperationalRegisters(mmioBase + uint64(capRegs.Length()))
	rtRegs := newRuntimeRegisters(mmioBase + uint64(capRegs.RuntimeOffset()))
	dbRegs := newDoorbellRegisters(mmioBase + uint64(capRegs.DoorbellOffset()))

	c := &Controller{
		cfg:           cfg,
		cap:           capRegs,
		op:            opRegs,
		rt:            rtRegs,
		db:            dbRegs,
		alloc:         alloc,
		maxSlots:      uint8(capRegs.MaxSlots()),
		contextSize64: capRegs.ContextSize64(),
		ac64:          capRegs.AC64(),
	}

	return c, nil
}

// Init resets the controller, programs DCBAAP/CRCR/ERST/config, enables
// the requested number of slots, and brings the controller to the Run
// state (xHCI 1.2, 4.2: "Initialization"). It must be called exactly
// once before any other Controller method.
func (c *Controller) Init(ctx context.Context) error {
	if !c.op.Halted() {
		c.op.Stop()
	}

	c.op.Reset()

	dcbaa, err := NewDCBAA(c.alloc, int(c.maxSlots))
	if err != nil {
		return fmt.Errorf("xhci: allocate DCBAA: %w", err)
	}
	c.dcbaa = dcbaa

	if err := c.allocateScratchpad(); err != nil {
		return err
	}

	c.op.SetMaxSlotsEnabled(int(c.maxSlots))
	c.op.SetDCBAAP(dcbaa.Address())

	commandRing, err := NewRing(c.alloc, c.cfg.CommandRingSize)
	if err != nil {
		return fmt.Errorf("xhci: allocate command ring: %w", err)
	}
	c.commandRing = commandRing
	c.op.SetCRCR(commandRing.Address(), commandRing.Cycle())

	eventRing, err := NewEventRing(c.alloc, c.rt, c.cfg.EventRingSegments, c.cfg.EventRingSegmentSize)
	if err != nil {
		return fmt.Errorf("xhci: allocate event ring: %w", err)
	}
	c.eventRing = eventRing

	c.commands = NewCommandEngine(commandRing, c.db)
	c.transfers = NewTransferEngine(c.db, c.ac64)
	c.dispatch = NewDispatcher(c.commands, c.transfers, c.cfg.PortWakeBacklog)
	c.dispatch.OnHostControllerEvent(func(t TRB) {
		c.cfg.Logger.Printf("xhci: host controller event, completion code %d (%s)",
			t.CompletionCode(), CompletionCodeString(t.CompletionCode()))
	})

	c.enumerator = NewEnumerator(c.alloc, c.commands, c.transfers, c.dcbaa, c.contextSize64, c.maxSlots)

	c.rootHub = NewRootHub(c.op, int(c.cap.MaxPorts()))

	c.rt.EnableInterrupter(0)
	c.op.Run()

	return nil
}

// allocateScratchpad allocates the scratchpad buffer array required
// whenever HCSPARAMS2 reports a nonzero Max Scratchpad Buffers count
// (xHCI 1.2, 4.20), used by the controller for internal bookkeeping
// proportional to port/slot count.
func (c *Controller) allocateScratchpad() error {
	n := c.cap.MaxScratchpadBuffers()
	if n == 0 {
		return nil
	}

	pageSize := c.op.PageSize()

	arrayBuf, arrayAddr, err := c.alloc.AllocateCoherent(n*8, 64)
	if err != nil {
		return fmt.Errorf("xhci: allocate scratchpad array: %w", err)
	}

	for i := 0; i < n; i++ {
		_, addr, err := c.alloc.AllocateCoherent(pageSize, pageSize)
		if err != nil {
			return fmt.Errorf("xhci: allocate scratchpad buffer %d: %w", i, err)
		}
		dma.Write(uint(arrayAddr), i*8, uintToBytes8(addr))
	}

	_ = arrayBuf
	c.scratchpadAddr = arrayAddr
	c.dcbaa.SetScratchpadArray(arrayAddr)

	return nil
}

func uintToBytes8(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

// RootHub returns the controller's Root Hub, the entry point for
// enumerating directly attached devices.
func (c *Controller) RootHub() *RootHub { return c.rootHub }

// HandleEvent drains every pending Event Ring TRB and dispatches each to
// the Command Engine, Transfer Engine, or port wake channel as
// appropriate. It is the single entry point a caller's interrupt handler
// (after acknowledging USBSTS.EINT and the interrupter's IMAN.IP) or poll
// loop invokes; it returns the number of events processed.
func (c *Controller) HandleEvent() int {
	n := c.eventRing.Drain(c.dispatch.Handle)
	c.rt.AckInterrupt(0)
	c.eventCount += n
	return n
}

// CommandRingOccupancy reports the command ring's outstanding/capacity
// counts, for ambient observability (debug.Sampler).
func (c *Controller) CommandRingOccupancy() (outstanding, capacity int) {
	return c.commandRing.Outstanding(), c.cfg.CommandRingSize
}

// EventCount reports the cumulative number of Event Ring TRBs processed
// by HandleEvent, for ambient observability (debug.Sampler).
func (c *Controller) EventCount() int {
	return c.eventCount
}

// PortWakes exposes the channel of port status change notifications for
// a caller's enumeration loop to consume.
func (c *Controller) PortWakes() <-chan PortWake {
	return c.dispatch.PortWakes()
}

// EnumeratePort advances the enumeration state machine for one port wake
// on the root hub, returning the resulting PortState.
func (c *Controller) EnumeratePort(ctx context.Context, port int) (*PortState, error) {
	if err := c.enumerator.HandleWake(ctx, c.rootHub, port); err != nil {
		return nil, err
	}
	return c.enumerator.State(c.rootHub, port), nil
}

// EnumerateHubPort advances the enumeration state machine for a port on
// an external hub already discovered and configured as a device.
func (c *Controller) EnumerateHubPort(ctx context.Context, hub Hub, port int) (*PortState, error) {
	if err := c.enumerator.HandleWake(ctx, hub, port); err != nil {
		return nil, err
	}
	return c.enumerator.State(hub, port), nil
}

// NewDevice wraps an addressed port's slot as a Device handle for
// descriptor fetch and configuration.
func (c *Controller) NewDevice(st *PortState) *Device {
	return NewDevice(c.alloc, st.Slot, c.transfers, c.commands)
}

// DeviceList snapshots every currently enumerated device (any port at
// or beyond PortAddressed, on the root hub or any discovered external
// hub), each wrapped as a Device handle ready for ClaimInterface and
// endpoint acquisition.
func (c *Controller) DeviceList() []*Device {
	handles := c.enumerator.Devices()
	devices := make([]*Device, 0, len(handles))
	for _, h := range handles {
		devices = append(devices, NewDevice(c.alloc, h.State.Slot, c.transfers, c.commands))
	}
	return devices
}

// MarkPortConfigured records that a port's device has finished
// Configure-Endpoint, advancing its PortState to PortConfigured.
func (c *Controller) MarkPortConfigured(h Hub, port int) {
	c.enumerator.MarkConfigured(h, port)
}

// Shutdown stops the controller and aborts any outstanding command,
// releasing no DMA memory (callers that own the underlying dma.Region
// are responsible for tearing that down separately).
func (c *Controller) Shutdown() error {
	if c.commands != nil {
		c.commands.Abort(&HardwareStateError{Reason: "controller shutdown"})
	}
	c.op.Stop()
	return nil
}
