package xhci

import (
	"encoding/binary"

	"github.com/gousbhost/xhci/bits"
	"github.com/gousbhost/xhci/dma"
)

// Speed codes as reported by PORTSC.Speed and stored in the slot context
// (xHCI 1.2, Table 7-13).
const (
	SpeedFull = 1 + iota
	SpeedLow
	SpeedHigh
	SpeedSuper
	SpeedSuperPlus
)

func SpeedString(speed int) string {
	switch speed {
	case SpeedFull:
		return "full"
	case SpeedLow:
		return "low"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super-plus"
	default:
		return "unknown"
	}
}

// Endpoint types, encoded in the endpoint context's EP Type field (xHCI
// 1.2, Table 6-9).
const (
	EPTypeNotValid = iota
	EPTypeIsochOut
	EPTypeBulkOut
	EPTypeInterruptOut
	EPTypeControl
	EPTypeIsochIn
	EPTypeBulkIn
	EPTypeInterruptIn
)

// SlotContextSize32 and EndpointContextSize32 are the 32-byte context entry
// size; entries are 64 bytes instead when HCCPARAMS1.CSZ is set (Data
// Model: "Context entries are 32 bytes or 64 bytes depending on a
// capability bit").
const (
	SlotContextSize32     = 32
	EndpointContextSize32 = 32
)

// SlotContext mirrors the hardware slot context layout (xHCI 1.2, 6.2.2).
type SlotContext struct {
	RouteString      uint32 // 20 bits, 5 nibbles, tier 1 in the low nibble
	Speed            uint8
	MTT              bool
	Hub              bool // this slot is itself a hub
	ContextEntries   uint8
	MaxExitLatency   uint16
	RootHubPort      uint8
	NumPorts         uint8 // hub: number of downstream ports
	TTHubSlotID      uint8
	TTPortNumber     uint8
	TTT              uint8 // TT think time, hub slots only
	InterrupterTarget uint16
	USBDeviceAddress uint8
	SlotState        uint8 // 0 disabled/enabled 1 default 2 addressed 3 configured
}

// Slot context state values (xHCI 1.2, 4.5.3), named here to match the
// Data Model's Disabled -> Default -> Addressed -> Configured lifecycle.
const (
	SlotStateDisabledOrEnabled = 0
	SlotStateDefault           = 1
	SlotStateAddressed         = 2
	SlotStateConfigured        = 3
)

// Bytes encodes the slot context into its 32-byte wire format.
func (s SlotContext) Bytes() []byte {
	buf := make([]byte, SlotContextSize32)

	dw0 := s.RouteString & 0xfffff
	dw0 |= uint32(s.Speed&0xf) << 20
	if s.MTT {
		dw0 |= 1 << 25
	}
	if s.Hub {
		dw0 |= 1 << 26
	}
	dw0 |= uint32(s.ContextEntries&0x1f) << 27

	dw1 := uint32(s.MaxExitLatency)
	dw1 |= uint32(s.RootHubPort) << 16
	dw1 |= uint32(s.NumPorts) << 24

	dw2 := uint32(s.TTHubSlotID)
	dw2 |= uint32(s.TTPortNumber) << 8
	dw2 |= uint32(s.TTT&0x3) << 16
	dw2 |= uint32(s.InterrupterTarget&0x3ff) << 22

	dw3 := uint32(s.USBDeviceAddress)
	dw3 |= uint32(s.SlotState&0x1f) << 27

	binary.LittleEndian.PutUint32(buf[0:4], dw0)
	binary.LittleEndian.PutUint32(buf[4:8], dw1)
	binary.LittleEndian.PutUint32(buf[8:12], dw2)
	binary.LittleEndian.PutUint32(buf[12:16], dw3)

	return buf
}

// SlotContextFromBytes decodes a 32-byte slot context.
func SlotContextFromBytes(buf []byte) SlotContext {
	dw0 := binary.LittleEndian.Uint32(buf[0:4])
	dw1 := binary.LittleEndian.Uint32(buf[4:8])
	dw2 := binary.LittleEndian.Uint32(buf[8:12])
	dw3 := binary.LittleEndian.Uint32(buf[12:16])

	return SlotContext{
		RouteString:       dw0 & 0xfffff,
		Speed:             uint8((dw0 >> 20) & 0xf),
		MTT:               dw0&(1<<25) != 0,
		Hub:               dw0&(1<<26) != 0,
		ContextEntries:    uint8((dw0 >> 27) & 0x1f),
		MaxExitLatency:    uint16(dw1 & 0xffff),
		RootHubPort:       uint8((dw1 >> 16) & 0xff),
		NumPorts:          uint8((dw1 >> 24) & 0xff),
		TTHubSlotID:       uint8(dw2 & 0xff),
		TTPortNumber:      uint8((dw2 >> 8) & 0xff),
		TTT:               uint8((dw2 >> 16) & 0x3),
		InterrupterTarget: uint16((dw2 >> 22) & 0x3ff),
		USBDeviceAddress:  uint8(dw3 & 0xff),
		SlotState:         uint8((dw3 >> 27) & 0x1f),
	}
}

// EndpointContext mirrors the hardware endpoint context layout (xHCI 1.2,
// 6.2.3).
type EndpointContext struct {
	EPState         uint8
	Mult            uint8
	MaxPStreams     uint8
	LSA             bool
	Interval        uint8
	MaxESITPayloadHi uint8
	ErrorCount      uint8
	EPType          uint8
	HostInitiateDisable bool
	MaxBurstSize    uint8
	MaxPacketSize   uint16
	DequeueCycleState bool
	TRDequeuePointer  uint64
	AverageTRBLength  uint16
	MaxESITPayloadLo  uint16
}

// Endpoint context state values (xHCI 1.2, 4.8.3), matching the Data
// Model's Disabled/Running/Halted/Stopped/Error states.
const (
	EPStateDisabled = 0
	EPStateRunning  = 1
	EPStateHalted   = 2
	EPStateStopped  = 3
	EPStateError    = 4
)

// Bytes encodes the endpoint context into its 32-byte wire format.
func (e EndpointContext) Bytes() []byte {
	buf := make([]byte, EndpointContextSize32)

	dw0 := uint32(e.EPState & 0x7)
	dw0 |= uint32(e.Mult&0x3) << 8
	dw0 |= uint32(e.MaxPStreams&0x1f) << 10
	if e.LSA {
		dw0 |= 1 << 15
	}
	dw0 |= uint32(e.Interval) << 16
	dw0 |= uint32(e.MaxESITPayloadHi) << 24

	dw1 := uint32(e.ErrorCount&0x3) << 1
	dw1 |= uint32(e.EPType&0x7) << 3
	if e.HostInitiateDisable {
		dw1 |= 1 << 7
	}
	dw1 |= uint32(e.MaxBurstSize) << 8
	dw1 |= uint32(e.MaxPacketSize) << 16

	trdp := e.TRDequeuePointer &^ 0xf
	if e.DequeueCycleState {
		trdp |= 1
	}

	dw4 := uint32(e.AverageTRBLength)
	dw4 |= uint32(e.MaxESITPayloadLo) << 16

	binary.LittleEndian.PutUint32(buf[0:4], dw0)
	binary.LittleEndian.PutUint32(buf[4:8], dw1)
	binary.LittleEndian.PutUint64(buf[8:16], trdp)
	binary.LittleEndian.PutUint32(buf[16:20], dw4)

	return buf
}

// EndpointContextFromBytes decodes a 32-byte endpoint context.
func EndpointContextFromBytes(buf []byte) EndpointContext {
	dw0 := binary.LittleEndian.Uint32(buf[0:4])
	dw1 := binary.LittleEndian.Uint32(buf[4:8])
	trdp := binary.LittleEndian.Uint64(buf[8:16])
	dw4 := binary.LittleEndian.Uint32(buf[16:20])

	return EndpointContext{
		EPState:             uint8(dw0 & 0x7),
		Mult:                uint8((dw0 >> 8) & 0x3),
		MaxPStreams:         uint8((dw0 >> 10) & 0x1f),
		LSA:                 dw0&(1<<15) != 0,
		Interval:            uint8((dw0 >> 16) & 0xff),
		MaxESITPayloadHi:    uint8(dw0 >> 24),
		ErrorCount:          uint8((dw1 >> 1) & 0x3),
		EPType:              uint8((dw1 >> 3) & 0x7),
		HostInitiateDisable: dw1&(1<<7) != 0,
		MaxBurstSize:        uint8((dw1 >> 8) & 0xff),
		MaxPacketSize:       uint16(dw1 >> 16),
		DequeueCycleState:   trdp&1 != 0,
		TRDequeuePointer:    trdp &^ 0xf,
		AverageTRBLength:    uint16(dw4 & 0xffff),
		MaxESITPayloadLo:    uint16(dw4 >> 16),
	}
}

// endpointContextIndex maps an endpoint number and direction to the 1..31
// context index described in the Data Model: index 1 is always EP0
// (bidirectional control); for n>0, index = 2*n + (in ? 1 : 0).
func endpointContextIndex(number int, in bool) int {
	if number == 0 {
		return 1
	}
	idx := 2 * number
	if in {
		idx++
	}
	return idx
}

// InputControlContext carries the add/drop masks that select which
// context entries an Address-Device/Configure-Endpoint/Evaluate-Context
// command affects (xHCI 1.2, 6.2.5.1).
type InputControlContext struct {
	DropFlags uint32 // bits 2..31, one per endpoint context index
	AddFlags  uint32 // bits 0..31: bit 0 slot context, bit 1 EP0, bits 2..31 endpoints
}

// AddSlot marks the slot context as affected (add flag bit 0 only; EP0 is
// added separately with AddEndpoint(1)).
func (c *InputControlContext) AddSlot() {
	bits.Set(&c.AddFlags, 0)
}

// AddEndpoint marks endpoint context index (1..31) as added.
func (c *InputControlContext) AddEndpoint(index int) {
	bits.Set(&c.AddFlags, index)
}

// DropEndpoint marks endpoint context index (1..31) as dropped.
func (c *InputControlContext) DropEndpoint(index int) {
	bits.Set(&c.DropFlags, index)
}

// Bytes encodes the input control context into its 32-byte wire format
// (DWORD 0 drop flags, DWORD 1 add flags, remaining DWORDs reserved).
func (c InputControlContext) Bytes() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], c.DropFlags)
	binary.LittleEndian.PutUint32(buf[4:8], c.AddFlags)
	return buf
}

// InputContext is the staging area used for Address-Device and
// Configure-Endpoint commands: an input control context followed by a
// slot context and up to 31 endpoint contexts, allocated DMA-coherent.
type InputContext struct {
	alloc      dma.Allocator
	addr       uint64
	buf        []byte
	entrySize  int
	maxEntries int // 32 = 1 slot + 31 endpoint contexts after the control context
}

// entryCount is the number of 32/64-byte entries following the input
// control context: one slot context plus 31 endpoint contexts.
const entryCount = 32

// NewInputContext allocates a zeroed input context sized for the
// controller's context size (32 or 64 bytes per entry).
func NewInputContext(alloc dma.Allocator, contextSize64 bool) (*InputContext, error) {
	entrySize := SlotContextSize32
	if contextSize64 {
		entrySize = 64
	}

	total := entrySize * (entryCount + 1) // +1 for the control context

	buf, addr, err := alloc.AllocateCoherent(total, 64)
	if err != nil {
		return nil, err
	}

	return &InputContext{alloc: alloc, addr: addr, buf: buf, entrySize: entrySize, maxEntries: entryCount}, nil
}

// Address returns the input context's DMA address, as written into an
// Address-Device/Configure-Endpoint/Evaluate-Context command TRB.
func (c *InputContext) Address() uint64 { return c.addr }

// SetControl writes the input control context (entry 0).
func (c *InputContext) SetControl(ctrl InputControlContext) {
	copy(c.buf[0:c.entrySize], ctrl.Bytes())
}

// SetSlot writes the slot context (entry 1).
func (c *InputContext) SetSlot(s SlotContext) {
	copy(c.buf[c.entrySize:2*c.entrySize], s.Bytes())
}

// SetEndpoint writes endpoint context index (1..31) at entry index+1.
func (c *InputContext) SetEndpoint(index int, e EndpointContext) {
	off := (index + 1) * c.entrySize
	copy(c.buf[off:off+c.entrySize], e.Bytes())
}

// Free releases the input context's DMA allocation.
func (c *InputContext) Free() {
	c.alloc.FreeCoherent(c.addr)
}

// DeviceContext is the hardware-readable per-slot context referenced by
// the DCBAA: a slot context followed by up to 31 endpoint contexts (Data
// Model: "Device context").
type DeviceContext struct {
	alloc     dma.Allocator
	addr      uint64
	buf       []byte
	entrySize int
}

// NewDeviceContext allocates a zeroed device context.
func NewDeviceContext(alloc dma.Allocator, contextSize64 bool) (*DeviceContext, error) {
	entrySize := SlotContextSize32
	if contextSize64 {
		entrySize = 64
	}

	total := entrySize * entryCount

	buf, addr, err := alloc.AllocateCoherent(total, 64)
	if err != nil {
		return nil, err
	}

	return &DeviceContext{alloc: alloc, addr: addr, buf: buf, entrySize: entrySize}, nil
}

// Address returns the device context's DMA address, as stored in the
// DCBAA slot entry.
func (c *DeviceContext) Address() uint64 { return c.addr }

// Slot reads back the slot context (entry 0), invalidating first so
// controller-written state (address, slot state) is observed.
func (c *DeviceContext) Slot() SlotContext {
	dma.Read(uint(c.addr), 0, c.buf[0:c.entrySize])
	return SlotContextFromBytes(c.buf[0:c.entrySize])
}

// Endpoint reads back endpoint context index (1..31) (entry index).
func (c *DeviceContext) Endpoint(index int) EndpointContext {
	off := index * c.entrySize
	dma.Read(uint(c.addr), off, c.buf[off:off+c.entrySize])
	return EndpointContextFromBytes(c.buf[off : off+c.entrySize])
}

// Free releases the device context's DMA allocation.
func (c *DeviceContext) Free() {
	c.alloc.FreeCoherent(c.addr)
}

// DCBAA is the Device-Context-Base-Address-Array: a pointer array indexed
// by slot id, plus a reserved entry 0 for the scratchpad buffer array
// pointer (xHCI 1.2, 6.1).
type DCBAA struct {
	alloc dma.Allocator
	addr  uint64
	buf   []byte
	slots int
}

// NewDCBAA allocates a DCBAA for the given maximum slot count (entries
// 0..maxSlots, entry 0 reserved for the scratchpad array).
func NewDCBAA(alloc dma.Allocator, maxSlots int) (*DCBAA, error) {
	buf, addr, err := alloc.AllocateCoherent((maxSlots+1)*8, 64)
	if err != nil {
		return nil, err
	}

	return &DCBAA{alloc: alloc, addr: addr, buf: buf, slots: maxSlots}, nil
}

// Address returns the DCBAA's DMA address, written once at init into
// DCBAAP.
func (d *DCBAA) Address() uint64 { return d.addr }

// SetScratchpadArray writes entry 0, the scratchpad buffer array pointer.
func (d *DCBAA) SetScratchpadArray(addr uint64) {
	binary.LittleEndian.PutUint64(d.buf[0:8], addr)
	dma.Write(uint(d.addr), 0, d.buf[0:8])
}

// SetSlot writes the device context pointer for the given slot id (1..N).
func (d *DCBAA) SetSlot(slot uint8, deviceContextAddr uint64) {
	off := int(slot) * 8
	binary.LittleEndian.PutUint64(d.buf[off:off+8], deviceContextAddr)
	dma.Write(uint(d.addr), off, d.buf[off:off+8])
}

// ClearSlot zeroes the device context pointer for the given slot id,
// called when Disable-Slot completes.
func (d *DCBAA) ClearSlot(slot uint8) {
	d.SetSlot(slot, 0)
}
