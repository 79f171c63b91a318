package xhci

import (
	"github.com/gousbhost/xhci/internal/reg"
)

// Capability register offsets, relative to the controller's MMIO base
// (xHCI 1.2, 5.3).
const (
	CAPLENGTH  = 0x00
	HCIVERSION = 0x02
	HCSPARAMS1 = 0x04
	HCSPARAMS2 = 0x08
	HCSPARAMS3 = 0x0c
	HCCPARAMS1 = 0x10
	DBOFF      = 0x14
	RTSOFF     = 0x18
	HCCPARAMS2 = 0x1c
)

// HCSPARAMS1 fields (xHCI 1.2, 5.3.3).
const (
	HCSPARAMS1_MAXSLOTS = 0
	HCSPARAMS1_MAXINTRS = 8
	HCSPARAMS1_MAXPORTS = 24
)

// HCSPARAMS2 fields (xHCI 1.2, 5.3.4).
const (
	HCSPARAMS2_IST           = 0
	HCSPARAMS2_ERSTMAX       = 4
	HCSPARAMS2_MAXSCRATCHHI  = 21
	HCSPARAMS2_SPR           = 26
	HCSPARAMS2_MAXSCRATCHLO  = 27
)

// HCCPARAMS1 fields (xHCI 1.2, 5.3.6).
const (
	HCCPARAMS1_AC64   = 0
	HCCPARAMS1_BNC    = 1
	HCCPARAMS1_CSZ    = 2
	HCCPARAMS1_PPC    = 3
	HCCPARAMS1_MAXPSA = 12
	HCCPARAMS1_XECP   = 16
)

// Operational register offsets, relative to CAPLENGTH (xHCI 1.2, 5.4).
const (
	USBCMD   = 0x00
	USBSTS   = 0x04
	PAGESIZE = 0x08
	DNCTRL   = 0x14
	CRCR     = 0x18
	DCBAAP   = 0x30
	CONFIG   = 0x38
	// PORTSC1 is the first per-port register block; port N (1-indexed)
	// lives at PORTSC1 + (N-1)*PORTREGSET_SIZE.
	PORTSC1 = 0x400
)

const PORTREGSET_SIZE = 0x10

// Per-port register offsets within a PORTREGSET block (xHCI 1.2, 5.4.8).
const (
	PORTSC   = 0x00
	PORTPMSC = 0x04
	PORTLI   = 0x08
	PORTHLPMC = 0x0c
)

// USBCMD fields (xHCI 1.2, 5.4.1).
const (
	USBCMD_RS    = 0
	USBCMD_HCRST = 1
	USBCMD_INTE  = 2
	USBCMD_HSEE  = 3
	USBCMD_EWE   = 10
)

// USBSTS fields (xHCI 1.2, 5.4.2).
const (
	USBSTS_HCH  = 0
	USBSTS_HSE  = 2
	USBSTS_EINT = 3
	USBSTS_PCD  = 4
	USBSTS_SSS  = 8
	USBSTS_RSS  = 9
	USBSTS_SRE  = 10
	USBSTS_CNR  = 11
	USBSTS_HCE  = 12
)

// CRCR fields (xHCI 1.2, 5.4.5). The pointer occupies bits 6:63.
const (
	CRCR_RCS  = 0
	CRCR_CS   = 1
	CRCR_CA   = 2
	CRCR_CRR  = 3
	CRCR_PTR_SHIFT = 6
	CRCR_PTR_MASK  = ^uint64(0) &^ (1<<CRCR_PTR_SHIFT - 1)
)

// CONFIG fields (xHCI 1.2, 5.4.7).
const (
	CONFIG_MAXSLOTSEN = 0
)

// PORTSC fields (xHCI 1.2, 5.4.8).
const (
	PORTSC_CCS   = 0
	PORTSC_PED   = 1
	PORTSC_OCA   = 3
	PORTSC_PR    = 4
	PORTSC_PLS   = 5
	PORTSC_PP    = 9
	PORTSC_SPEED = 10
	PORTSC_PIC   = 14
	PORTSC_LWS   = 16
	PORTSC_CSC   = 17
	PORTSC_PEC   = 18
	PORTSC_WRC   = 19
	PORTSC_OCC   = 20
	PORTSC_PRC   = 21
	PORTSC_PLC   = 22
	PORTSC_CEC   = 23
	PORTSC_CAS   = 24
	PORTSC_WCE   = 25
	PORTSC_WDE   = 26
	PORTSC_WOE   = 27
	PORTSC_DR    = 30
	PORTSC_WPR   = 31
)

// Runtime register offsets, relative to RTSOFF (xHCI 1.2, 5.5).
const (
	MFINDEX = 0x00
	// IR0 is the first interrupter register set; interrupter N lives at
	// IR0 + N*INTERRUPTER_SIZE.
	IR0 = 0x20
)

const INTERRUPTER_SIZE = 0x20

// Per-interrupter register offsets (xHCI 1.2, 5.5.2).
const (
	IMAN   = 0x00
	IMOD   = 0x04
	ERSTSZ = 0x08
	ERSTBA = 0x10
	ERDP   = 0x18
)

// IMAN fields.
const (
	IMAN_IP = 0
	IMAN_IE = 1
)

// ERDP fields. The dequeue pointer occupies bits 4:63.
const (
	ERDP_EHB       = 3
	ERDP_PTR_SHIFT = 4
	ERDP_PTR_MASK  = ^uint64(0) &^ (1<<ERDP_PTR_SHIFT - 1)
)

// CapabilityRegisters is a typed, read-only view over the capability
// register region (xHCI 1.2, 5.3).
type CapabilityRegisters struct {
	base uint64
}

func newCapabilityRegisters(base uint64) *CapabilityRegisters {
	return &CapabilityRegisters{base: base}
}

// Length returns CAPLENGTH, the byte offset of the operational register
// region from base.
func (c *CapabilityRegisters) Length() uint8 {
	return uint8(reg.Read(c.base+CAPLENGTH) & 0xff)
}

// Version returns HCIVERSION.
func (c *CapabilityRegisters) Version() uint16 {
	return uint16(reg.Read(c.base+CAPLENGTH) >> 16)
}

// MaxSlots returns HCSPARAMS1.MaxSlots, the number of device slots the
// controller supports.
func (c *CapabilityRegisters) MaxSlots() int {
	return int(reg.Get(c.base+HCSPARAMS1, HCSPARAMS1_MAXSLOTS, 0xff))
}

// MaxInterrupters returns HCSPARAMS1.MaxIntrs.
func (c *CapabilityRegisters) MaxInterrupters() int {
	return int(reg.Get(c.base+HCSPARAMS1, HCSPARAMS1_MAXINTRS, 0x7ff))
}

// MaxPorts returns HCSPARAMS1.MaxPorts.
func (c *CapabilityRegisters) MaxPorts() int {
	return int(reg.Get(c.base+HCSPARAMS1, HCSPARAMS1_MAXPORTS, 0xff))
}

// ERSTMax returns HCSPARAMS2.ERST Max, as 2^n segments.
func (c *CapabilityRegisters) ERSTMax() int {
	return 1 << reg.Get(c.base+HCSPARAMS2, HCSPARAMS2_ERSTMAX, 0xf)
}

// MaxScratchpadBuffers returns HCSPARAMS2's split scratchpad buffer count.
func (c *CapabilityRegisters) MaxScratchpadBuffers() int {
	hi := reg.Get(c.base+HCSPARAMS2, HCSPARAMS2_MAXSCRATCHHI, 0x1f)
	lo := reg.Get(c.base+HCSPARAMS2, HCSPARAMS2_MAXSCRATCHLO, 0x1f)
	return int(hi<<5 | lo)
}

// AC64 returns HCCPARAMS1.AC64: whether the controller can address 64-bit
// DMA pointers. When false every pointer handed to the controller must fit
// in 32 bits (see addressing-mask enforcement in Controller).
func (c *CapabilityRegisters) AC64() bool {
	return reg.Get(c.base+HCCPARAMS1, HCCPARAMS1_AC64, 1) == 1
}

// ContextSize64 returns HCCPARAMS1.CSZ: true selects 64-byte device and
// input context entries, false selects 32-byte entries.
func (c *CapabilityRegisters) ContextSize64() bool {
	return reg.Get(c.base+HCCPARAMS1, HCCPARAMS1_CSZ, 1) == 1
}

// MaxPrimaryStreamArraySize returns HCCPARAMS1.MaxPSASize. This core does
// not implement streams; the field is surfaced for completeness.
func (c *CapabilityRegisters) MaxPrimaryStreamArraySize() int {
	return int(reg.Get(c.base+HCCPARAMS1, HCCPARAMS1_MAXPSA, 0xf))
}

// DoorbellOffset returns DBOFF, aligned down to a 32-bit boundary as
// required by the spec (the low 2 bits are reserved).
func (c *CapabilityRegisters) DoorbellOffset() uint64 {
	return uint64(reg.Read(c.base+DBOFF) &^ 0x3)
}

// RuntimeOffset returns RTSOFF, aligned down to a 32-byte boundary.
func (c *CapabilityRegisters) RuntimeOffset() uint64 {
	return uint64(reg.Read(c.base+RTSOFF) &^ 0x1f)
}

// OperationalRegisters is a typed view over the operational register
// region (xHCI 1.2, 5.4).
type OperationalRegisters struct {
	base uint64
}

func newOperationalRegisters(base uint64) *OperationalRegisters {
	return &OperationalRegisters{base: base}
}

func (o *OperationalRegisters) portBase(port int) uint64 {
	return o.base + PORTSC1 + uint64(port-1)*PORTREGSET_SIZE
}

// Run sets USBCMD.RS, starting the controller.
func (o *OperationalRegisters) Run() { reg.Set(o.base+USBCMD, USBCMD_RS) }

// Stop clears USBCMD.RS, stopping the controller after the current frame.
func (o *OperationalRegisters) Stop() { reg.Clear(o.base+USBCMD, USBCMD_RS) }

// Halted reports USBSTS.HCH.
func (o *OperationalRegisters) Halted() bool {
	return reg.Get(o.base+USBSTS, USBSTS_HCH, 1) == 1
}

// Reset issues a host controller reset (USBCMD.HCRST) and waits for it,
// and for CNR (Controller Not Ready), to clear.
func (o *OperationalRegisters) Reset() {
	reg.Set(o.base+USBCMD, USBCMD_HCRST)
	reg.Wait(o.base+USBCMD, USBCMD_HCRST, 1, 0)
	reg.Wait(o.base+USBSTS, USBSTS_CNR, 1, 0)
}

// PageSize returns the controller's page size in bytes, decoded from the
// PAGESIZE register's bitmap (bit n set means 2^(n+12) bytes).
func (o *OperationalRegisters) PageSize() int {
	bitmap := reg.Read(o.base + PAGESIZE)
	for n := 0; n < 16; n++ {
		if bitmap&(1<<uint(n)) != 0 {
			return 1 << uint(n+12)
		}
	}
	return 4096
}

// SetDCBAAP writes the Device-Context-Base-Address-Array pointer.
func (o *OperationalRegisters) SetDCBAAP(addr uint64) {
	reg.Write64(o.base+DCBAAP, addr)
}

// SetCRCR writes the Command Ring Control Register pointer and initial
// cycle state, prior to Run.
func (o *OperationalRegisters) SetCRCR(addr uint64, ringCycleState bool) {
	val := addr &^ 0x3f
	if ringCycleState {
		val |= 1 << CRCR_RCS
	}
	reg.Write64(o.base+CRCR, val)
}

// RingCommandDoorbell sets CRCR.CA=0 behavior is implicit; this helper is
// retained for symmetry and documents that the command ring uses doorbell
// 0, not a CRCR bit, to notify the controller of new work.
func (o *OperationalRegisters) RingCommandDoorbell() {}

// SetMaxSlotsEnabled writes CONFIG.MaxSlotsEn.
func (o *OperationalRegisters) SetMaxSlotsEnabled(n int) {
	reg.SetN(o.base+CONFIG, CONFIG_MAXSLOTSEN, 0xff, uint32(n))
}

// PORTSC returns the raw PORTSC register value for the given 1-indexed
// port.
func (o *OperationalRegisters) PORTSC(port int) uint32 {
	return reg.Read(o.portBase(port) + PORTSC)
}

// WritePORTSC writes the PORTSC register, preserving the read-only and
// read-write-1-to-clear discipline described in xHCI 1.2, 5.4.8: callers
// must clear RsvdZ and change bits they do not intend to acknowledge.
func (o *OperationalRegisters) WritePORTSC(port int, val uint32) {
	reg.Write(o.portBase(port)+PORTSC, val)
}

// RuntimeRegisters is a typed view over the runtime register region (xHCI
// 1.2, 5.5), covering a single interrupter (interrupter 0), which is all
// this core uses.
type RuntimeRegisters struct {
	base uint64
}

func newRuntimeRegisters(base uint64) *RuntimeRegisters {
	return &RuntimeRegisters{base: base}
}

func (r *RuntimeRegisters) interrupter(n int) uint64 {
	return r.base + IR0 + uint64(n)*INTERRUPTER_SIZE
}

// EnableInterrupter sets IMAN.IE for the given interrupter.
func (r *RuntimeRegisters) EnableInterrupter(n int) {
	reg.Set(r.interrupter(n)+IMAN, IMAN_IE)
}

// InterruptPending reports IMAN.IP for the given interrupter.
func (r *RuntimeRegisters) InterruptPending(n int) bool {
	return reg.Get(r.interrupter(n)+IMAN, IMAN_IP, 1) == 1
}

// AckInterrupt clears IMAN.IP (write-1-to-clear).
func (r *RuntimeRegisters) AckInterrupt(n int) {
	reg.Set(r.interrupter(n)+IMAN, IMAN_IP)
}

// SetERSTSZ writes the Event-Ring-Segment-Table-Size register.
func (r *RuntimeRegisters) SetERSTSZ(n int, segments int) {
	reg.Write(r.interrupter(n)+ERSTSZ, uint32(segments))
}

// SetERSTBA writes the Event-Ring-Segment-Table-Base-Address register.
func (r *RuntimeRegisters) SetERSTBA(n int, addr uint64) {
	reg.Write64(r.interrupter(n)+ERSTBA, addr)
}

// ERDP returns the raw Event-Ring-Dequeue-Pointer register.
func (r *RuntimeRegisters) ERDP(n int) uint64 {
	return reg.Read64(r.interrupter(n) + ERDP)
}

// SetERDP writes the dequeue pointer, clearing the Event-Handler-Busy bit
// (xHCI 1.2, 4.9.4: software clears EHB by writing 1 to it).
func (r *RuntimeRegisters) SetERDP(n int, addr uint64) {
	reg.Write64(r.interrupter(n)+ERDP, (addr&ERDP_PTR_MASK)|(1<<ERDP_EHB))
}

// DoorbellRegisters is a typed view over the doorbell array (xHCI 1.2,
// 5.6).
type DoorbellRegisters struct {
	base uint64
}

func newDoorbellRegisters(base uint64) *DoorbellRegisters {
	return &DoorbellRegisters{base: base}
}

// Ring rings doorbell index (0 for the command ring, slot id N for slot
// N's endpoint doorbells) with the given target (endpoint index 1..31,
// ignored for the command ring) and stream id (always 0: this core does
// not implement bulk streams).
func (d *DoorbellRegisters) Ring(index int, target uint8, stream uint16) {
	reg.Write(d.base+uint64(index)*4, uint32(target)|uint32(stream)<<16)
}
