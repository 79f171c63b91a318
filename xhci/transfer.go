package xhci

import (
	"context"
	"fmt"
)

// maxNormalTRBLength is the largest transfer length a single Normal/Isoch
// TRB can carry (17-bit Trigger, xHCI 1.2 Table 6-20: bits 16:0).
const maxNormalTRBLength = 1 << 16

// transferWaiter is a pending Transfer Ring submission awaiting its
// Transfer Event, correlated by the physical address of the last TRB in
// the submitted chain (the Data Model's completion-correlation key: "the
// dispatcher keys pending transfers by the address of their last TRB").
type transferWaiter struct {
	lastAddr uint64
	trbCount int
	done     chan transferResult
}

type transferResult struct {
	event TRB
	err   error
}

// endpointRing bundles a Transfer Ring with its waiter table and the
// slot/endpoint identifiers used to ring the correct doorbell.
type endpointRing struct {
	ring     *Ring
	slotID   uint8
	epID     uint8
	waiters  map[uint64]*transferWaiter
}

// TransferEngine manages one Transfer Ring per active endpoint and routes
// completions from the event dispatcher to the waiter awaiting each
// transfer's last TRB.
type TransferEngine struct {
	doorbell *DoorbellRegisters
	ac64     bool

	endpoints map[uint16]*endpointRing // key: slotID<<8 | epID
}

func endpointKey(slotID, epID uint8) uint16 {
	return uint16(slotID)<<8 | uint16(epID)
}

// NewTransferEngine creates an engine bound to the controller's doorbell
// register block. ac64 records whether the controller advertises 64-bit
// addressing (HCCPARAMS1.AC64); when false, every buffer address is
// checked against the 32-bit addressable range before a TRB is built.
func NewTransferEngine(doorbell *DoorbellRegisters, ac64 bool) *TransferEngine {
	return &TransferEngine{
		doorbell:  doorbell,
		ac64:      ac64,
		endpoints: make(map[uint16]*endpointRing),
	}
}

// checkAddressable rejects a DMA buffer the controller cannot reach: if
// AC64 is clear, every byte of [addr, addr+length) must fall within the
// 32-bit address space (xHCI 1.2, 4.22: "a system that does not support
// 64-bit addressing... shall not be programmed with an address greater
// than 0xffffffff").
func (t *TransferEngine) checkAddressable(addr uint64, length int) error {
	if t.ac64 || length == 0 {
		return nil
	}
	if addr+uint64(length)-1 > 0xffffffff {
		return &ResourceError{Reason: fmt.Sprintf("DMA address %#x+%d exceeds the 32-bit addressable range (AC64 not set)", addr, length)}
	}
	return nil
}

// AddEndpoint registers a Transfer Ring for (slotID, epID), called once a
// Configure-Endpoint or Address-Device command has made the endpoint
// Running.
func (t *TransferEngine) AddEndpoint(slotID, epID uint8, ring *Ring) {
	t.endpoints[endpointKey(slotID, epID)] = &endpointRing{
		ring:    ring,
		slotID:  slotID,
		epID:    epID,
		waiters: make(map[uint64]*transferWaiter),
	}
}

// RemoveEndpoint drops the Transfer Ring for (slotID, epID), called when
// the endpoint or its slot is disabled.
func (t *TransferEngine) RemoveEndpoint(slotID, epID uint8) {
	delete(t.endpoints, endpointKey(slotID, epID))
}

func (t *TransferEngine) lookup(slotID, epID uint8) (*endpointRing, error) {
	ep, ok := t.endpoints[endpointKey(slotID, epID)]
	if !ok {
		return nil, &ConfigError{Reason: fmt.Sprintf("no transfer ring for slot %d endpoint %d", slotID, epID)}
	}
	return ep, nil
}

// tdSize computes the TD Size field (bits 21:17 of a Normal/Data-Stage
// TRB's Status DWORD): the number of packets remaining in the TD after
// this TRB, capped at 31 per xHCI 1.2 Table 6-20.
func tdSize(remainingBytes, maxPacketSize int) uint32 {
	if maxPacketSize <= 0 {
		return 0
	}
	packets := (remainingBytes + maxPacketSize - 1) / maxPacketSize
	if packets > 31 {
		packets = 31
	}
	return uint32(packets)
}

// buildDataTRBs splits buf into a chain of Normal (or typed) TRBs no
// longer than maxNormalTRBLength each, chaining all but the last and
// computing each one's TD Size field relative to the bytes remaining in
// the transfer descriptor.
func buildDataTRBs(addr uint64, length int, maxPacketSize int, trbType int, dirIn bool, ioc bool) []TRB {
	if length == 0 {
		t := TRB{Parameter: addr}
		t.setType(trbType)
		if dirIn {
			t.Control |= 1 << TRBDirShift
		}
		if ioc {
			t.Control |= 1 << TRBIOC
		}
		return []TRB{t}
	}

	var trbs []TRB
	remaining := length
	off := 0

	for remaining > 0 {
		chunk := remaining
		if chunk > maxNormalTRBLength {
			chunk = maxNormalTRBLength
		}

		t := TRB{Parameter: addr + uint64(off)}
		t.Status = uint32(chunk) | (tdSize(remaining-chunk, maxPacketSize) << 17)
		t.setType(trbType)
		t.Control |= 1 << TRBISP

		remaining -= chunk
		off += chunk

		if remaining > 0 {
			t.Control |= 1 << TRBChain
		} else if ioc {
			t.Control |= 1 << TRBIOC
		}

		if dirIn {
			t.Control |= 1 << TRBDirShift
		}

		trbs = append(trbs, t)
	}

	return trbs
}

// ControlTransfer submits a three-stage (Setup/Data/Status) or two-stage
// (Setup/Status, no-data) control transfer on endpoint 0 and blocks for
// its completion, per xHCI 1.2 4.11.2.2.
func (t *TransferEngine) ControlTransfer(ctx context.Context, slotID uint8, setup [8]byte, dataAddr uint64, dataLen int, dataIn bool) (TRB, error) {
	ep, err := t.lookup(slotID, 1) // EP0 is context index 1
	if err != nil {
		return TRB{}, err
	}
	if err := t.checkAddressable(dataAddr, dataLen); err != nil {
		return TRB{}, err
	}

	var trbs []TRB

	setupTRB := TRB{}
	setupTRB.Parameter = uint64(setup[0]) | uint64(setup[1])<<8 | uint64(setup[2])<<16 | uint64(setup[3])<<24 |
		uint64(setup[4])<<32 | uint64(setup[5])<<40 | uint64(setup[6])<<48 | uint64(setup[7])<<56
	setupTRB.Status = 8
	setupTRB.setType(TRBSetupStage)
	setupTRB.Control |= 1 << TRBIDT
	if dataLen > 0 {
		if dataIn {
			setupTRB.Control |= 3 << TRBDirShift // TRT = IN Data Stage
		} else {
			setupTRB.Control |= 2 << TRBDirShift // TRT = OUT Data Stage
		}
	}
	trbs = append(trbs, setupTRB)

	if dataLen > 0 {
		dataTRBs := buildDataTRBs(dataAddr, dataLen, 64, TRBDataStage, dataIn, false)
		trbs = append(trbs, dataTRBs...)
	}

	statusTRB := TRB{}
	statusTRB.setType(TRBStatusStage)
	// Status stage direction is opposite of the data stage (or IN when
	// there is no data stage), per USB control transfer semantics.
	if dataLen == 0 || !dataIn {
		statusTRB.Control |= 1 << TRBDirShift
	}
	statusTRB.Control |= 1 << TRBIOC
	trbs = append(trbs, statusTRB)

	return t.submit(ctx, ep, trbs)
}

// BulkTransfer submits a chain of Normal TRBs on a bulk endpoint.
func (t *TransferEngine) BulkTransfer(ctx context.Context, slotID, epID uint8, addr uint64, length, maxPacketSize int, dirIn bool) (TRB, error) {
	ep, err := t.lookup(slotID, epID)
	if err != nil {
		return TRB{}, err
	}
	if err := t.checkAddressable(addr, length); err != nil {
		return TRB{}, err
	}

	trbs := buildDataTRBs(addr, length, maxPacketSize, TRBNormal, dirIn, true)
	return t.submit(ctx, ep, trbs)
}

// InterruptTransfer submits a chain of Normal TRBs on an interrupt
// endpoint; wire-format identical to a bulk transfer, the endpoint
// context's Interval field is what distinguishes polling cadence.
func (t *TransferEngine) InterruptTransfer(ctx context.Context, slotID, epID uint8, addr uint64, length, maxPacketSize int, dirIn bool) (TRB, error) {
	return t.BulkTransfer(ctx, slotID, epID, addr, length, maxPacketSize, dirIn)
}

// IsochTransfer submits a single Isoch TRB carrying one service-interval
// payload; the caller is responsible for scheduling successive calls one
// per (micro)frame, per xHCI 1.2 4.11.2.3.
func (t *TransferEngine) IsochTransfer(ctx context.Context, slotID, epID uint8, addr uint64, length int, dirIn bool, frameID int) (TRB, error) {
	ep, err := t.lookup(slotID, epID)
	if err != nil {
		return TRB{}, err
	}
	if err := t.checkAddressable(addr, length); err != nil {
		return TRB{}, err
	}

	trb := TRB{Parameter: addr}
	trb.Status = uint32(length) | (tdSize(0, length) << 17)
	trb.setType(TRBIsoch)
	trb.Control |= 1 << TRBISP
	trb.Control |= 1 << TRBIOC
	if dirIn {
		trb.Control |= 1 << TRBDirShift
	}
	trb.Control |= uint32(frameID&0x7ff) << 20

	return t.submit(ctx, ep, []TRB{trb})
}

func (t *TransferEngine) submit(ctx context.Context, ep *endpointRing, trbs []TRB) (TRB, error) {
	lastAddr, err := ep.ring.Enqueue(trbs)
	if err != nil {
		return TRB{}, err
	}

	w := &transferWaiter{lastAddr: lastAddr, trbCount: len(trbs), done: make(chan transferResult, 1)}
	ep.waiters[lastAddr] = w

	t.doorbell.Ring(int(ep.slotID), ep.epID, 0)

	select {
	case res := <-w.done:
		return res.event, res.err
	case <-ctx.Done():
		delete(ep.waiters, lastAddr)
		return TRB{}, ctx.Err()
	}
}

// Complete is invoked by the event dispatcher for each Transfer Event
// TRB. It correlates the event to a waiter by the last-TRB physical
// address carried in the event's Parameter field, and retires the ring
// slots the transfer occupied.
func (t *TransferEngine) Complete(event TRB) {
	ep, ok := t.endpoints[endpointKey(event.SlotID(), event.EndpointID())]
	if !ok {
		return
	}

	w, ok := ep.waiters[event.Parameter]
	if !ok {
		return
	}
	delete(ep.waiters, event.Parameter)
	ep.ring.Retire(w.trbCount)

	var err error
	code := event.CompletionCode()
	if code != CompletionSuccess && code != CompletionShortPacket {
		err = &TransferError{SlotID: event.SlotID(), EndpointID: event.EndpointID(), CompletionCode: code}
	}

	w.done <- transferResult{event: event, err: err}
}

// Cancel orphans every waiter on an endpoint without issuing a Stop
// Endpoint command itself (that is the caller's responsibility so it can
// sequence Set-TR-Dequeue-Pointer afterward): pending Submit calls return
// immediately with err, and late completions for the orphaned
// TRBs are silently dropped by Complete because their waiter entries are
// gone.
func (t *TransferEngine) Cancel(slotID, epID uint8, err error) {
	ep, ok := t.endpoints[endpointKey(slotID, epID)]
	if !ok {
		return
	}
	for addr, w := range ep.waiters {
		w.done <- transferResult{err: err}
		delete(ep.waiters, addr)
	}
}
