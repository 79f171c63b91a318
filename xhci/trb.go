package xhci

import (
	"encoding/binary"

	"github.com/gousbhost/xhci/bits"
)

// TRBSize is the size in bytes of a Transfer Request Block (xHCI 1.2, 4.11).
const TRBSize = 16

// TRB types (xHCI 1.2, Table 6-91).
const (
	TRBNormal = 1 + iota
	TRBSetupStage
	TRBDataStage
	TRBStatusStage
	TRBIsoch
	TRBLink
	TRBEventData
	TRBNoOpTransfer
	TRBEnableSlotCommand
	TRBDisableSlotCommand
	TRBAddressDeviceCommand
	TRBConfigureEndpointCommand
	TRBEvaluateContextCommand
	TRBResetEndpointCommand
	TRBStopEndpointCommand
	TRBSetTRDequeuePointerCommand
	TRBResetDeviceCommand
	TRBForceEventCommand
	TRBNegotiateBandwidthCommand
	TRBSetLatencyToleranceCommand
	TRBGetPortBandwidthCommand
	TRBForceHeaderCommand
	TRBNoOpCommand
	_
	_
	TRBTransferEvent = iota + 7 // 32; the event types below follow from 33
	TRBCommandCompletionEvent
	TRBPortStatusChangeEvent
	TRBBandwidthRequestEvent
	TRBDoorbellEvent
	TRBHostControllerEvent
	TRBDeviceNotificationEvent
	TRBMFINDEXWrapEvent
)

// Completion codes (xHCI 1.2, Table 6-90), the taxonomy referenced by
// TransferError and CommandError.
const (
	CompletionInvalid = iota
	CompletionSuccess
	CompletionDataBufferError
	CompletionBabbleDetectedError
	CompletionUSBTransactionError
	CompletionTRBError
	CompletionStallError
	CompletionResourceError
	CompletionBandwidthError
	CompletionNoSlotsAvailableError
	CompletionInvalidStreamTypeError
	CompletionSlotNotEnabledError
	CompletionEndpointNotEnabledError
	CompletionShortPacket
	CompletionRingUnderrun
	CompletionRingOverrun
	CompletionVFEventRingFullError
	CompletionParameterError
	CompletionBandwidthOverrunError
	CompletionContextStateError
	CompletionNoPingResponseError
	CompletionEventRingFullError
	CompletionIncompatibleDeviceError
	CompletionMissedServiceError
	CompletionCommandRingStopped
	CompletionCommandAborted
	CompletionStopped
	CompletionStoppedLengthInvalid
	CompletionStoppedShortPacket
	CompletionMaxExitLatencyTooLargeError
	_
	CompletionIsochBufferOverrun
	CompletionEventLostError
	CompletionUndefinedError
	CompletionInvalidStreamIDError
	CompletionSecondaryBandwidthError
	CompletionSplitTransactionError
)

// TRB control bits common to most TRB types, at byte offset 12 (DWORD 3).
const (
	TRBCycle   = 0
	TRBTC      = 1 // Toggle Cycle (link TRB only)
	TRBENT     = 1 // Evaluate Next TRB (event data TRB only)
	TRBISP     = 2 // Interrupt-on-Short-Packet
	TRBChain   = 4
	TRBIOC     = 5 // Interrupt-On-Completion
	TRBIDT     = 6 // Immediate Data (setup stage)
	TRBTypeShift = 10
	TRBTypeMask  = 0x3f
	TRBDirShift  = 16 // data/status stage direction bit
	TRBBSR       = 9  // Block Set Address Request (address device command)
	TRBDC        = 9  // Deconfigure (configure endpoint command)
)

// TRB is the software-side mirror of a 16-byte Transfer Request Block.
// Parameter holds DWORDs 0-1 (the 64-bit parameter field, e.g. a data
// buffer pointer or a command's target physical address), Status holds
// DWORD 2 (transfer length / completion code / slot id, depending on TRB
// type), and Control holds DWORD 3 (cycle bit, TRB type, and per-type
// flags).
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Type returns the TRB Type field.
func (t TRB) Type() int {
	ctrl := t.Control
	return int(bits.Get(&ctrl, TRBTypeShift, TRBTypeMask))
}

// Cycle returns the TRB's cycle bit.
func (t TRB) Cycle() bool {
	ctrl := t.Control
	return bits.Get(&ctrl, TRBCycle, 1) != 0
}

// Chain reports whether TRBChain is set.
func (t TRB) Chain() bool {
	ctrl := t.Control
	return bits.Get(&ctrl, TRBChain, 1) != 0
}

// IOC reports whether Interrupt-On-Completion is set.
func (t TRB) IOC() bool {
	ctrl := t.Control
	return bits.Get(&ctrl, TRBIOC, 1) != 0
}

// CompletionCode extracts the completion code from an event TRB's Status
// field (bits 31:24).
func (t TRB) CompletionCode() int {
	return int(t.Status >> 24)
}

// TransferLength extracts the TRB Transfer Length / residual field (bits
// 23:0 of Status) as populated on Transfer Event TRBs.
func (t TRB) TransferLength() int {
	return int(t.Status & 0xffffff)
}

// SlotID extracts the Slot ID field (bits 31:24 of Control), as populated
// on Command Completion Events for slot-affecting commands and on
// Transfer Events.
func (t TRB) SlotID() uint8 {
	return uint8(t.Control >> 24)
}

// EndpointID extracts the Endpoint ID field (bits 20:16 of Control) from a
// Transfer Event TRB: values 1..31, see the Endpoint Index convention in
// the Data Model.
func (t TRB) EndpointID() uint8 {
	return uint8((t.Control >> 16) & 0x1f)
}

// PortID extracts the Port ID field (bits 31:24 of Parameter) from a Port
// Status Change Event TRB.
func (t TRB) PortID() uint8 {
	return uint8(t.Parameter >> 24)
}

// setType sets the TRB Type field, preserving other Control bits.
func (t *TRB) setType(typ int) {
	bits.SetN(&t.Control, TRBTypeShift, TRBTypeMask, uint32(typ&TRBTypeMask))
}

// setCycle sets or clears the cycle bit.
func (t *TRB) setCycle(on bool) {
	bits.SetTo(&t.Control, TRBCycle, on)
}

// Bytes encodes the TRB into its 16-byte little-endian wire format (xHCI
// 1.2, 4.11).
func (t TRB) Bytes() []byte {
	buf := make([]byte, TRBSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(buf[8:12], t.Status)
	binary.LittleEndian.PutUint32(buf[12:16], t.Control)
	return buf
}

// TRBFromBytes decodes a 16-byte little-endian TRB.
func TRBFromBytes(buf []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(buf[0:8]),
		Status:    binary.LittleEndian.Uint32(buf[8:12]),
		Control:   binary.LittleEndian.Uint32(buf[12:16]),
	}
}
