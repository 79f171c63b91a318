package xhci

import "fmt"

// Error categories, matching the taxonomy: Configuration, Hardware-state,
// Command-failure, Transfer-failure, Resource, Enumeration.

// ConfigError reports a caller-supplied configuration that the core
// refuses to act on (e.g. an unsupported context size, an out-of-range
// port or slot index).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("xhci: configuration error: %s", e.Reason) }

// HardwareStateError reports that the controller's register-visible state
// does not permit the requested operation (e.g. USBSTS.CNR still set,
// USBSTS.HCE latched).
type HardwareStateError struct {
	Reason string
}

func (e *HardwareStateError) Error() string {
	return fmt.Sprintf("xhci: hardware state error: %s", e.Reason)
}

// CommandError wraps a non-success completion code returned for a Command
// Ring TRB (xHCI 1.2, Table 6-90).
type CommandError struct {
	TRBType        int
	CompletionCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("xhci: command (type %d) failed: completion code %d (%s)",
		e.TRBType, e.CompletionCode, CompletionCodeString(e.CompletionCode))
}

// TransferError wraps a non-success completion code returned for a
// Transfer Ring TRB.
type TransferError struct {
	SlotID         uint8
	EndpointID     uint8
	CompletionCode int
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("xhci: transfer (slot %d, ep %d) failed: completion code %d (%s)",
		e.SlotID, e.EndpointID, e.CompletionCode, CompletionCodeString(e.CompletionCode))
}

// Stall reports whether the transfer failed with a protocol stall,
// distinct from other completion codes because clearing it is the
// endpoint-halt recovery path (Reset-Endpoint then Set-TR-Dequeue-Pointer).
func (e *TransferError) Stall() bool {
	return e.CompletionCode == CompletionStallError
}

// ResourceError reports allocator exhaustion or an address outside the
// controller's addressable range (e.g. a >4GB DMA address when AC64 is
// clear).
type ResourceError struct {
	Reason string
}

func (e *ResourceError) Error() string { return fmt.Sprintf("xhci: resource error: %s", e.Reason) }

// EnumerationError reports a failure during port reset, slot assignment,
// or descriptor retrieval that prevents a device from reaching the
// Configured state.
type EnumerationError struct {
	Port   int
	Reason string
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("xhci: enumeration error on port %d: %s", e.Port, e.Reason)
}

// CompletionCodeString renders a completion code for diagnostics.
func CompletionCodeString(code int) string {
	switch code {
	case CompletionInvalid:
		return "invalid"
	case CompletionSuccess:
		return "success"
	case CompletionDataBufferError:
		return "data buffer error"
	case CompletionBabbleDetectedError:
		return "babble detected"
	case CompletionUSBTransactionError:
		return "USB transaction error"
	case CompletionTRBError:
		return "TRB error"
	case CompletionStallError:
		return "stall"
	case CompletionResourceError:
		return "resource error"
	case CompletionBandwidthError:
		return "bandwidth error"
	case CompletionNoSlotsAvailableError:
		return "no slots available"
	case CompletionSlotNotEnabledError:
		return "slot not enabled"
	case CompletionEndpointNotEnabledError:
		return "endpoint not enabled"
	case CompletionShortPacket:
		return "short packet"
	case CompletionParameterError:
		return "parameter error"
	case CompletionContextStateError:
		return "context state error"
	case CompletionCommandRingStopped:
		return "command ring stopped"
	case CompletionCommandAborted:
		return "command aborted"
	case CompletionStopped:
		return "stopped"
	case CompletionStoppedLengthInvalid:
		return "stopped - length invalid"
	case CompletionStoppedShortPacket:
		return "stopped - short packet"
	default:
		return "unknown"
	}
}
