package xhci

import (
	"context"
	"fmt"

	"github.com/gousbhost/xhci/dma"
)

// Device is the enumerated, addressable handle a caller uses once a port
// has reached PortAddressed: descriptor retrieval, configuration
// selection, and typed endpoint access, all routed through the shared
// CommandEngine/TransferEngine against this device's Slot.
type Device struct {
	alloc     dma.Allocator
	slot      *Slot
	transfers *TransferEngine
	commands  *CommandEngine
}

// NewDevice wraps an addressed slot for descriptor fetch and
// configuration.
func NewDevice(alloc dma.Allocator, slot *Slot, transfers *TransferEngine, commands *CommandEngine) *Device {
	return &Device{alloc: alloc, slot: slot, transfers: transfers, commands: commands}
}

// Slot returns the device's underlying slot handle.
func (d *Device) Slot() *Slot { return d.slot }

// GetDeviceDescriptor issues Get-Descriptor(DEVICE) on EP0 and decodes
// the result.
func (d *Device) GetDeviceDescriptor(ctx context.Context) (DeviceDescriptor, error) {
	const length = 18

	buf, addr, err := d.alloc.AllocateCoherent(length, 8)
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("xhci: get device descriptor: %w", err)
	}
	defer d.alloc.FreeCoherent(addr)

	setup := SetupPacket(ReqDirDeviceToHost|ReqTypeStandard|ReqRecipDevice, ReqGetDescriptor,
		uint16(DescDevice)<<8, 0, length)

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, addr, length, true); err != nil {
		return DeviceDescriptor{}, fmt.Errorf("xhci: get device descriptor: %w", err)
	}

	dma.Read(uint(addr), 0, buf)
	return DeviceDescriptorFromBytes(buf), nil
}

// GetConfigurationDescriptor issues Get-Descriptor(CONFIGURATION) twice:
// once for the 9-byte header to learn TotalLength, then again for the
// full descriptor set (USB 2.0, 9.4.3), returning the raw bytes for the
// caller to walk interface/endpoint sub-descriptors.
func (d *Device) GetConfigurationDescriptor(ctx context.Context, index uint8) ([]byte, error) {
	headerBuf, headerAddr, err := d.alloc.AllocateCoherent(9, 8)
	if err != nil {
		return nil, err
	}
	defer d.alloc.FreeCoherent(headerAddr)

	setup := SetupPacket(ReqDirDeviceToHost|ReqTypeStandard|ReqRecipDevice, ReqGetDescriptor,
		uint16(DescConfiguration)<<8|uint16(index), 0, 9)

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, headerAddr, 9, true); err != nil {
		return nil, fmt.Errorf("xhci: get configuration descriptor header: %w", err)
	}
	dma.Read(uint(headerAddr), 0, headerBuf)

	total := int(ConfigurationDescriptorFromBytes(headerBuf).TotalLength)
	if total <= 9 {
		return headerBuf, nil
	}

	fullBuf, fullAddr, err := d.alloc.AllocateCoherent(total, 8)
	if err != nil {
		return nil, err
	}
	defer d.alloc.FreeCoherent(fullAddr)

	setup = SetupPacket(ReqDirDeviceToHost|ReqTypeStandard|ReqRecipDevice, ReqGetDescriptor,
		uint16(DescConfiguration)<<8|uint16(index), 0, uint16(total))

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, fullAddr, total, true); err != nil {
		return nil, fmt.Errorf("xhci: get configuration descriptor: %w", err)
	}
	dma.Read(uint(fullAddr), 0, fullBuf)

	return fullBuf, nil
}

// SetConfiguration issues Set-Configuration(value) and, once that
// completes, stages and submits the Configure-Endpoint command adding
// every endpoint in eps, bringing the slot to Configured.
func (d *Device) SetConfiguration(ctx context.Context, value uint8, eps []EndpointDescriptor) error {
	setup := SetupPacket(ReqDirHostToDevice|ReqTypeStandard|ReqRecipDevice, ReqSetConfiguration,
		uint16(value), 0, 0)

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, 0, 0, false); err != nil {
		return fmt.Errorf("xhci: set configuration %d: %w", value, err)
	}

	ic, err := d.slot.PrepareConfigure(eps)
	if err != nil {
		return err
	}

	trb := TRB{Parameter: ic.Address()}
	trb.setType(TRBConfigureEndpointCommand)
	trb.Control |= uint32(d.slot.ID()) << 24

	if _, err := d.commands.Submit(ctx, trb); err != nil {
		return fmt.Errorf("xhci: configure endpoint (slot %d): %w", d.slot.ID(), err)
	}

	d.slot.CommitConfigure(d.transfers, eps)
	return nil
}

// ClaimInterface issues SET_INTERFACE(alternate) to select an alternate
// setting for interfaceNumber (USB 2.0, 9.4.10), the handshake a caller
// performs before acquiring any endpoint belonging to that interface;
// most devices expose only alternate setting 0 and this call is a
// no-op confirmation in that case.
func (d *Device) ClaimInterface(ctx context.Context, interfaceNumber, alternate uint8) error {
	setup := SetupPacket(ReqDirHostToDevice|ReqTypeStandard|ReqRecipInterface, ReqSetInterface,
		uint16(alternate), uint16(interfaceNumber), 0)

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, 0, 0, false); err != nil {
		return fmt.Errorf("xhci: set interface %d alt %d: %w", interfaceNumber, alternate, err)
	}
	return nil
}

// GetDeviceDescriptorPrefix reads only the first 8 bytes of the device
// descriptor (spec §4.4 step 4): enough to learn the true
// bMaxPacketSize0 before committing to a full 18-byte fetch, since a
// mismatched initial guess on EP0 can make a longer control transfer
// fail.
func (d *Device) GetDeviceDescriptorPrefix(ctx context.Context) (uint8, error) {
	const length = 8

	buf, addr, err := d.alloc.AllocateCoherent(length, 8)
	if err != nil {
		return 0, fmt.Errorf("xhci: get device descriptor prefix: %w", err)
	}
	defer d.alloc.FreeCoherent(addr)

	setup := SetupPacket(ReqDirDeviceToHost|ReqTypeStandard|ReqRecipDevice, ReqGetDescriptor,
		uint16(DescDevice)<<8, 0, length)

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, addr, length, true); err != nil {
		return 0, fmt.Errorf("xhci: get device descriptor prefix: %w", err)
	}

	dma.Read(uint(addr), 0, buf)
	return buf[7], nil
}

// EvaluateEP0MaxPacketSize reissues EP0's context with the corrected
// max-packet-size once the true value is known from the descriptor
// prefix, via Evaluate-Context (spec §4.4 step 4): "if it differs from
// the initial guess, issue Evaluate-Context with updated EP0
// max-packet-size before any further transfer."
func (d *Device) EvaluateEP0MaxPacketSize(ctx context.Context, maxPacketSize0 uint8) error {
	ep0, ok := d.slot.Endpoint(1)
	if !ok {
		return &ConfigError{Reason: "EP0 not yet allocated"}
	}
	if ep0.maxPacketSize == int(maxPacketSize0) {
		return nil
	}

	ic, err := d.slot.prepareEvaluateEP0(maxPacketSize0)
	if err != nil {
		return err
	}

	trb := TRB{Parameter: ic.Address()}
	trb.setType(TRBEvaluateContextCommand)
	trb.Control |= uint32(d.slot.ID()) << 24

	if _, err := d.commands.Submit(ctx, trb); err != nil {
		return fmt.Errorf("xhci: evaluate context (slot %d): %w", d.slot.ID(), err)
	}

	ep0.maxPacketSize = int(maxPacketSize0)
	return nil
}

// GetHubDescriptor issues GET_HUB_DESCRIPTOR on a device already known to
// be a hub (device descriptor class code 9) and decodes the fixed
// 7-byte header (spec §4.8 "Hub discovery").
func (d *Device) GetHubDescriptor(ctx context.Context) (HubDescriptor, error) {
	const length = 7

	buf, addr, err := d.alloc.AllocateCoherent(length, 8)
	if err != nil {
		return HubDescriptor{}, err
	}
	defer d.alloc.FreeCoherent(addr)

	setup := SetupPacket(ReqDirDeviceToHost|ReqTypeClass|ReqRecipDevice, ReqGetHubDescriptor,
		uint16(DescHub)<<8, 0, length)

	if _, err := d.transfers.ControlTransfer(ctx, d.slot.ID(), setup, addr, length, true); err != nil {
		return HubDescriptor{}, fmt.Errorf("xhci: get hub descriptor: %w", err)
	}

	dma.Read(uint(addr), 0, buf)
	return HubDescriptorFromBytes(buf), nil
}

// PowerAllPorts issues SET_PORT_FEATURE(PORT_POWER) on every downstream
// port of a newly discovered hub (spec §4.8 "Hub discovery": "powers all
// its ports").
func (d *Device) PowerAllPorts(ctx context.Context, hub *ExternalHub) error {
	for port := 1; port <= hub.NumPorts(); port++ {
		if err := hub.PowerPort(ctx, port); err != nil {
			return err
		}
	}
	return nil
}

// EndpointHandle is a typed reference to one of the device's configured
// non-control endpoints, used for bulk/interrupt/isochronous transfers.
type EndpointHandle struct {
	device *Device
	ep     *Endpoint
}

// Endpoint looks up a configured endpoint by USB number and direction.
func (d *Device) Endpoint(number int, in bool) (*EndpointHandle, error) {
	ep, ok := d.slot.EndpointByNumber(number, in)
	if !ok {
		return nil, &ConfigError{Reason: fmt.Sprintf("endpoint %d (in=%v) not configured", number, in)}
	}
	return &EndpointHandle{device: d, ep: ep}, nil
}

// TransferResult is the outcome of a completed transfer: the number of
// bytes the controller actually moved and the completion status it
// reported, the shape a caller actually wants instead of a raw event
// TRB (xHCI 1.2, 4.11.3.1: "Transfer Length" on a Transfer Event is the
// residual, not the count transferred).
type TransferResult struct {
	BytesTransferred int
	CompletionCode   int
	ShortPacket      bool
}

// newTransferResult derives a TransferResult from the requested length
// and the completion event returned by the Transfer Ring.
func newTransferResult(requested int, event TRB) TransferResult {
	code := event.CompletionCode()
	return TransferResult{
		BytesTransferred: requested - event.TransferLength(),
		CompletionCode:   code,
		ShortPacket:      code == CompletionShortPacket,
	}
}

// Transfer submits addr/length against this endpoint, dispatching to
// bulk or interrupt semantics by the endpoint's configured type
// (wire-identical; Interval only affects hardware polling cadence), and
// resolves to the bytes actually transferred and completion status.
func (h *EndpointHandle) Transfer(ctx context.Context, addr uint64, length int) (TransferResult, error) {
	dirIn := h.ep.in

	var event TRB
	var err error
	switch h.ep.epType {
	case EPTypeIsochIn, EPTypeIsochOut:
		event, err = h.device.transfers.IsochTransfer(ctx, h.device.slot.ID(), uint8(h.ep.Index()), addr, length, dirIn, 0)
	default:
		event, err = h.device.transfers.BulkTransfer(ctx, h.device.slot.ID(), uint8(h.ep.Index()), addr, length, h.ep.maxPacketSize, dirIn)
	}
	if err != nil {
		return TransferResult{}, err
	}

	return newTransferResult(length, event), nil
}

// ClearStall recovers a halted endpoint via Reset-Endpoint followed by
// Set-TR-Dequeue-Pointer to the ring's current position (xHCI 1.2,
// 4.6.8), marks the endpoint Running again, and finally issues
// CLEAR_FEATURE(ENDPOINT_HALT) to the device.
func (h *EndpointHandle) ClearStall(ctx context.Context) error {
	slotID := h.device.slot.ID()

	trb := TRB{}
	trb.setType(TRBResetEndpointCommand)
	trb.Control |= uint32(slotID) << 24
	trb.Control |= uint32(h.ep.Index()) << 16

	if _, err := h.device.commands.Submit(ctx, trb); err != nil {
		return fmt.Errorf("xhci: reset endpoint (slot %d ep %d): %w", slotID, h.ep.Index(), err)
	}

	ring := h.ep.ring
	ring.mu.Lock()
	deq := TRB{Parameter: ring.slotAddr(ring.enqueue)}
	if ring.producerCycle {
		deq.Parameter |= 1
	}
	ring.mu.Unlock()
	deq.setType(TRBSetTRDequeuePointerCommand)
	deq.Control |= uint32(slotID) << 24
	deq.Control |= uint32(h.ep.Index()) << 16

	if _, err := h.device.commands.Submit(ctx, deq); err != nil {
		return fmt.Errorf("xhci: set TR dequeue pointer (slot %d ep %d): %w", slotID, h.ep.Index(), err)
	}

	h.ep.MarkRunning()

	endpointAddress := uint8(h.ep.number)
	if h.ep.in {
		endpointAddress |= 0x80
	}
	setup := SetupPacket(ReqDirHostToDevice|ReqTypeStandard|ReqRecipEndpoint, ReqClearFeature,
		FeatureEndpointHalt, uint16(endpointAddress), 0)
	if _, err := h.device.transfers.ControlTransfer(ctx, slotID, setup, 0, 0, false); err != nil {
		return fmt.Errorf("xhci: clear endpoint halt (slot %d ep %d): %w", slotID, h.ep.Index(), err)
	}

	return nil
}
