package xhci

import "encoding/binary"

// DeviceDescriptor mirrors the USB standard device descriptor (USB 2.0,
// Table 9-8), grounded on the same flat-struct decode convention used for
// TRBs and contexts elsewhere in this package.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USB               uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// DeviceDescriptorFromBytes decodes an 18-byte device descriptor.
func DeviceDescriptorFromBytes(buf []byte) DeviceDescriptor {
	return DeviceDescriptor{
		Length:            buf[0],
		DescriptorType:    buf[1],
		USB:               binary.LittleEndian.Uint16(buf[2:4]),
		DeviceClass:       buf[4],
		DeviceSubClass:    buf[5],
		DeviceProtocol:    buf[6],
		MaxPacketSize0:    buf[7],
		VendorID:          binary.LittleEndian.Uint16(buf[8:10]),
		ProductID:         binary.LittleEndian.Uint16(buf[10:12]),
		Device:            binary.LittleEndian.Uint16(buf[12:14]),
		Manufacturer:      buf[14],
		Product:           buf[15],
		SerialNumber:      buf[16],
		NumConfigurations: buf[17],
	}
}

// ConfigurationDescriptor mirrors the fixed-size header of a USB standard
// configuration descriptor (USB 2.0, Table 9-10); TotalLength governs how
// many additional bytes (interface/endpoint descriptors) follow.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorFromBytes decodes a 9-byte configuration
// descriptor header.
func ConfigurationDescriptorFromBytes(buf []byte) ConfigurationDescriptor {
	return ConfigurationDescriptor{
		Length:             buf[0],
		DescriptorType:     buf[1],
		TotalLength:        binary.LittleEndian.Uint16(buf[2:4]),
		NumInterfaces:      buf[4],
		ConfigurationValue: buf[5],
		Configuration:      buf[6],
		Attributes:         buf[7],
		MaxPower:           buf[8],
	}
}

// InterfaceDescriptor mirrors the USB standard interface descriptor (USB
// 2.0, Table 9-12).
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8
}

// InterfaceDescriptorFromBytes decodes a 9-byte interface descriptor.
func InterfaceDescriptorFromBytes(buf []byte) InterfaceDescriptor {
	return InterfaceDescriptor{
		Length:            buf[0],
		DescriptorType:    buf[1],
		InterfaceNumber:   buf[2],
		AlternateSetting:  buf[3],
		NumEndpoints:      buf[4],
		InterfaceClass:    buf[5],
		InterfaceSubClass: buf[6],
		InterfaceProtocol: buf[7],
		Interface:         buf[8],
	}
}

// StandardEndpointDescriptor mirrors the USB standard endpoint descriptor
// (USB 2.0, Table 9-13); named Standard to avoid colliding with this
// package's own EndpointDescriptor (the Configure-Endpoint command input).
type StandardEndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// StandardEndpointDescriptorFromBytes decodes a 7-byte endpoint
// descriptor.
func StandardEndpointDescriptorFromBytes(buf []byte) StandardEndpointDescriptor {
	return StandardEndpointDescriptor{
		Length:          buf[0],
		DescriptorType:  buf[1],
		EndpointAddress: buf[2],
		Attributes:      buf[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(buf[4:6]),
		Interval:         buf[6],
	}
}

// Number returns the USB endpoint number (bits 3:0 of EndpointAddress).
func (e StandardEndpointDescriptor) Number() int { return int(e.EndpointAddress & 0xf) }

// In reports whether the endpoint is IN (bit 7 of EndpointAddress).
func (e StandardEndpointDescriptor) In() bool { return e.EndpointAddress&0x80 != 0 }

// Type maps the descriptor's transfer-type attribute bits to this
// package's EPType* constants, folding in direction.
func (e StandardEndpointDescriptor) Type() uint8 {
	transferType := e.Attributes & 0x3
	in := e.In()

	switch transferType {
	case 0: // control
		return EPTypeControl
	case 1: // isochronous
		if in {
			return EPTypeIsochIn
		}
		return EPTypeIsochOut
	case 2: // bulk
		if in {
			return EPTypeBulkIn
		}
		return EPTypeBulkOut
	default: // interrupt
		if in {
			return EPTypeInterruptIn
		}
		return EPTypeInterruptOut
	}
}

// HubDescriptor mirrors the fixed-size header of the USB 2.0 hub class
// descriptor (USB 2.0, Table 11-13); DeviceRemovable/PortPwrCtrlMask are
// variable-length bitmaps sized by NumberOfPorts and are not modeled here
// since this core never needs them beyond port count and characteristics.
type HubDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	NumberOfPorts      uint8
	Characteristics    uint16
	PowerOnToPowerGood uint8
	ControlCurrent     uint8
}

// HubDescriptorFromBytes decodes the 7-byte fixed header of a hub
// descriptor.
func HubDescriptorFromBytes(buf []byte) HubDescriptor {
	return HubDescriptor{
		Length:             buf[0],
		DescriptorType:     buf[1],
		NumberOfPorts:      buf[2],
		Characteristics:    binary.LittleEndian.Uint16(buf[3:5]),
		PowerOnToPowerGood: buf[5],
		ControlCurrent:     buf[6],
	}
}
