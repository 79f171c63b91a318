package xhci

// Standard USB control request codes (USB 2.0, Table 9-4), used to build
// the 8-byte Setup packet passed to TransferEngine.ControlTransfer.
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
	ReqSynchFrame       = 0x0c
)

// Standard USB descriptor types (USB 2.0, Table 9-5).
const (
	DescDevice        = 1
	DescConfiguration = 2
	DescString        = 3
	DescInterface     = 4
	DescEndpoint      = 5
	DescDeviceQualifier = 6
	DescOtherSpeedConfiguration = 7
	DescInterfacePower = 8
	DescHub           = 0x29
	DescSuperSpeedHub = 0x2a
)

// bmRequestType direction/type/recipient bits (USB 2.0, Table 9-2).
const (
	ReqDirHostToDevice = 0 << 7
	ReqDirDeviceToHost = 1 << 7

	ReqTypeStandard = 0 << 5
	ReqTypeClass    = 1 << 5
	ReqTypeVendor   = 2 << 5

	ReqRecipDevice    = 0
	ReqRecipInterface = 1
	ReqRecipEndpoint  = 2
	ReqRecipOther     = 3
)

// Hub class request codes (USB 2.0, Table 11-16), issued to an external
// hub's default control endpoint to read/clear/set per-port features.
const (
	ReqClearHubFeature = 0x01
	ReqClearPortFeature = 0x01
	ReqGetHubDescriptor = 0x06
	ReqGetHubStatus     = 0x00
	ReqGetPortStatus    = 0x00
	ReqSetHubFeature    = 0x03
	ReqSetPortFeature   = 0x03
)

// Standard feature selectors for CLEAR_FEATURE/SET_FEATURE against an
// endpoint recipient (USB 2.0, Table 9-6).
const (
	FeatureEndpointHalt = 0
)

// Hub/port feature selectors (USB 2.0, Table 11-17).
const (
	FeaturePortConnection    = 0
	FeaturePortEnable        = 1
	FeaturePortSuspend       = 2
	FeaturePortOverCurrent   = 3
	FeaturePortReset         = 4
	FeaturePortPower         = 8
	FeaturePortLowSpeed      = 9
	FeatureCPortConnection   = 16
	FeatureCPortEnable       = 17
	FeatureCPortSuspend      = 18
	FeatureCPortOverCurrent  = 19
	FeatureCPortReset        = 20
	FeaturePortTest          = 21
	FeaturePortIndicator     = 22
)

// SetupPacket builds the 8-byte Setup stage payload for a control
// transfer (USB 2.0, Table 9-2).
func SetupPacket(bmRequestType, bRequest byte, wValue, wIndex, wLength uint16) [8]byte {
	var p [8]byte
	p[0] = bmRequestType
	p[1] = bRequest
	p[2] = byte(wValue)
	p[3] = byte(wValue >> 8)
	p[4] = byte(wIndex)
	p[5] = byte(wIndex >> 8)
	p[6] = byte(wLength)
	p[7] = byte(wLength >> 8)
	return p
}
