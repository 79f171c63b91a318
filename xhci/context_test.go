package xhci

import "testing"

func TestSlotContextBytesRoundTrip(t *testing.T) {
	orig := SlotContext{
		RouteString:       0x12345,
		Speed:             SpeedSuper,
		MTT:               true,
		Hub:               false,
		ContextEntries:    3,
		MaxExitLatency:    0x1234,
		RootHubPort:       2,
		NumPorts:          0,
		TTHubSlotID:       7,
		TTPortNumber:      4,
		TTT:               2,
		InterrupterTarget: 0x3ff,
		USBDeviceAddress:  42,
		SlotState:         SlotStateConfigured,
	}

	decoded := SlotContextFromBytes(orig.Bytes())
	if decoded != orig {
		t.Fatalf("slot context round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}

func TestSlotContextBytesLength(t *testing.T) {
	if n := len(SlotContext{}.Bytes()); n != SlotContextSize32 {
		t.Fatalf("SlotContext.Bytes() length = %d, want %d", n, SlotContextSize32)
	}
}

func TestEndpointContextBytesRoundTrip(t *testing.T) {
	orig := EndpointContext{
		EPState:             EPStateRunning,
		Mult:                0,
		MaxPStreams:         0,
		LSA:                 false,
		Interval:            6,
		MaxESITPayloadHi:    0,
		ErrorCount:          3,
		EPType:              EPTypeBulkIn,
		HostInitiateDisable: false,
		MaxBurstSize:        0,
		MaxPacketSize:       512,
		DequeueCycleState:   true,
		TRDequeuePointer:    0x1000,
		AverageTRBLength:    512,
		MaxESITPayloadLo:    0,
	}

	decoded := EndpointContextFromBytes(orig.Bytes())
	if decoded != orig {
		t.Fatalf("endpoint context round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}

func TestEndpointContextIndex(t *testing.T) {
	cases := []struct {
		number int
		in     bool
		want   int
	}{
		{0, false, 1},
		{0, true, 1},
		{1, false, 2},
		{1, true, 3},
		{2, false, 4},
		{2, true, 5},
	}

	for _, c := range cases {
		if got := endpointContextIndex(c.number, c.in); got != c.want {
			t.Fatalf("endpointContextIndex(%d, %v) = %d, want %d", c.number, c.in, got, c.want)
		}
	}
}

func TestInputControlContextFlags(t *testing.T) {
	var c InputControlContext
	c.AddSlot()
	c.AddEndpoint(1)
	c.AddEndpoint(2)
	c.DropEndpoint(3)

	if c.AddFlags != (1 | 1<<1 | 1<<2) {
		t.Fatalf("AddFlags = %#x, want %#x", c.AddFlags, 1|1<<1|1<<2)
	}
	if c.DropFlags != 1<<3 {
		t.Fatalf("DropFlags = %#x, want %#x", c.DropFlags, 1<<3)
	}
}

func TestDeviceContextRoundTripsThroughDMA(t *testing.T) {
	region, backing := newTestRegion(1 << 16)
	_ = backing

	dc, err := NewDeviceContext(region, false)
	if err != nil {
		t.Fatalf("NewDeviceContext: %v", err)
	}
	defer dc.Free()

	slot := SlotContext{
		RouteString:      0x1,
		Speed:            SpeedHigh,
		ContextEntries:   1,
		RootHubPort:      1,
		USBDeviceAddress: 5,
		SlotState:        SlotStateAddressed,
	}

	region.Write(uint(dc.Address()), 0, slot.Bytes())

	got := dc.Slot()
	if got != slot {
		t.Fatalf("DeviceContext.Slot() = %+v, want %+v", got, slot)
	}
}

func TestDCBAASlotPointers(t *testing.T) {
	region, backing := newTestRegion(1 << 16)
	_ = backing

	d, err := NewDCBAA(region, 8)
	if err != nil {
		t.Fatalf("NewDCBAA: %v", err)
	}

	d.SetSlot(3, 0xcafebabe00)

	var buf [8]byte
	region.Read(uint(d.Address()), 3*8, buf[:])
	got := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56

	if got != 0xcafebabe00 {
		t.Fatalf("DCBAA slot 3 pointer = %#x, want %#x", got, 0xcafebabe00)
	}

	d.ClearSlot(3)
	region.Read(uint(d.Address()), 3*8, buf[:])
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("DCBAA slot 3 not cleared: %+v", buf)
		}
	}
}
