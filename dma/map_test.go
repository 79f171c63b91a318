package dma

import "testing"

func TestMapToDeviceCopiesAndUnmapFrees(t *testing.T) {
	r, backing := newTestRegion(4096)
	_ = backing

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	addr, err := r.Map(payload, ToDevice)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr == 0 {
		t.Fatalf("Map returned a zero address")
	}

	got := make([]byte, len(payload))
	r.Read(uint(addr), 0, got)
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("mapped buffer mismatch: got %v, want %v", got, payload)
		}
	}

	r.Unmap(addr, payload, ToDevice)
}

func TestMapFromDeviceUnmapCopiesBack(t *testing.T) {
	r, backing := newTestRegion(4096)
	_ = backing

	buf := make([]byte, 16)
	addr, err := r.Map(buf, FromDevice)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	// Simulate the controller writing the buffer before software reads it
	// back via Unmap.
	written := []byte{1, 2, 3, 4}
	r.Write(uint(addr), 0, written)

	r.Unmap(addr, buf, FromDevice)

	for i := range written {
		if buf[i] != written[i] {
			t.Fatalf("Unmap(FromDevice) did not copy hardware-written data back: got %v, want %v", buf[:len(written)], written)
		}
	}
}

func TestMapReservedBufferReturnsSameAddress(t *testing.T) {
	r, backing := newTestRegion(4096)
	_ = backing

	_, buf := r.Reserve(32, 0)

	_, reservedAddr := r.Reserved(buf)

	addr, err := r.Map(buf, Bidirectional)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr != uint64(reservedAddr) {
		t.Fatalf("Map(reserved buffer) address = %#x, want %#x", addr, reservedAddr)
	}
}

func TestDirectionString(t *testing.T) {
	cases := map[Direction]string{
		ToDevice:      "to-device",
		FromDevice:    "from-device",
		Bidirectional: "bidirectional",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Fatalf("Direction(%d).String() = %q, want %q", d, got, want)
		}
	}
}
