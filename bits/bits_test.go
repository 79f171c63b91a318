package bits

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	var v uint32

	Set(&v, 3)
	if !boolOf(Get(&v, 3, 1)) {
		t.Fatalf("bit 3 not set")
	}

	Clear(&v, 3)
	if boolOf(Get(&v, 3, 1)) {
		t.Fatalf("bit 3 still set after Clear")
	}
}

func TestSetN(t *testing.T) {
	var v uint32

	SetN(&v, 8, 0xff, 0x5a)
	if got := Get(&v, 8, 0xff); got != 0x5a {
		t.Fatalf("SetN/Get round trip: got %#x, want 0x5a", got)
	}

	// fields outside the written range must be untouched
	SetN(&v, 0, 0xff, 0x11)
	if got := Get(&v, 8, 0xff); got != 0x5a {
		t.Fatalf("SetN clobbered adjacent field: got %#x", got)
	}
}

func TestSetTo(t *testing.T) {
	var v uint32

	SetTo(&v, 5, true)
	if !boolOf(Get(&v, 5, 1)) {
		t.Fatalf("SetTo(true) did not set bit")
	}

	SetTo(&v, 5, false)
	if boolOf(Get(&v, 5, 1)) {
		t.Fatalf("SetTo(false) did not clear bit")
	}
}

func boolOf(v uint32) bool { return v != 0 }
