package xhci

import "testing"

func TestAppendRouteTierSingleTier(t *testing.T) {
	rs, err := AppendRouteTier(0, 3)
	if err != nil {
		t.Fatalf("AppendRouteTier: %v", err)
	}
	if rs != 0x3 {
		t.Fatalf("route string = %#x, want 0x3", rs)
	}
}

func TestAppendRouteTierMultiTier(t *testing.T) {
	rs, err := AppendRouteTier(0, 2)
	if err != nil {
		t.Fatalf("AppendRouteTier tier 1: %v", err)
	}

	rs, err = AppendRouteTier(rs, 5)
	if err != nil {
		t.Fatalf("AppendRouteTier tier 2: %v", err)
	}
	if rs != 0x52 {
		t.Fatalf("route string = %#x, want 0x52", rs)
	}

	rs, err = AppendRouteTier(rs, 1)
	if err != nil {
		t.Fatalf("AppendRouteTier tier 3: %v", err)
	}
	if rs != 0x152 {
		t.Fatalf("route string = %#x, want 0x152", rs)
	}
}

func TestAppendRouteTierExhausted(t *testing.T) {
	rs := uint32(0x11111) // all five tiers already occupied

	if _, err := AppendRouteTier(rs, 7); err == nil {
		t.Fatalf("expected an error when all 5 tiers are occupied")
	} else if _, ok := err.(*EnumerationError); !ok {
		t.Fatalf("error type = %T, want *EnumerationError", err)
	}
}

func TestAppendRouteTierMasksPortToFourBits(t *testing.T) {
	rs, err := AppendRouteTier(0, 0x17) // port number beyond 4 bits
	if err != nil {
		t.Fatalf("AppendRouteTier: %v", err)
	}
	if rs != 0x7 {
		t.Fatalf("route string = %#x, want 0x7 (masked)", rs)
	}
}
