package xhci

import "testing"

func TestTRBBytesRoundTrip(t *testing.T) {
	orig := TRB{Parameter: 0x1122334455667788, Status: 0xaabbccdd, Control: 0x11223344}

	decoded := TRBFromBytes(orig.Bytes())
	if decoded != orig {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}

func TestTRBTypeAndCycle(t *testing.T) {
	var trb TRB
	trb.setType(TRBNormal)
	trb.setCycle(true)

	if trb.Type() != TRBNormal {
		t.Fatalf("Type() = %d, want %d", trb.Type(), TRBNormal)
	}
	if !trb.Cycle() {
		t.Fatalf("Cycle() = false, want true")
	}

	trb.setCycle(false)
	if trb.Cycle() {
		t.Fatalf("Cycle() = true after setCycle(false)")
	}

	// setType must not disturb the cycle bit.
	trb.setCycle(true)
	trb.setType(TRBLink)
	if trb.Type() != TRBLink {
		t.Fatalf("Type() = %d after re-set, want %d", trb.Type(), TRBLink)
	}
	if !trb.Cycle() {
		t.Fatalf("setType() clobbered the cycle bit")
	}
}

func TestCompletionCodeAndTransferLength(t *testing.T) {
	trb := TRB{Status: uint32(CompletionShortPacket)<<24 | 1017}

	if trb.CompletionCode() != CompletionShortPacket {
		t.Fatalf("CompletionCode() = %d, want %d", trb.CompletionCode(), CompletionShortPacket)
	}
	if trb.TransferLength() != 1017 {
		t.Fatalf("TransferLength() = %d, want 1017", trb.TransferLength())
	}
}

func TestSlotIDAndEndpointID(t *testing.T) {
	trb := TRB{Control: uint32(3)<<24 | uint32(5)<<16}

	if trb.SlotID() != 3 {
		t.Fatalf("SlotID() = %d, want 3", trb.SlotID())
	}
	if trb.EndpointID() != 5 {
		t.Fatalf("EndpointID() = %d, want 5", trb.EndpointID())
	}
}
