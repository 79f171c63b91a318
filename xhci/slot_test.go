package xhci

import (
	"testing"

	"github.com/gousbhost/xhci/dma"
)

func newTestTransferEngine(t *testing.T, region *dma.Region) *TransferEngine {
	t.Helper()
	_, addr, err := region.AllocateCoherent(64, 8)
	if err != nil {
		t.Fatalf("AllocateCoherent doorbell: %v", err)
	}
	db := newDoorbellRegisters(addr)
	return NewTransferEngine(db, true)
}

func TestSlotStartsDisabledOrEnabled(t *testing.T) {
	region, backing := newTestRegion(1 << 16)
	_ = backing

	s, err := NewSlot(region, 1, false)
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	if s.State() != SlotStateDisabledOrEnabled {
		t.Fatalf("new slot state = %d, want %d", s.State(), SlotStateDisabledOrEnabled)
	}
}

func TestSlotAddressThenConfigure(t *testing.T) {
	region, backing := newTestRegion(1 << 16)
	_ = backing

	s, err := NewSlot(region, 1, false)
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}

	transfers := newTestTransferEngine(t, region)

	if _, err := s.PrepareAddress(0x1, SpeedHigh, 1, 0, 0, 64); err != nil {
		t.Fatalf("PrepareAddress: %v", err)
	}
	s.CommitAddress(transfers)

	if s.State() != SlotStateAddressed {
		t.Fatalf("state after CommitAddress = %d, want %d", s.State(), SlotStateAddressed)
	}

	ep0, ok := s.EndpointByNumber(0, false)
	if !ok {
		t.Fatalf("EP0 not registered after CommitAddress")
	}
	if ep0.State() != EPStateRunning {
		t.Fatalf("EP0 state = %d, want Running", ep0.State())
	}

	eps := []EndpointDescriptor{
		{Number: 1, In: true, Type: EPTypeBulkIn, MaxPacketSize: 512},
		{Number: 2, In: false, Type: EPTypeBulkOut, MaxPacketSize: 512},
	}
	if _, err := s.PrepareConfigure(eps); err != nil {
		t.Fatalf("PrepareConfigure: %v", err)
	}
	s.CommitConfigure(transfers, eps)

	if s.State() != SlotStateConfigured {
		t.Fatalf("state after CommitConfigure = %d, want %d", s.State(), SlotStateConfigured)
	}

	// Expected indices are the literal xHCI Data Model values (endpoint
	// index = 2*number + (in?1:0)), not a call into endpointContextIndex
	// itself, so a regression there is actually caught here.
	bulkIn, ok := s.EndpointByNumber(1, true)
	if !ok {
		t.Fatalf("bulk-in endpoint not registered")
	}
	if bulkIn.Index() != 3 {
		t.Fatalf("bulk-in (ep 1, IN) index = %d, want 3", bulkIn.Index())
	}

	bulkOut, ok := s.EndpointByNumber(2, false)
	if !ok {
		t.Fatalf("bulk-out endpoint not registered")
	}
	if bulkOut.Index() != 4 {
		t.Fatalf("bulk-out (ep 2, OUT) index = %d, want 4", bulkOut.Index())
	}
	if bulkOut.Index() == bulkIn.Index() {
		t.Fatalf("bulk-in and bulk-out endpoints collided on context index %d", bulkOut.Index())
	}
}

func TestEndpointHaltedRecoversToRunning(t *testing.T) {
	region, backing := newTestRegion(1 << 16)
	_ = backing

	s, err := NewSlot(region, 1, false)
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}

	transfers := newTestTransferEngine(t, region)
	if _, err := s.PrepareAddress(0x1, SpeedHigh, 1, 0, 0, 64); err != nil {
		t.Fatalf("PrepareAddress: %v", err)
	}
	s.CommitAddress(transfers)

	ep0, _ := s.EndpointByNumber(0, false)

	ep0.MarkHalted()
	if ep0.State() != EPStateHalted {
		t.Fatalf("state after MarkHalted = %d, want Halted", ep0.State())
	}

	ep0.MarkRunning()
	if ep0.State() != EPStateRunning {
		t.Fatalf("state after MarkRunning = %d, want Running", ep0.State())
	}
}
