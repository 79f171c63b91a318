package reg

import (
	"context"
	"testing"
	"time"
	"unsafe"
)

func addr32(w *uint32) uint64 { return uint64(uintptr(unsafe.Pointer(w))) }
func addr64(w *uint64) uint64 { return uint64(uintptr(unsafe.Pointer(w))) }

func TestSetClearGet32(t *testing.T) {
	var word uint32
	a := addr32(&word)

	Set(a, 3)
	if Get(a, 3, 1) != 1 {
		t.Fatalf("Get after Set(3) = %d, want 1", Get(a, 3, 1))
	}

	Clear(a, 3)
	if Get(a, 3, 1) != 0 {
		t.Fatalf("Get after Clear(3) = %d, want 0", Get(a, 3, 1))
	}
}

func TestSetNDoesNotClobberAdjacentFields(t *testing.T) {
	var word uint32
	a := addr32(&word)

	SetN(a, 0, 0xff, 0x12)
	SetN(a, 8, 0xff, 0x34)

	if got := Get(a, 0, 0xff); got != 0x12 {
		t.Fatalf("low field = %#x, want 0x12", got)
	}
	if got := Get(a, 8, 0xff); got != 0x34 {
		t.Fatalf("high field = %#x, want 0x34", got)
	}

	ClearN(a, 0, 0xff)
	if got := Get(a, 0, 0xff); got != 0 {
		t.Fatalf("low field after ClearN = %#x, want 0", got)
	}
	if got := Get(a, 8, 0xff); got != 0x34 {
		t.Fatalf("ClearN(0) disturbed the high field: got %#x, want 0x34", got)
	}
}

func TestReadWriteOr32(t *testing.T) {
	var word uint32
	a := addr32(&word)

	Write(a, 0xdeadbeef)
	if Read(a) != 0xdeadbeef {
		t.Fatalf("Read() = %#x, want 0xdeadbeef", Read(a))
	}

	Write(a, 0)
	Or(a, 0x0f0f0f0f)
	Or(a, 0xf0f0f0f0)
	if Read(a) != 0xffffffff {
		t.Fatalf("Read() after Or = %#x, want 0xffffffff", Read(a))
	}
}

func TestGet64Set64Clear64(t *testing.T) {
	var word uint64
	a := addr64(&word)

	Set64(a, 40)
	if Get64(a, 40, 1) != 1 {
		t.Fatalf("Get64 after Set64(40) = %d, want 1", Get64(a, 40, 1))
	}

	Clear64(a, 40)
	if Get64(a, 40, 1) != 0 {
		t.Fatalf("Get64 after Clear64(40) = %d, want 0", Get64(a, 40, 1))
	}
}

func TestSetN64PreservesOtherBits(t *testing.T) {
	var word uint64
	a := addr64(&word)

	Write64(a, 0)
	SetN64(a, 4, 0xf, 0xa)
	if got := Get64(a, 4, 0xf); got != 0xa {
		t.Fatalf("SetN64 field = %#x, want 0xa", got)
	}

	SetN64(a, 32, 0xffffffff, 0x1000)
	if got := Get64(a, 4, 0xf); got != 0xa {
		t.Fatalf("SetN64 on a higher field disturbed the lower one: got %#x, want 0xa", got)
	}
	if got := Get64(a, 32, 0xffffffff); got != 0x1000 {
		t.Fatalf("high field = %#x, want 0x1000", got)
	}
}

func TestWaitForTimesOutWhenConditionNeverHolds(t *testing.T) {
	var word uint32
	a := addr32(&word)

	ok := WaitFor(20*time.Millisecond, a, 0, 1, 1)
	if ok {
		t.Fatalf("WaitFor reported success for a condition that never holds")
	}
}

func TestWaitForObservesConditionSetConcurrently(t *testing.T) {
	var word uint32
	a := addr32(&word)

	go func() {
		time.Sleep(5 * time.Millisecond)
		Set(a, 0)
	}()

	if !WaitFor(time.Second, a, 0, 1, 1) {
		t.Fatalf("WaitFor did not observe the bit set by another goroutine")
	}
}

func TestWaitContextCancellation(t *testing.T) {
	var word uint32
	a := addr32(&word)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WaitContext(ctx, a, 0, 1, 1); err == nil {
		t.Fatalf("WaitContext did not return an error for an already-cancelled context")
	}
}
