package xhci

import (
	"github.com/gousbhost/xhci/dma"
)

// newTestRegion backs a DMA region with real Go-managed memory, large
// enough for the handful of rings/contexts a single test allocates. It
// is only valid for as long as the returned byte slice is kept alive by
// the caller (callers should hold a reference for the test's duration),
// since package dma derefences raw addresses via unsafe.Pointer.
func newTestRegion(size int) (*dma.Region, []byte) {
	backing := make([]byte, size)
	addr := addressOfTestBuf(backing)
	return dma.Init(addr, uint(size), nil), backing
}
