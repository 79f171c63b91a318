package dma

// Allocator is the narrow DMA capability the xHCI core requires from its
// host environment (see External Interfaces: Construction input). A
// platform supplies one at controller construction; Region satisfies it
// directly for the common case of a coherent, identity-mapped memory
// range, and is the implementation used throughout this module's tests.
type Allocator interface {
	// AllocateCoherent returns a zeroed, DMA-addressable buffer of the
	// given size and alignment along with its bus address.
	AllocateCoherent(size int, align int) (buf []byte, addr uint64, err error)
	// FreeCoherent releases a buffer obtained from AllocateCoherent.
	FreeCoherent(addr uint64)
	// Map prepares a caller-supplied buffer for DMA in the given
	// direction and returns its bus address. The buffer must remain
	// untouched by software (for ToDevice) or unread (for FromDevice)
	// until Unmap is called.
	Map(buf []byte, dir Direction) (addr uint64, err error)
	// Unmap completes a DMA mapping obtained from Map, performing any
	// cache invalidation required to make hardware-written data visible
	// to software.
	Unmap(addr uint64, buf []byte, dir Direction)
}

// AllocateCoherent implements Allocator by reserving a zeroed block from
// the region.
func (r *Region) AllocateCoherent(size int, align int) (buf []byte, addr uint64, err error) {
	a, b := r.Reserve(size, align)

	if a == 0 && size != 0 {
		return nil, 0, errOutOfMemory
	}

	for i := range b {
		b[i] = 0
	}

	return b, uint64(a), nil
}

// FreeCoherent implements Allocator.
func (r *Region) FreeCoherent(addr uint64) {
	r.Release(uint(addr))
}

// Map implements Allocator. A buf that already lies inside the region is
// used in place; any other buf is copied into a region-backed block, for
// every direction including FromDevice. The region is
// identity-mapped so the returned bus address equals the block's address;
// Region.Write/Read perform the matching Clean/Invalidate cache operation.
func (r *Region) Map(buf []byte, dir Direction) (addr uint64, err error) {
	if res, a := r.Reserved(buf); res {
		if dir != FromDevice {
			r.cache.Clean(uint64(a), len(buf))
		}
		return uint64(a), nil
	}

	a := r.Alloc(buf, 0)

	if a == 0 && len(buf) != 0 {
		return 0, errOutOfMemory
	}

	return uint64(a), nil
}

// Unmap implements Allocator. For FromDevice and Bidirectional mappings
// the hardware-written contents are copied back into buf.
func (r *Region) Unmap(addr uint64, buf []byte, dir Direction) {
	if addr == 0 {
		return
	}

	if res, _ := r.Reserved(buf); res {
		if dir != ToDevice {
			r.cache.Invalidate(addr, len(buf))
		}
		return
	}

	if dir != ToDevice {
		r.Read(uint(addr), 0, buf)
	}

	r.Free(uint(addr))
}

var errOutOfMemory = allocError("dma: out of memory")

type allocError string

func (e allocError) Error() string { return string(e) }
