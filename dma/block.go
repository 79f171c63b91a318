package dma

import (
	"container/list"
	"unsafe"
)

func (b *block) read(off uint, buf []byte) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.addr + off))), len(buf))
	copy(buf, mem)
}

func (b *block) write(off uint, buf []byte) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.addr + off))), len(buf))
	copy(mem, buf)
}

func (b *block) slice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.addr))), int(b.size))
}

func addressOf(buf []byte) uint {
	if len(buf) == 0 {
		return 0
	}
	return uint(uintptr(unsafe.Pointer(&buf[0])))
}

func (r *Region) defrag() {
	var prev *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			defer r.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}

func (r *Region) alloc(size uint, align uint) *block {
	if align == 0 {
		align = 4
	}

	var freeBlock *block
	var e, at = r.freeBlocks.Front(), (*list.Element)(nil)
	var pad uint

	for ; e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = -b.addr & (align - 1)

		if b.size >= size+pad {
			freeBlock = b
			at = e
			break
		}
	}

	if freeBlock == nil {
		panic("dma: out of memory")
	}

	defer r.freeBlocks.Remove(at)

	if rem := freeBlock.size - (size + pad); rem != 0 {
		r.freeBlocks.InsertAfter(&block{addr: freeBlock.addr + size + pad, size: rem}, at)
	}

	if pad != 0 {
		r.freeBlocks.InsertBefore(&block{addr: freeBlock.addr, size: pad}, at)
		freeBlock.addr += pad
	}

	freeBlock.size = size

	return freeBlock
}

func (r *Region) free(used *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > used.addr {
			r.freeBlocks.InsertBefore(used, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(used)
}
