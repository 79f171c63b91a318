package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/gousbhost/xhci/dma"
)

// erstEntrySize is the size in bytes of one Event-Ring-Segment-Table
// entry: a 64-bit segment base address followed by a 32-bit segment size
// (in TRBs) and 32 reserved bits (xHCI 1.2, 6.5).
const erstEntrySize = 16

// EventRing is the hardware-producer / software-consumer ring described in
// the Data Model: a segment table of contiguous TRB arrays, read by
// software in cycle-bit order and advanced via the runtime ERDP register.
type EventRing struct {
	alloc dma.Allocator

	runtime *RuntimeRegisters

	segments    [][]byte
	segmentAddr []uint64
	segmentLen  []int // in TRBs

	erstAddr uint64

	segment int
	index   int

	consumerCycle bool
}

// NewEventRing allocates an event ring with the given segments, each
// holding trbsPerSegment TRBs, and programs ERSTSZ/ERSTBA/ERDP on the
// given interrupter (always 0: this core uses a single interrupter).
func NewEventRing(alloc dma.Allocator, rt *RuntimeRegisters, segments int, trbsPerSegment int) (*EventRing, error) {
	if segments < 1 {
		return nil, fmt.Errorf("xhci: event ring needs at least one segment")
	}

	e := &EventRing{
		alloc:         alloc,
		runtime:       rt,
		consumerCycle: true,
	}

	erst := make([]byte, segments*erstEntrySize)

	for s := 0; s < segments; s++ {
		buf, addr, err := alloc.AllocateCoherent(trbsPerSegment*TRBSize, 64)
		if err != nil {
			return nil, fmt.Errorf("xhci: allocate event segment %d: %w", s, err)
		}

		e.segments = append(e.segments, buf)
		e.segmentAddr = append(e.segmentAddr, addr)
		e.segmentLen = append(e.segmentLen, trbsPerSegment)

		binary.LittleEndian.PutUint64(erst[s*erstEntrySize:], addr)
		binary.LittleEndian.PutUint32(erst[s*erstEntrySize+8:], uint32(trbsPerSegment))
	}

	erstBuf, erstAddr, err := alloc.AllocateCoherent(len(erst), 64)
	if err != nil {
		return nil, fmt.Errorf("xhci: allocate ERST: %w", err)
	}
	copy(erstBuf, erst)
	e.erstAddr = erstAddr

	rt.SetERSTSZ(0, segments)
	rt.SetERSTBA(0, erstAddr)
	rt.SetERDP(0, e.segmentAddr[0])

	return e, nil
}

func (e *EventRing) readTRB(segment, index int) TRB {
	off := index * TRBSize
	return TRBFromBytes(e.segments[segment][off : off+TRBSize])
}

// dequeueAddr returns the bus address of the current dequeue position.
func (e *EventRing) dequeueAddr() uint64 {
	return e.segmentAddr[e.segment] + uint64(e.index*TRBSize)
}

// pending reports whether a TRB is available at the current dequeue
// position (its cycle bit matches the software consumer cycle).
func (e *EventRing) pending() (TRB, bool) {
	t := e.readTRB(e.segment, e.index)
	return t, t.Cycle() == e.consumerCycle
}

// advance moves the dequeue position to the next TRB, wrapping across
// segments and toggling the consumer cycle bit exactly once per full
// traversal of the segment table (Data Model, Event-Ring invariants).
func (e *EventRing) advance() {
	e.index++

	if e.index >= e.segmentLen[e.segment] {
		e.index = 0
		e.segment++

		if e.segment >= len(e.segments) {
			e.segment = 0
			e.consumerCycle = !e.consumerCycle
		}
	}
}

// Drain reads and yields every event TRB whose cycle bit currently matches
// the consumer cycle, invoking fn for each, then publishes the new
// dequeue pointer to ERDP with EHB cleared. Per Event Ring semantics,
// software must advance ERDP only after it has finished processing the
// batch.
func (e *EventRing) Drain(fn func(TRB)) (n int) {
	for {
		t, ok := e.pending()
		if !ok {
			break
		}

		fn(t)
		e.advance()
		n++
	}

	if n > 0 {
		e.runtime.SetERDP(0, e.dequeueAddr())
	}

	return n
}
