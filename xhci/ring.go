package xhci

import (
	"fmt"
	"sync"

	"github.com/gousbhost/xhci/dma"
)

// ErrRingFull is returned by Ring.Enqueue when advancing the enqueue index
// would catch up to the dequeue index, per the Full-ring detection rule in
// the Data Model: ring depth should be sized to the outstanding-transfer
// budget so this is rare in practice.
var ErrRingFull = fmt.Errorf("xhci: ring full")

// Ring is a producer-side circular buffer of TRBs with a trailing Link TRB
// that wraps enqueueing back to index 0 and toggles the software producer
// cycle bit, mirroring the VirtIO split-queue descriptor table this core
// is grounded on but specialized to the xHCI TRB wire format and the
// single-producer/single-consumer cycle-bit ownership protocol of xHCI
// 1.2, 4.9.
//
// A Ring is used both for the Command Ring (a single shared instance) and
// for each endpoint's Transfer Ring (one instance per active endpoint, per
// the Data Model's "exactly one ring per active endpoint" invariant).
type Ring struct {
	mu sync.Mutex

	alloc dma.Allocator
	addr  uint64
	buf   []byte

	// capacity includes the trailing link TRB.
	capacity int
	enqueue  int
	// outstanding counts TRBs enqueued but not yet known to be
	// consumed by the controller; it substitutes for tracking the
	// hardware dequeue pointer, which software cannot read directly
	// for transfer/command rings.
	outstanding int

	producerCycle bool
}

// NewRing allocates a new ring with room for capacity TRBs including the
// trailing link TRB (so capacity-1 TRBs may be enqueued before a wrap).
// capacity must be at least 2.
func NewRing(alloc dma.Allocator, capacity int) (*Ring, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("xhci: ring capacity must be >= 2, got %d", capacity)
	}

	buf, addr, err := alloc.AllocateCoherent(capacity*TRBSize, 64)
	if err != nil {
		return nil, fmt.Errorf("xhci: allocate ring: %w", err)
	}

	r := &Ring{
		alloc:         alloc,
		addr:          addr,
		buf:           buf,
		capacity:      capacity,
		producerCycle: true,
	}

	link := TRB{Parameter: addr}
	link.setType(TRBLink)
	link.Control |= 1 << TRBTC

	r.writeTRB(capacity-1, link, false)

	return r, nil
}

// Address returns the ring's base DMA address, as written into a CRCR,
// dQH/endpoint-context dequeue pointer, or doorbell correlation table.
func (r *Ring) Address() uint64 {
	return r.addr
}

// Cycle returns the ring's current producer cycle state, as required when
// programming CRCR's RCS bit or an endpoint context's DCS bit for a
// freshly initialized ring.
func (r *Ring) Cycle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producerCycle
}

func (r *Ring) slotAddr(i int) uint64 {
	return r.addr + uint64(i*TRBSize)
}

// writeTRB writes a TRB at ring index i. When flipLast is true, the TRB's
// cycle bit is written in two steps per the Enqueue algorithm of the Data
// Model: the body is first written with the opposite of the producer
// cycle, a barrier is implied by the two separate DMA writes, then the
// cycle bit is flipped to the correct value, making the TRB visible to the
// controller atomically with the correct cycle. When flipLast is false
// (used only for the initial link TRB, before the ring is live) the TRB is
// written in one step.
func (r *Ring) writeTRB(i int, t TRB, flipLast bool) {
	if flipLast {
		body := t
		body.setCycle(!r.producerCycle)
		dma.Write(uint(r.addr), i*TRBSize, body.Bytes())

		t.setCycle(r.producerCycle)
		// single-field write of the cycle byte, last, making the TRB
		// visible to hardware with the correct cycle bit.
		cycleByte := t.Bytes()[12]
		dma.Write(uint(r.addr), i*TRBSize+12, []byte{cycleByte})
	} else {
		dma.Write(uint(r.addr), i*TRBSize, t.Bytes())
	}
}

// Outstanding returns the number of TRBs enqueued but not yet retired,
// for ambient observability.
func (r *Ring) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// Full reports whether the ring has no room for another TRB given its
// current outstanding count.
func (r *Ring) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full()
}

func (r *Ring) full() bool {
	// capacity-1 usable slots: one slot is permanently the link TRB.
	return r.outstanding >= r.capacity-1
}

// Enqueue writes a chain of TRBs onto the ring, wrapping across the link
// TRB as needed, and returns the physical address of the last TRB written
// (the completion correlation key). trbs must not itself contain a link
// TRB; Chain/IOC flags are the caller's responsibility per transfer-kind
// encoding rules.
func (r *Ring) Enqueue(trbs []TRB) (lastAddr uint64, err error) {
	if len(trbs) == 0 {
		return 0, fmt.Errorf("xhci: empty TRB chain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outstanding+len(trbs) > r.capacity-1 {
		return 0, ErrRingFull
	}

	for _, t := range trbs {
		lastAddr = r.slotAddr(r.enqueue)
		r.writeTRB(r.enqueue, t, true)
		r.advance()
	}

	r.outstanding += len(trbs)

	return lastAddr, nil
}

// advance moves the enqueue index forward by one slot, flipping the link
// TRB's cycle and the producer cycle bit on wrap (Data Model, TRB
// enqueue algorithm step 4).
func (r *Ring) advance() {
	r.enqueue++

	if r.enqueue == r.capacity-1 {
		link := TRB{Parameter: r.addr}
		link.setType(TRBLink)
		link.Control |= 1 << TRBTC
		link.setCycle(r.producerCycle)

		r.writeTRB(r.capacity-1, link, false)

		r.producerCycle = !r.producerCycle
		r.enqueue = 0
	}
}

// Retire decrements the outstanding count by n, called by the dispatcher
// once it has correlated and delivered completion events for n TRBs,
// freeing ring capacity for further Enqueue calls.
func (r *Ring) Retire(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outstanding -= n
	if r.outstanding < 0 {
		r.outstanding = 0
	}
}
