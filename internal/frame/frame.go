// Package frame implements the frame table and allocator of §4.6: it
// obtains physical frames from a simulated user pool, evicts under
// pressure, and maintains the per-owner FIFO eviction queue of §3/§4.6.
//
// It is grounded on biscuit's Physmem_t free-list allocator (mem/mem.go):
// a slice of page-sized buffers handed out by index, refcounted there
// because biscuit supports copy-on-write sharing; this module has no
// sharing (§1 Non-goals), so a Frame is owned by at most one Page at a
// time and the refcount collapses to the boolean "bound" state tracked by
// Allocator itself.
package frame

import (
	"sync"

	"github.com/sirupsen/logrus"

	"vmkern/internal/config"
	"vmkern/internal/pool"
	"vmkern/internal/vmerrs"
)

// Page is the minimal view of a page descriptor the frame allocator needs:
// enough to ask it to swap itself out on eviction, and to null its frame
// back-reference once evicted. The vm package's *Page satisfies this.
type Page interface {
	// SwapOut writes the page's contents out (to swap or to its backing
	// file) and clears its own frame back-reference. It must leave the
	// page in a state where a later fault observes it as non-resident.
	SwapOut(kva uintptr) vmerrs.Code
	// VA returns the page's virtual address, for logging.
	VA() uintptr
}

// Frame is a descriptor for one physical user page, per §3.
type Frame struct {
	KVA  uintptr
	Page Page // nil while in transition (freshly allocated, not yet claimed)

	queued bool // eviction_link: whether this frame is currently enqueued
}

// Allocator is the user-pool physical frame allocator plus its owner's FIFO
// eviction queue. One Allocator exists per address space, matching
// biscuit's per-Proc eviction bookkeeping (the queue is per-thread state per
// §5, not cross-process).
type Allocator struct {
	mu sync.Mutex

	pool      map[uintptr]*pageBuf // simulated physical memory, keyed by kva
	nextKVA   uintptr
	freeList  []uintptr

	queue []*Frame // FIFO: index 0 is the oldest / next victim
	descs *pool.Pool[Frame]

	log *logrus.Entry
}

type pageBuf [config.PageSize]byte

// NewAllocator returns an allocator with no frames yet obtained.
func NewAllocator(log *logrus.Entry) *Allocator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{
		pool:    make(map[uintptr]*pageBuf),
		nextKVA: 0x1000, // avoid a zero kva, which Frame treats as "unset"
		descs:   pool.New(func() *Frame { return &Frame{} }),
		log:     log.WithField("component", "frame"),
	}
}

// allocPhysical hands out a fresh zero-filled page from the simulated user
// pool, or reuses one off the free list. Stands in for palloc's
// alloc_user_page(), which returns a kva or none.
func (a *Allocator) allocPhysical() (uintptr, bool) {
	if n := len(a.freeList); n > 0 {
		kva := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		clear(a.pool[kva][:])
		return kva, true
	}
	// Cap the simulated pool so exhaustion (and thus eviction) is reachable
	// in tests without allocating unbounded host memory.
	const simulatedPoolPages = 4096
	if len(a.pool) >= simulatedPoolPages {
		return 0, false
	}
	kva := a.nextKVA
	a.nextKVA += uintptr(config.PageSize)
	a.pool[kva] = &pageBuf{}
	return kva, true
}

// Bytes returns the backing storage for kva for the variant backends to
// read/write into directly, mirroring mem.Physmem.Dmap's raw page access.
func (a *Allocator) Bytes(kva uintptr) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.pool[kva]
	if !ok {
		panic("frame: Bytes on unknown kva")
	}
	return buf[:]
}

// GetFrame obtains a frame, evicting a victim if the pool is exhausted, per
// §4.6. By contract this never returns failure except through a kernel-fatal
// panic, matching the "allocation failure after eviction is a fatal kernel
// error" clause of §4.6 and §7 OutOfMemory.
func (a *Allocator) GetFrame() *Frame {
	a.mu.Lock()
	kva, ok := a.allocPhysical()
	var f *Frame
	if ok {
		f = a.descs.Get()
	}
	a.mu.Unlock()
	if !ok {
		f, code := a.evictFrame()
		if code != vmerrs.OK {
			panic("frame: out of memory: eviction failed: " + code.String())
		}
		return f
	}
	*f = Frame{KVA: kva}
	return f
}

// Enqueue appends frame to the FIFO eviction queue; claim_page does this
// after binding a frame to a page (§4.1 do_claim).
func (a *Allocator) Enqueue(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f.queued {
		panic("frame: double enqueue")
	}
	f.queued = true
	a.queue = append(a.queue, f)
}

// dequeueVictim pops the front of the FIFO queue (§4.6 get_victim). Returns
// nil if the queue is empty.
func (a *Allocator) dequeueVictim() *Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	v := a.queue[0]
	a.queue = a.queue[1:]
	v.queued = false
	return v
}

// requeue puts a frame back at the tail after a failed swap-out, per the
// "re-queued and the overall allocation fails" clause of §4.6.
func (a *Allocator) requeue(f *Frame) {
	a.mu.Lock()
	f.queued = true
	a.queue = append(a.queue, f)
	a.mu.Unlock()
}

// Remove drops frame from the eviction queue without evicting it, used when
// a page is destroyed while still resident (SPT destroy, munmap).
func (a *Allocator) Remove(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, q := range a.queue {
		if q == f {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			f.queued = false
			return
		}
	}
}

// Release returns a frame's physical backing to the free list once its
// owning page has fully released it (SPT destroy, munmap, a failed claim).
// An evicted frame is not released; evictFrame hands it straight back for
// reuse.
func (a *Allocator) Release(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList = append(a.freeList, f.KVA)
	f.Page = nil
	a.descs.Put(f)
}

// evictFrame implements §4.6: pick a victim, swap it out, and hand its now
// empty frame back to the caller.
func (a *Allocator) evictFrame() (*Frame, vmerrs.Code) {
	victim := a.dequeueVictim()
	if victim == nil {
		return nil, vmerrs.ENOMEM
	}
	va := victim.Page.VA()
	a.log.WithField("va", va).Debug("evicting frame")
	code := victim.Page.SwapOut(victim.KVA)
	if code != vmerrs.OK {
		a.log.WithField("va", va).WithError(code).Warn("swap-out failed, requeuing victim")
		a.requeue(victim)
		return nil, code
	}
	victim.Page = nil
	// The victim's own swap-out is responsible for its type's write-back
	// semantics, but a reused frame must present as zero-filled to a new
	// Anon zero-fill page regardless of what it held before (§4.4 "Zero
	// the frame buffer" is specified for Anon; this generalizes the same
	// hygiene to every eviction source so GetFrame's caller never observes
	// stale contents from an unrelated page).
	clear(a.Bytes(victim.KVA))
	return victim, vmerrs.OK
}

// QueueLen reports the number of resident frames, for stats and tests.
func (a *Allocator) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
