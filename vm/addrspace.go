package vm

import (
	"github.com/sirupsen/logrus"

	"vmkern/internal/config"
	"vmkern/internal/frame"
	"vmkern/internal/spt"
	"vmkern/internal/vmerrs"
)

// AddressSpace is one process's virtual-memory image: its supplemental page
// table, hardware page table, and per-process frame allocator/eviction
// queue, mirroring biscuit's Vm_t (vm/as.go) pared down to the lazy-bind
// state machine of the distilled spec — no Vmregion permission ranges, no
// COW, no shared mappings (§1 Non-goals). Concurrency is delegated to the
// SPT's own bucket locks and the frame allocator's mutex (§5: per-process
// state needs no additional cross-call serialization beyond that).
type AddressSpace struct {
	spt   *spt.Table[*Page]
	table hwTable
	alloc *frame.Allocator
	swap  swapBackend
	cfg   config.Default

	log *logrus.Entry
}

// New returns an address space backed by table (the simulated hardware page
// table), alloc (its own frame allocator/eviction queue — per-process per
// §5), and swap (the process-wide swap bitmap, shared across address
// spaces).
func New(table hwTable, alloc *frame.Allocator, swap swapBackend, cfg config.Default, log *logrus.Entry) *AddressSpace {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AddressSpace{
		spt:   spt.New[*Page](),
		table: table,
		alloc: alloc,
		swap:  swap,
		cfg:   cfg,
		log:   log.WithField("component", "vm"),
	}
}

func roundDown(va uintptr) uintptr {
	return va &^ config.PageMask
}

// AllocPageWithInitializer implements §4.1: install a pending Uninit page at
// upage with the given intended type, initializer, and writability. Succeeds
// without change if upage is already mapped; fails on insert collision.
func (as *AddressSpace) AllocPageWithInitializer(t Type, upage uintptr, writable bool, initFn Initializer, aux any) bool {
	va := roundDown(upage)
	if _, ok := as.spt.Find(va); ok {
		return true
	}
	page := newUninitPage(va, writable, t, initFn, aux)
	page.table = as.table
	page.bytes = as.alloc.Bytes
	page.swap = as.swap
	if !as.spt.Insert(va, page) {
		// Lost a race with a concurrent insert at the same va (§4.1:
		// "On insert collision ... fail"); nothing was linked yet, so
		// there is no partial state to unwind.
		return false
	}
	return true
}

// AllocPage is the no-initializer shorthand: pure anonymous/file zero-fill
// (for FILE this is only useful once an initializer installs metadata, so in
// practice callers use Mmap for FILE pages and AllocPage for plain ANON
// pages, per §4.1).
func (as *AddressSpace) AllocPage(t Type, upage uintptr, writable bool) bool {
	return as.AllocPageWithInitializer(t, upage, writable, nil, nil)
}

// ClaimPage implements §4.1 claim_page: look up the page and bind it to a
// frame.
func (as *AddressSpace) ClaimPage(va uintptr) bool {
	page, ok := as.spt.Find(roundDown(va))
	if !ok {
		return false
	}
	return as.doClaim(page)
}

// doClaim implements §4.1 do_claim: acquire a frame, link page<->frame,
// install the hardware mapping, enqueue for eviction, and run the variant's
// swap-in.
func (as *AddressSpace) doClaim(page *Page) bool {
	f := as.alloc.GetFrame()

	page.mu.Lock()
	page.frame = f
	writable := page.writable
	va := page.va
	page.mu.Unlock()

	f.Page = page
	if !as.table.SetPage(va, f.KVA, writable) {
		as.unwindFailedClaim(page, f)
		return false
	}
	as.alloc.Enqueue(f)

	if code := page.swapIn(f.KVA); code != vmerrs.OK {
		as.log.WithField("va", va).WithError(code).Warn("claim failed: initializer/swap-in error")
		as.unwindFailedClaim(page, f)
		return false
	}
	return true
}

func (as *AddressSpace) unwindFailedClaim(page *Page, f *frame.Frame) {
	as.table.ClearPage(page.va)
	as.alloc.Remove(f)
	as.alloc.Release(f)
	page.mu.Lock()
	page.frame = nil
	page.mu.Unlock()
}

// TryHandleFault implements the classifier of §4.1. rsp is the user stack
// pointer snapshot taken at fault entry (§5: "not re-sampled").
func (as *AddressSpace) TryHandleFault(addr uintptr, user, write, notPresent bool, rsp uintptr) bool {
	if addr == 0 || addr >= as.cfg.KernelBase {
		return false
	}
	if !notPresent {
		// a protection fault on a present page; write-protect handling is
		// a non-goal (§4.1 step 2).
		return false
	}
	va := roundDown(addr)
	if page, ok := as.spt.Find(va); ok {
		return as.doClaim(page)
	}

	// Stack growth: accept iff both bounds of §4.1 step 5 hold.
	withinCap := as.cfg.UserStack-(rsp-8) <= config.MaxStackBytes
	withinRange := rsp-8 <= addr && addr < as.cfg.UserStack
	if withinCap && withinRange {
		return as.stackGrowth(addr) == vmerrs.OK
	}
	return false
}

// stackGrowth implements §4.1: allocate exactly one anonymous, writable page
// at the rounded-down address and claim it immediately.
func (as *AddressSpace) stackGrowth(addr uintptr) vmerrs.Code {
	va := roundDown(addr)
	if !as.AllocPage(TypeAnon, va, true) {
		return vmerrs.ENOMEM
	}
	if !as.ClaimPage(va) {
		return vmerrs.ENOMEM
	}
	return vmerrs.OK
}

// Find exposes spt lookup for callers that need to inspect page state
// (tests, stats) without going through the fault path.
func (as *AddressSpace) Find(va uintptr) (*Page, bool) {
	return as.spt.Find(roundDown(va))
}

// Len reports the number of SPT entries, for stats/tests.
func (as *AddressSpace) Len() int { return as.spt.Len() }
