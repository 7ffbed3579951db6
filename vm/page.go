// Package vm implements the VM dispatcher and the page-type polymorphism of
// §3/§4.1: allocation, claiming, the page-fault classifier, and stack
// growth, over the Uninit/Anon/File variant state machine.
//
// It is grounded on biscuit's vm.Vm_t (vm/as.go), generalized down from
// biscuit's superset (which also supports copy-on-write and shared
// mappings, both explicit Non-goals here) to the plain lazy-bind state
// machine of the distilled spec, and on original_source/vm/vm.c for the
// exact claim/fault sequencing pintos-kaist expects.
package vm

import (
	"sync"

	"vmkern/internal/frame"
	"vmkern/internal/vmerrs"
)

// Type identifies the intended backing for a page at allocation time
// (§4.1: type is ANON or FILE, never UNINIT — Uninit is a transient state a
// page starts in, not something a caller requests).
type Type int

const (
	TypeAnon Type = iota
	TypeFile
)

// variant is the page's current tagged state (§3: "Exactly one variant at a
// time; Uninit transitions to Anon or File at first fault and never back").
type variant int

const (
	variantUninit variant = iota
	variantAnon
	variantFile
)

// Initializer is run once, at first fault, to populate a File-Uninit page's
// metadata or to finish setting up an Anon page (§4.3). It is always called
// with p's lock already held (by the Uninit -> variant transition it
// completes), so implementations must not lock p themselves.
type Initializer func(p *Page, aux any) vmerrs.Code

// Page is one page descriptor, per §3. The lock protects the variant union
// and the frame back-reference; claim/fault/swap-out all mutate it.
type Page struct {
	mu sync.Mutex

	va       uintptr
	writable bool
	v        variant

	uninit uninitState
	anon   anonState
	file   fileState

	frame *frame.Frame
	table hwTable             // the hardware page table this page is mapped into
	bytes func(uintptr) []byte // maps a kva to its backing storage (frame.Allocator.Bytes)
	swap  swapBackend          // shared process-wide swap bitmap, used by the Anon variant
}

// bytesLocked returns the backing storage for kva. Called with p.mu held.
func (p *Page) bytesLocked(kva uintptr) []byte {
	return p.bytes(kva)
}

// hwTable is the narrow slice of *hw.Table the page needs, to avoid an
// import cycle between vm and the address-space owner.
type hwTable interface {
	SetPage(va, kva uintptr, writable bool) bool
	ClearPage(va uintptr)
	IsDirty(va uintptr) bool
	SetDirty(va uintptr, dirty bool)
}

// VA returns the page's virtual address (frame.Page interface, and general
// use by callers/logging).
func (p *Page) VA() uintptr { return p.va }

// Writable reports the page's permission bit.
func (p *Page) Writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writable
}

// Resident reports whether the page currently has a bound frame.
func (p *Page) Resident() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame != nil
}

// SwapOut implements the frame.Page contract: dispatch to the variant's
// swap-out and clear the frame back-reference on success, per §3's frame
// lifecycle ("swap-out (frame unbinding, slot assignment)").
func (p *Page) SwapOut(kva uintptr) vmerrs.Code {
	p.mu.Lock()
	defer p.mu.Unlock()
	var code vmerrs.Code
	switch p.v {
	case variantAnon:
		code = p.anonSwapOutLocked(kva)
	case variantFile:
		code = p.fileSwapOutLocked(kva)
	default:
		panic("vm: SwapOut on a page with no resident variant")
	}
	if code == vmerrs.OK {
		p.frame = nil
	}
	return code
}

// swapIn dispatches to the variant's one-shot or repeatable load into kva,
// called from do_claim (§4.1).
func (p *Page) swapIn(kva uintptr) vmerrs.Code {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.v {
	case variantUninit:
		return p.uninitSwapInLocked(kva)
	case variantAnon:
		return p.anonSwapInLocked(kva)
	case variantFile:
		return p.fileSwapInLocked(kva)
	}
	panic("vm: unknown variant")
}

// destroy runs the variant's destroy hook and releases any swap slot still
// owned by the page (§4.2 destroy: "invokes the variant's destroy hook,
// releases any swap slot still owned by the page").
func (p *Page) destroy(relSlot func(slot int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.v {
	case variantAnon:
		if p.anon.slot != nil {
			relSlot(*p.anon.slot)
			p.anon.slot = nil
		}
	case variantFile:
		// nothing beyond frame release; write-back is munmap's job, not
		// destroy's (§4.5 assigns write-back to munmap specifically).
	case variantUninit:
		// an Uninit page never acquired a slot or frame.
	}
}
