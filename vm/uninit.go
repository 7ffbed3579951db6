// Uninitialized-page stub (§4.3), grounded on original_source/vm/vm.c's
// uninit_new/vm_alloc_page_with_initializer and on the variant-dispatch
// shape of biscuit's Vm_t._mkvmi (vm/as.go), which likewise defers the
// concrete backing decision to first fault.
package vm

import "vmkern/internal/vmerrs"

type uninitState struct {
	initFn       Initializer
	initAux      any
	intendedType Type
}

func newUninitPage(va uintptr, writable bool, intendedType Type, initFn Initializer, aux any) *Page {
	p := &Page{
		va:       va,
		writable: writable,
		v:        variantUninit,
	}
	p.uninit = uninitState{initFn: initFn, initAux: aux, intendedType: intendedType}
	return p
}

// uninitSwapInLocked performs the one-shot Uninit -> Anon|File transition of
// §4.3: mutate the variant in place, then invoke the initializer. Called
// with p.mu held.
func (p *Page) uninitSwapInLocked(kva uintptr) vmerrs.Code {
	initFn := p.uninit.initFn
	aux := p.uninit.initAux
	intendedType := p.uninit.intendedType

	switch intendedType {
	case TypeAnon:
		p.v = variantAnon
		p.anon = anonState{}
	case TypeFile:
		p.v = variantFile
		p.file = fileState{}
	default:
		panic("vm: uninit page with unknown intended type")
	}
	p.uninit = uninitState{}

	if initFn != nil {
		if code := initFn(p, aux); code != vmerrs.OK {
			return code
		}
	}

	// do_claim always calls swap-in right after binding the frame (§4.1),
	// so the transition completes here by running the new variant's own
	// swap-in once, against the frame already linked at p.frame.
	switch intendedType {
	case TypeAnon:
		// No initializer means "leave contents untouched", and the frame
		// do_claim obtained is already zero-filled by the allocator; a
		// freshly transitioned Anon page never has a slot assigned, so
		// this is a no-op that keeps the path uniform with later swap-ins.
		return p.anonSwapInLocked(kva)
	case TypeFile:
		// fileInitializer only installed the {file, offset, read_bytes}
		// metadata; the read itself happens here.
		return p.fileSwapInLocked(kva)
	}
	panic("vm: unreachable")
}
