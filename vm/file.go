// File backend (mmap, §4.5), grounded on original_source/vm/file.c for the
// read_bytes/zero-tail split and the dirty-bit-gated write-back at unmap,
// and on biscuit's Vmadd_file/Vminfo_t.file (vm/as.go) for the per-page
// {file, offset, read_bytes} metadata shape.
package vm

import "vmkern/internal/vmerrs"

// FileHandle is the narrow file contract the mmap backend needs (§6):
// reading at an offset and writing at an offset, independent of a
// process-wide cursor. internal/vfile.Handle satisfies this.
type FileHandle interface {
	ReadAt(buf []byte, off int) (int, vmerrs.Code)
	WriteAt(buf []byte, off int) (int, vmerrs.Code)
	Close()
}

// Opener mints a fresh, independent file handle onto the same underlying
// file, standing in for file_reopen (§4.5). Fork calls it again so the
// destination's File page gets its own handle instead of aliasing the
// source's (§9 aux ownership).
type Opener func() FileHandle

// mmapAux is the load descriptor created at mmap and consumed at first
// fault (§3 "mmap load descriptor").
type mmapAux struct {
	file       FileHandle
	open       Opener
	offset     int
	readBytes  int
	mmapLength int
}

// cloneAux deep-copies the aux for fork, per §9: "the implementer must
// deep-copy aux for File-Uninit pages to avoid a double-free at first fault
// in either child or parent". A fresh handle is minted via open so the
// parent's and child's Uninit pages each own an independent file reference.
func (a *mmapAux) cloneAux() *mmapAux {
	return &mmapAux{
		file:       a.open(),
		open:       a.open,
		offset:     a.offset,
		readBytes:  a.readBytes,
		mmapLength: a.mmapLength,
	}
}

type fileState struct {
	file       FileHandle
	open       Opener
	offset     int
	readBytes  int
	mmapLength int
}

// fileInitializer is the File-Uninit page's first-fault initializer (§4.5
// "File initializer (first fault)"): install the {file, offset, read_bytes}
// load descriptor the page will read from. uninitSwapInLocked runs
// fileSwapInLocked immediately after this returns, which does the actual
// read of read_bytes into the frame and zero-fills the tail.
func fileInitializer(p *Page, aux any) vmerrs.Code {
	a := aux.(*mmapAux)
	p.file = fileState{
		file:       a.file,
		open:       a.open,
		offset:     a.offset,
		readBytes:  a.readBytes,
		mmapLength: a.mmapLength,
	}
	return vmerrs.OK
}

// fileSwapInLocked reads read_bytes from the file at offset into kva and
// zero-fills the remainder of the page (§4.5). uninitSwapInLocked calls this
// immediately after the File-Uninit transition, so it also serves as the
// page's first-fault load. Called with p.mu held.
func (p *Page) fileSwapInLocked(kva uintptr) vmerrs.Code {
	page := p.bytesLocked(kva)
	n, code := p.file.file.ReadAt(page[:p.file.readBytes], p.file.offset)
	if code != vmerrs.OK {
		return code
	}
	for i := n; i < len(page); i++ {
		page[i] = 0
	}
	p.table.SetDirty(p.va, false)
	return vmerrs.OK
}

// fileSwapOutLocked conditionally writes the page back if dirty, matching
// §4.5's "swap-out as a conditional write-back" design option. Unlike
// munmap, this path keeps the page resident-eligible (no slot bookkeeping);
// it exists so file pages can participate in the ordinary eviction queue
// rather than being pinned (§9: swap-in/out for file pages is
// implementation-defined; this module chooses eviction participation).
func (p *Page) fileSwapOutLocked(kva uintptr) vmerrs.Code {
	if p.table.IsDirty(p.va) {
		page := p.bytesLocked(kva)
		if _, code := p.file.file.WriteAt(page[:p.file.readBytes], p.file.offset); code != vmerrs.OK {
			return code
		}
	}
	p.table.ClearPage(p.va)
	p.table.SetDirty(p.va, false)
	return vmerrs.OK
}
