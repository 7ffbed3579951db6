package vm

import (
	"vmkern/internal/config"
	"vmkern/internal/vmerrs"
)

// Mmap implements §4.5: partition [addr, addr+length) into page-aligned
// chunks, each installed as a File-Uninit page carrying its own
// {file, offset, read_bytes, mmap_length} aux. open mints the independent
// file handle used for this mapping (file_reopen); it is retained in each
// page's aux so Fork can mint further independent handles for a child
// address space.
//
// Preconditions (addr page-aligned and non-zero, length > 0, range not
// already occupied in the SPT) are checked here rather than left to the
// caller (§4.5); Mmap fails rather than silently leaving SPT state
// unchanged on collision.
func (as *AddressSpace) Mmap(addr uintptr, length int, writable bool, open Opener, offset int) (uintptr, bool) {
	if addr == 0 || addr&config.PageMask != 0 || length <= 0 {
		return 0, false
	}

	pages := (length + config.PageSize - 1) / config.PageSize
	for i := 0; i < pages; i++ {
		if _, ok := as.spt.Find(addr + uintptr(i*config.PageSize)); ok {
			return 0, false
		}
	}

	handle := open()

	remaining := length
	for i := 0; i < pages; i++ {
		va := addr + uintptr(i*config.PageSize)
		readBytes := config.PageSize
		if remaining < readBytes {
			readBytes = remaining
		}
		aux := &mmapAux{
			file:       handle,
			open:       open,
			offset:     offset + i*config.PageSize,
			readBytes:  readBytes,
			mmapLength: length,
		}
		if !as.AllocPageWithInitializer(TypeFile, va, writable, fileInitializer, aux) {
			handle.Close()
			return 0, false
		}
		remaining -= readBytes
	}
	return addr, true
}

// Munmap implements §4.5: locate the mapping's first page, then for each
// page it covers write back its contents if the hardware dirty bit is set,
// remove it from the SPT, and release its frame; finally close the reopened
// file handle.
func (as *AddressSpace) Munmap(addr uintptr) {
	va := roundDown(addr)
	first, ok := as.spt.Find(va)
	if !ok {
		return
	}
	first.mu.Lock()
	length := first.file.mmapLength
	handle := first.file.file
	if a, isAux := first.uninit.initAux.(*mmapAux); isAux && first.v == variantUninit {
		// The first page was never faulted in, so its mapping metadata is
		// still held in the Uninit aux.
		length = a.mmapLength
		handle = a.file
	}
	first.mu.Unlock()

	pages := (length + config.PageSize - 1) / config.PageSize
	for i := 0; i < pages; i++ {
		pva := va + uintptr(i*config.PageSize)
		page, ok := as.spt.Find(pva)
		if !ok {
			continue
		}
		as.writeBackAndFree(page)
	}
	handle.Close()
}

// writeBackAndFree writes page back if dirty and resident, then removes it
// from the SPT and releases its frame.
func (as *AddressSpace) writeBackAndFree(page *Page) {
	page.mu.Lock()
	f := page.frame
	dirty := as.table.IsDirty(page.va)
	file := page.file.file
	off := page.file.offset
	readBytes := page.file.readBytes
	va := page.va
	page.mu.Unlock()

	if f != nil {
		if dirty {
			buf := as.alloc.Bytes(f.KVA)
			if _, code := file.WriteAt(buf[:readBytes], off); code != vmerrs.OK {
				as.log.WithField("va", va).WithError(code).Warn("munmap write-back failed")
			}
		}
		as.table.ClearPage(va)
		as.alloc.Remove(f)
		as.alloc.Release(f)
	}
	as.spt.Remove(va)
}
