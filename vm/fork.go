// SPT copy (fork, §4.7), grounded on original_source/vm/vm.c's
// supplemental_page_table_copy and on §9's aux-ownership note: a naive
// pointer copy of a File-Uninit page's aux would alias the file handle and
// double-free/double-close it; this implementation deep-copies File aux via
// mmapAux.cloneAux and mints a fresh file handle for any File page copied
// while already resident.
package vm

import "vmkern/internal/config"

// Fork implements §4.7: install a matching page in dst for every page in
// src, dispatching on variant. It returns false (with partial progress left
// for the caller's teardown, per §4.7) if any step fails.
func (dst *AddressSpace) Fork(src *AddressSpace) bool {
	ok := true
	src.spt.Iter(func(_ uintptr, page *Page) bool {
		if !dst.forkPage(src, page) {
			ok = false
			return false
		}
		return true
	})
	return ok
}

func (dst *AddressSpace) forkPage(src *AddressSpace, page *Page) bool {
	page.mu.Lock()
	v := page.v
	writable := page.writable
	va := page.va

	switch v {
	case variantUninit:
		initFn := page.uninit.initFn
		initAux := page.uninit.initAux
		intendedType := page.uninit.intendedType
		page.mu.Unlock()

		aux := initAux
		if a, isFile := initAux.(*mmapAux); isFile {
			aux = a.cloneAux()
		}
		return dst.AllocPageWithInitializer(intendedType, va, writable, initFn, aux)

	case variantAnon:
		page.mu.Unlock()
		if !page.Resident() {
			if !src.ClaimPage(va) {
				return false
			}
		}
		if !dst.AllocPage(TypeAnon, va, writable) {
			return false
		}
		if !dst.ClaimPage(va) {
			return false
		}
		return dst.copyFrameBytes(src, va)

	case variantFile:
		fs := page.file
		page.mu.Unlock()
		if !page.Resident() {
			if !src.ClaimPage(va) {
				return false
			}
		}
		aux := &mmapAux{
			file:       fs.open(),
			open:       fs.open,
			offset:     fs.offset,
			readBytes:  fs.readBytes,
			mmapLength: fs.mmapLength,
		}
		if !dst.AllocPageWithInitializer(TypeFile, va, writable, fileInitializer, aux) {
			return false
		}
		if !dst.ClaimPage(va) {
			return false
		}
		return dst.copyFrameBytes(src, va)
	}

	page.mu.Unlock()
	return false
}

// copyFrameBytes copies PAGE_SIZE bytes from src's resident frame at va to
// dst's resident frame at the same va (§4.7 Anon/File: "copy PAGE_SIZE bytes
// from the source frame to the destination frame").
func (dst *AddressSpace) copyFrameBytes(src *AddressSpace, va uintptr) bool {
	srcPage, ok := src.Find(va)
	if !ok {
		return false
	}
	dstPage, ok := dst.Find(va)
	if !ok {
		return false
	}

	srcPage.mu.Lock()
	sf := srcPage.frame
	srcPage.mu.Unlock()
	dstPage.mu.Lock()
	df := dstPage.frame
	dstPage.mu.Unlock()
	if sf == nil || df == nil {
		return false
	}

	copy(dst.alloc.Bytes(df.KVA), src.alloc.Bytes(sf.KVA)[:config.PageSize])
	return true
}
