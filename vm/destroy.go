// SPT lifecycle: destroy (§4.2), grounded on original_source/vm/vm.c's
// supplemental_page_table_kill and §9's process-exit ordering note: the
// caller must invoke Destroy before tearing down the hardware page table
// (Destroy clears each resident page's mapping in that table).
package vm

// Destroy visits every SPT entry, invokes the variant's destroy hook,
// releases any swap slot still owned by the page, releases any bound frame,
// and frees the descriptor. After Destroy the AddressSpace's SPT is empty
// and remains usable (§4.2); full address-space teardown (closing the
// hardware table) is the caller's responsibility.
func (as *AddressSpace) Destroy() {
	var drop []uintptr
	as.spt.Iter(func(va uintptr, page *Page) bool {
		page.destroy(as.swap.FreeSlot)

		page.mu.Lock()
		f := page.frame
		page.mu.Unlock()
		if f != nil {
			as.table.ClearPage(va)
			as.alloc.Remove(f)
			as.alloc.Release(f)
		}
		drop = append(drop, va)
		return true
	})
	for _, va := range drop {
		as.spt.Remove(va)
	}
}
