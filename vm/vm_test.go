package vm

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmkern/internal/config"
	"vmkern/internal/frame"
	"vmkern/internal/hw"
	"vmkern/internal/swapdev"
	"vmkern/internal/vfile"
	"vmkern/internal/vmerrs"
)

func testAddrSpace(t *testing.T) (*AddressSpace, *hw.Table, *frame.Allocator, *swapdev.Bitmap) {
	t.Helper()
	table := hw.NewTable()
	disk := swapdev.NewDisk(config.SwapChannel, config.SwapDevice, 4096) // 4096 sectors = 512 swap slots
	bmp := swapdev.NewBitmap(disk)
	alloc := frame.NewAllocator(logrus.NewEntry(logrus.New()))
	as := New(table, alloc, bmp, config.Defaults(), nil)
	return as, table, alloc, bmp
}

// S1: lazy anon load reads as zero on first touch.
func TestLazyAnonLoad(t *testing.T) {
	as, table, alloc, _ := testAddrSpace(t)
	const va = uintptr(0x10000000)

	require.True(t, as.AllocPage(TypeAnon, va, true))
	require.True(t, as.TryHandleFault(va, true, false, true, as.cfg.UserStack))

	kva, ok := table.KVA(va)
	require.True(t, ok)
	assert.Equal(t, byte(0), alloc.Bytes(kva)[0])
}

// S2: swap round-trip preserves page 0's pattern across a swap-out and a
// later fault, and the swap slot is taken on swap-out and freed on swap-in.
// FIFO queue order is covered by internal/frame's TestEnqueueDequeueIsFIFO.
func TestSwapRoundTrip(t *testing.T) {
	as, table, alloc, bmp := testAddrSpace(t)

	const n = 3
	vas := make([]uintptr, n+1)
	for i := 0; i < n; i++ {
		va := uintptr(0x20000000 + i*config.PageSize)
		vas[i] = va
		require.True(t, as.AllocPage(TypeAnon, va, true))
		require.True(t, as.ClaimPage(va))
		kva, ok := table.KVA(va)
		require.True(t, ok)
		alloc.Bytes(kva)[0] = byte(i)
		table.MarkWritten(va)
	}

	// Drive the victim's swap-out directly rather than allocating 4096
	// pages to exhaust the simulated pool; Page.SwapOut is the same call
	// evictFrame makes on its victim, but the eviction queue itself is not
	// touched or checked here.
	freeBefore := bmp.FreeCount()

	page0, ok := as.Find(vas[0])
	require.True(t, ok)
	kva0, ok := table.KVA(vas[0])
	require.True(t, ok)
	require.Equal(t, vmerrs.OK, page0.SwapOut(kva0))
	assert.False(t, table.IsPresent(vas[0]))
	assert.Less(t, bmp.FreeCount(), freeBefore)

	// Touching page 0 again should swap it back in with the original byte.
	require.True(t, as.TryHandleFault(vas[0], true, false, true, as.cfg.UserStack))
	kva0b, ok := table.KVA(vas[0])
	require.True(t, ok)
	assert.Equal(t, byte(0), alloc.Bytes(kva0b)[0])
	assert.Equal(t, freeBefore, bmp.FreeCount())
}

// S3/S4: mmap reads back file contents with a zero tail, and munmap writes
// back only the dirty page's read_bytes.
func TestMmapReadAndWriteBack(t *testing.T) {
	as, table, alloc, _ := testAddrSpace(t)

	const fileLen = 4098 // one full page plus 2 bytes into a second
	pattern := make([]byte, fileLen)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	f := vfile.New(pattern)

	const addr = uintptr(0x30000000)
	open := func() FileHandle { return f.Open() }
	got, ok := as.Mmap(addr, fileLen, true, open, 0)
	require.True(t, ok)
	require.Equal(t, addr, got)

	require.True(t, as.TryHandleFault(addr, true, false, true, as.cfg.UserStack))
	kva0, ok := table.KVA(addr)
	require.True(t, ok)
	assert.Equal(t, pattern[0], alloc.Bytes(kva0)[0])
	assert.Equal(t, pattern[config.PageSize-1], alloc.Bytes(kva0)[config.PageSize-1])

	secondPage := addr + uintptr(config.PageSize)
	require.True(t, as.TryHandleFault(secondPage, true, false, true, as.cfg.UserStack))
	kva1, ok := table.KVA(secondPage)
	require.True(t, ok)
	readBytes := fileLen - config.PageSize // 2 bytes of real data on the second page
	for i := 0; i < readBytes; i++ {
		assert.Equal(t, pattern[config.PageSize+i], alloc.Bytes(kva1)[i])
	}
	assert.Equal(t, byte(0), alloc.Bytes(kva1)[readBytes], "bytes past read_bytes must be zero-filled")

	// Dirty only the first page, then munmap: only its read_bytes should
	// land back on disk; the second page's tail must not be expanded.
	buf := alloc.Bytes(kva0)
	buf[0] = 0xFF
	table.MarkWritten(addr)

	as.Munmap(addr)
	assert.Equal(t, byte(0xFF), f.Bytes()[0])
	assert.Equal(t, fileLen, len(f.Bytes()), "unmap must not grow the file past its written read_bytes")
}

// S5: a kernel-half address is always rejected.
func TestInvalidFaultAddress(t *testing.T) {
	as, _, _, _ := testAddrSpace(t)
	assert.False(t, as.TryHandleFault(0xFFFF800000000000, true, false, true, as.cfg.UserStack))
	assert.False(t, as.TryHandleFault(0, true, false, true, as.cfg.UserStack))
}

// S6: stack growth is accepted exactly at the documented boundary and adds
// exactly one page.
func TestStackGrowth(t *testing.T) {
	as, _, _, _ := testAddrSpace(t)
	rsp := as.cfg.UserStack - uintptr(config.PageSize)
	addr := rsp - 8

	assert.Equal(t, 0, as.Len())
	require.True(t, as.TryHandleFault(addr, true, true, true, rsp))
	assert.Equal(t, 1, as.Len())

	page, ok := as.Find(addr)
	require.True(t, ok)
	assert.True(t, page.Resident())
}

// Stack growth outside the 1 MiB cap is rejected.
func TestStackGrowthRejectsBeyondCap(t *testing.T) {
	as, _, _, _ := testAddrSpace(t)
	rsp := as.cfg.UserStack - uintptr(config.MaxStackBytes+config.PageSize)
	addr := rsp - 8
	assert.False(t, as.TryHandleFault(addr, true, true, true, rsp))
}

// §8 property 6: repeated alloc at the same va is idempotent.
func TestAllocIdempotent(t *testing.T) {
	as, _, _, _ := testAddrSpace(t)
	const va = uintptr(0x40000000)
	require.True(t, as.AllocPage(TypeAnon, va, true))
	page1, _ := as.Find(va)
	require.True(t, as.AllocPage(TypeAnon, va, false)) // different writable arg, must not change anything
	page2, _ := as.Find(va)
	assert.Same(t, page1, page2)
	assert.True(t, page2.Writable())
}

func TestForkCopiesAnonContents(t *testing.T) {
	src, srcTable, srcAlloc, bmp := testAddrSpace(t)
	childTable := hw.NewTable()
	childAlloc := frame.NewAllocator(nil)
	dst := New(childTable, childAlloc, bmp, config.Defaults(), nil)

	const va = uintptr(0x50000000)
	require.True(t, src.AllocPage(TypeAnon, va, true))
	require.True(t, src.ClaimPage(va))

	kva, ok := srcTable.KVA(va)
	require.True(t, ok)
	srcAlloc.Bytes(kva)[42] = 0xAB

	require.True(t, dst.Fork(src))

	dstKVA, ok := childTable.KVA(va)
	require.True(t, ok)
	assert.Equal(t, byte(0xAB), childAlloc.Bytes(dstKVA)[42])
}

func TestDestroyReleasesSwapSlots(t *testing.T) {
	as, table, alloc, bmp := testAddrSpace(t)
	const va = uintptr(0x60000000)
	require.True(t, as.AllocPage(TypeAnon, va, true))
	require.True(t, as.ClaimPage(va))
	kva, _ := table.KVA(va)
	alloc.Bytes(kva)[0] = 7

	page, _ := as.Find(va)
	before := bmp.FreeCount()
	require.Equal(t, vmerrs.OK, page.SwapOut(kva))
	assert.Less(t, bmp.FreeCount(), before)

	as.Destroy()
	assert.Equal(t, before, bmp.FreeCount())
	assert.Equal(t, 0, as.Len())
}
