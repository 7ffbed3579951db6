package vfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmkern/internal/vmerrs"
)

func TestReadAtIsIndependentOfSeek(t *testing.T) {
	f := New([]byte("0123456789"))
	h := f.Open()
	h.Seek(5)

	buf := make([]byte, 3)
	n, code := h.ReadAt(buf, 0)
	require.Equal(t, vmerrs.OK, code)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("012"), buf)
}

func TestReadAtShortReadAtEOF(t *testing.T) {
	f := New([]byte("abc"))
	h := f.Open()
	buf := make([]byte, 10)
	n, code := h.ReadAt(buf, 1)
	require.Equal(t, vmerrs.OK, code)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte("bc"), buf[:n])
}

func TestReadAtNegativeOffsetIsEIO(t *testing.T) {
	f := New([]byte("abc"))
	h := f.Open()
	_, code := h.ReadAt(make([]byte, 1), -1)
	assert.Equal(t, vmerrs.EIO, code)
}

func TestWriteGrowsBackingStore(t *testing.T) {
	f := New(nil)
	h := f.Open()
	n, code := h.Write([]byte("hello"))
	require.Equal(t, vmerrs.OK, code)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), f.Bytes())
}

func TestWriteAtIgnoresPriorSeekAndMovesCursor(t *testing.T) {
	f := New([]byte("xxxxxxxxxx"))
	h := f.Open()
	h.Seek(7)
	_, code := h.WriteAt([]byte("AB"), 0)
	require.Equal(t, vmerrs.OK, code)
	assert.Equal(t, byte('A'), f.Bytes()[0])
	assert.Equal(t, byte('B'), f.Bytes()[1])

	// The handle's own cursor-based Write should now continue from the
	// offset WriteAt left it at (WriteAt seeks then writes), not from 7.
	_, _ = h.Write([]byte("C"))
	assert.Equal(t, byte('C'), f.Bytes()[2])
}

func TestReopenIsIndependentHandle(t *testing.T) {
	f := New([]byte("data"))
	h1 := f.Open()
	h2 := h1.Reopen()

	h1.Seek(4)
	buf := make([]byte, 4)
	n, code := h2.ReadAt(buf, 0)
	require.Equal(t, vmerrs.OK, code)
	assert.Equal(t, 4, n)

	h1.Close()
	// h2 remains usable after h1's close (independent lifetime).
	_, code = h2.ReadAt(buf, 0)
	assert.Equal(t, vmerrs.OK, code)
}
