// Package vfile implements the file-layer contract consumed by the mmap
// backend (§6): file_reopen, file_close, file_length, file_read_at,
// file_write, file_seek. The real kernel backs this with its own
// filesystem (fs/ufs in biscuit); this package stands in with an in-memory
// byte buffer, grounded on the small reader/writer-shaped interfaces
// biscuit hands its block layer (fs.Blockmem_i, fs.Disk_i in fs/blk.go)
// rather than exposing *os.File directly, keeping the VM core's only
// dependency on "a file" narrow and mockable.
package vfile

import (
	"sync"

	"vmkern/internal/vmerrs"
)

// File is a reference-counted in-memory file. Reopen returns a new handle
// sharing the same backing bytes, matching file_reopen's "independent
// handle onto the same inode" semantics (§4.5: "so unmap/close of caller's
// handle does not affect the mapping").
type File struct {
	mu       sync.Mutex
	data     []byte
	handles  int
}

// New creates a file with the given initial contents.
func New(data []byte) *File {
	return &File{data: append([]byte(nil), data...), handles: 1}
}

// Handle is one open reference to a File, carrying its own seek offset the
// way a struct file* does in the original.
type Handle struct {
	f      *File
	offset int
}

// Open returns the first handle onto f.
func (f *File) Open() *Handle {
	return &Handle{f: f}
}

// Reopen returns a new, independent handle onto the same file (file_reopen).
func (h *Handle) Reopen() *Handle {
	h.f.mu.Lock()
	h.f.handles++
	h.f.mu.Unlock()
	return &Handle{f: h.f}
}

// Close releases this handle (file_close).
func (h *Handle) Close() {
	h.f.mu.Lock()
	h.f.handles--
	h.f.mu.Unlock()
}

// Length returns the file's total byte length (file_length).
func (h *Handle) Length() int {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return len(h.f.data)
}

// Seek repositions this handle's offset (file_seek).
func (h *Handle) Seek(off int) {
	h.offset = off
}

// ReadAt reads up to len(buf) bytes starting at off, independent of the
// handle's seek offset, matching file_read_at(f, buf, n, off). It returns
// the number of bytes actually read (short at EOF) and OK, or EIO on a
// negative offset.
func (h *Handle) ReadAt(buf []byte, off int) (int, vmerrs.Code) {
	if off < 0 {
		return 0, vmerrs.EIO
	}
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if off >= len(h.f.data) {
		return 0, vmerrs.OK
	}
	n := copy(buf, h.f.data[off:])
	return n, vmerrs.OK
}

// Write writes buf at the handle's current seek offset and advances it,
// matching file_write(f, buf, n); the backing store grows as needed.
func (h *Handle) Write(buf []byte) (int, vmerrs.Code) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	end := h.offset + len(buf)
	if end > len(h.f.data) {
		grown := make([]byte, end)
		copy(grown, h.f.data)
		h.f.data = grown
	}
	copy(h.f.data[h.offset:end], buf)
	h.offset = end
	return len(buf), vmerrs.OK
}

// WriteAt writes buf at an explicit offset, used by the munmap write-back
// path (§4.5) which seeks then writes read_bytes at a known page offset. It
// is Seek(off) followed by Write, so the handle's seek position is left at
// off+len(buf) afterwards.
func (h *Handle) WriteAt(buf []byte, off int) (int, vmerrs.Code) {
	h.Seek(off)
	return h.Write(buf)
}

// Bytes returns a copy of the file's current contents, for tests that want
// to assert on written-back data (§8 S4).
func (f *File) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}
