package page

import (
	"io"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/zeebo/xxh3"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Manager owns the header page and the free-page list. It caches the
// header in memory; it does not write page 0 itself, the engine encodes
// this cached header and writes it out. Everything else flows through
// BlockDevice directly.
type Manager struct {
	mu     sync.Mutex
	dev    BlockDevice
	header Header
}

// CreateFile lays out a brand-new database file at path: a header page
// (page 0) with no catalog yet, written in one atomic rename so a crash
// mid-write never leaves a torn file.
func CreateFile(path string, pageSize int, useWAL bool) error {
	if err := ValidatePageSize(pageSize); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return galdrerr.InvalidOperation("file %s already exists", path)
	}
	buf := make([]byte, pageSize)
	h := Header{
		PageSize:     pageSize,
		CatalogRoot:  types.InvalidPageID,
		FreeListHead: types.InvalidPageID,
		NextTxID:     1,
		NextPageID:   1,
	}
	if useWAL {
		h.Flags |= FlagWALEnabled
	}
	h.Encode(buf)
	if err := atomic.WriteFile(path, newByteReader(buf)); err != nil {
		return galdrerr.IO(err, "create %s", path)
	}
	return nil
}

// OpenManager loads and validates the header page of an already-open
// device.
func OpenManager(dev BlockDevice) (*Manager, error) {
	buf := make([]byte, dev.PageSize())
	if err := dev.ReadPage(HeaderPageID, buf); err != nil {
		return nil, err
	}
	h, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if h.PageSize != dev.PageSize() {
		return nil, galdrerr.Corruption("header page size %d does not match device page size %d", h.PageSize, dev.PageSize())
	}
	return &Manager{dev: dev, header: h}, nil
}

func (m *Manager) Header() Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

func (m *Manager) CatalogRoot() types.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.CatalogRoot
}

func (m *Manager) SetCatalogRoot(id types.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.CatalogRoot = id
}

func (m *Manager) NextTxID() types.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.NextTxID
}

func (m *Manager) SetNextTxID(id types.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.NextTxID = id
}

func (m *Manager) WALEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.WALEnabled()
}

// Allocate hands out a fresh page id, reusing the free list's head if one
// exists. freeListRead must deref a free-list page to find its successor
// (the free-list chain lives in ordinary pages, read through whatever layer
// the caller is using, typically the buffered page layer for
// transactional safety).
func (m *Manager) Allocate(freeListRead func(types.PageID) (types.PageID, error)) (types.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.header.FreeListHead != types.InvalidPageID {
		head := m.header.FreeListHead
		next, err := freeListRead(head)
		if err != nil {
			return 0, err
		}
		m.header.FreeListHead = next
		return head, nil
	}

	id := m.header.NextPageID
	m.header.NextPageID++
	if err := m.dev.Grow(m.header.NextPageID); err != nil {
		return 0, err
	}
	return id, nil
}

// FreeListEntry returns the new free-list page content (a bare "next
// pointer") to store when page freed is released, without doing the I/O
// itself; the caller writes it through whatever layer owns write-set
// buffering.
func (m *Manager) FreeListEntry(freed types.PageID) (writeID types.PageID, payload func(buf []byte)) {
	m.mu.Lock()
	prevHead := m.header.FreeListHead
	m.header.FreeListHead = freed
	m.mu.Unlock()
	return freed, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
		buf[0] = PageTypeFreeList
		putUint32(buf[4:], uint32(prevHead))
	}
}

// ReadFreeListNext parses the successor pointer out of a free-list page
// previously written via FreeListEntry.
func ReadFreeListNext(buf []byte) types.PageID {
	return types.PageID(getUint32(buf[4:]))
}

// Checksum computes the page-integrity checksum used in the slotted-page
// and WAL-record headers: an xxh3 64-bit hash truncated to the 32-bit
// field the headers reserve for it.
func Checksum(buf []byte) uint32 {
	return uint32(xxh3.Hash(buf))
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// byteReader adapts a []byte to the io.Reader atomic.WriteFile wants,
// without pulling in bytes.Reader just for this one call site.
type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
