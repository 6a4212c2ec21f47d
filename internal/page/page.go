// Package page implements the fixed-size block I/O layer and the page
// manager sitting on top of it: allocation, the free-page list, and the
// header page.
//
// The byte layouts below are the on-disk wire format, so every field is
// encoded at an exact offset rather than through a generic struct codec.
package page

import (
	"encoding/binary"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Magic identifies a GaldrDB file: "GDB1".
var Magic = [4]byte{'G', 'D', 'B', '1'}

const FormatVersion uint16 = 1

// MinPageSize and MaxPageSize bound the configurable page size.
const (
	MinPageSize = 4096
	MaxPageSize = 65536
)

// HeaderPageID is the reserved page holding the file header.
const HeaderPageID types.PageID = 0

// Flag bits stored in the header's Flags field.
const (
	FlagWALEnabled uint64 = 1 << 0
)

// Page type tags, stored in the first byte of every non-header page's
// component-specific header (slotted document header, B-tree node header).
const (
	PageTypeFree          byte = 0
	PageTypeDocument      byte = 1
	PageTypeBTreeLeaf      byte = 2
	PageTypeBTreeInternal  byte = 3
	PageTypeOverflow      byte = 4
	PageTypeFreeList      byte = 5
)

// Header is the in-memory form of the page-0 header record.
type Header struct {
	PageSize     int // widened from the u16 wire field; 65536 is stored as 0
	CatalogRoot  types.PageID
	FreeListHead types.PageID
	NextTxID     types.TxID
	NextPageID   types.PageID
	Flags        uint64
}

// Header byte offsets; fixed on disk, never reordered.
const (
	offMagic         = 0x00
	offFormatVersion = 0x04
	offPageSize      = 0x06
	offCatalogRoot   = 0x08
	offFreeListHead  = 0x0C
	offNextTxID      = 0x10
	offNextPageID    = 0x18
	offFlags         = 0x1C
	HeaderEncodedLen = 0x24
)

// Encode writes h into buf, which must be at least one page long. The
// remainder of the page beyond the header fields is left untouched by this
// call (callers zero a fresh page before encoding into it). A 65536-byte
// page size does not fit the u16 field and is stored as 0.
func (h Header) Encode(buf []byte) {
	copy(buf[offMagic:], Magic[:])
	binary.LittleEndian.PutUint16(buf[offFormatVersion:], FormatVersion)
	binary.LittleEndian.PutUint16(buf[offPageSize:], uint16(h.PageSize))
	binary.LittleEndian.PutUint32(buf[offCatalogRoot:], uint32(h.CatalogRoot))
	binary.LittleEndian.PutUint32(buf[offFreeListHead:], uint32(h.FreeListHead))
	binary.LittleEndian.PutUint64(buf[offNextTxID:], uint64(h.NextTxID))
	binary.LittleEndian.PutUint32(buf[offNextPageID:], uint32(h.NextPageID))
	binary.LittleEndian.PutUint64(buf[offFlags:], h.Flags)
}

// Decode reads a Header out of buf, validating the magic, format version,
// and page size. A mismatch is reported as galdrerr.KindCorruption (magic/
// version) or galdrerr.KindInvalidArgument (page size).
func Decode(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderEncodedLen {
		return h, galdrerr.Corruption("header page truncated: %d bytes", len(buf))
	}
	if string(buf[offMagic:offMagic+4]) != string(Magic[:]) {
		return h, galdrerr.Corruption("bad magic bytes")
	}
	version := binary.LittleEndian.Uint16(buf[offFormatVersion:])
	if version != FormatVersion {
		return h, galdrerr.Corruption("unsupported format version %d", version)
	}
	h.PageSize = int(binary.LittleEndian.Uint16(buf[offPageSize:]))
	if h.PageSize == 0 {
		h.PageSize = MaxPageSize
	}
	if err := ValidatePageSize(h.PageSize); err != nil {
		return h, err
	}
	h.CatalogRoot = types.PageID(binary.LittleEndian.Uint32(buf[offCatalogRoot:]))
	h.FreeListHead = types.PageID(binary.LittleEndian.Uint32(buf[offFreeListHead:]))
	h.NextTxID = types.TxID(binary.LittleEndian.Uint64(buf[offNextTxID:]))
	h.NextPageID = types.PageID(binary.LittleEndian.Uint32(buf[offNextPageID:]))
	h.Flags = binary.LittleEndian.Uint64(buf[offFlags:])
	return h, nil
}

func (h Header) WALEnabled() bool { return h.Flags&FlagWALEnabled != 0 }

// ValidatePageSize enforces the power-of-two 4096..65536 page-size range.
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize {
		return galdrerr.InvalidArgument("page size %d out of range [%d,%d]", size, MinPageSize, MaxPageSize)
	}
	if size&(size-1) != 0 {
		return galdrerr.InvalidArgument("page size %d is not a power of two", size)
	}
	return nil
}
