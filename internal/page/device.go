package page

import (
	"io"
	"os"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// BlockDevice is the narrow interface the storage engine consumes for raw
// page I/O. Two implementations are provided: fileDevice (plain
// pread/pwrite) and mmapDevice (memory-mapped, see mmap.go); the engine's
// use_mmap option selects between them.
type BlockDevice interface {
	PageSize() int
	PageCount() types.PageID
	ReadPage(id types.PageID, buf []byte) error
	WritePage(id types.PageID, buf []byte) error
	Grow(newCount types.PageID) error
	Sync() error
	Close() error
}

// fileDevice is a BlockDevice backed by ordinary ReadAt/WriteAt syscalls.
type fileDevice struct {
	fp       *os.File
	pageSize int
	pages    types.PageID
}

// OpenFileDevice opens (without creating) path as a plain pread/pwrite
// block device of the given page size.
func OpenFileDevice(path string, pageSize int) (BlockDevice, error) {
	fp, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, galdrerr.IO(err, "open %s", path)
	}
	fi, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, galdrerr.IO(err, "stat %s", path)
	}
	if fi.Size()%int64(pageSize) != 0 {
		fp.Close()
		return nil, galdrerr.Corruption("file size %d is not a multiple of page size %d", fi.Size(), pageSize)
	}
	return &fileDevice{fp: fp, pageSize: pageSize, pages: types.PageID(fi.Size() / int64(pageSize))}, nil
}

func (d *fileDevice) PageSize() int            { return d.pageSize }
func (d *fileDevice) PageCount() types.PageID { return d.pages }

func (d *fileDevice) ReadPage(id types.PageID, buf []byte) error {
	if len(buf) != d.pageSize {
		return galdrerr.InvalidArgument("read buffer is %d bytes, want %d", len(buf), d.pageSize)
	}
	off := int64(id) * int64(d.pageSize)
	n, err := d.fp.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return galdrerr.IO(err, "read page %d", id)
	}
	if n != d.pageSize {
		return galdrerr.Corruption("short read on page %d: got %d bytes", id, n)
	}
	return nil
}

func (d *fileDevice) WritePage(id types.PageID, buf []byte) error {
	if len(buf) != d.pageSize {
		return galdrerr.InvalidArgument("write buffer is %d bytes, want %d", len(buf), d.pageSize)
	}
	off := int64(id) * int64(d.pageSize)
	if _, err := d.fp.WriteAt(buf, off); err != nil {
		return galdrerr.IO(err, "write page %d", id)
	}
	return nil
}

func (d *fileDevice) Grow(newCount types.PageID) error {
	if newCount <= d.pages {
		return nil
	}
	size := int64(newCount) * int64(d.pageSize)
	if err := d.fp.Truncate(size); err != nil {
		return galdrerr.IO(err, "grow to %d pages", newCount)
	}
	d.pages = newCount
	return nil
}

func (d *fileDevice) Sync() error {
	if err := d.fp.Sync(); err != nil {
		return galdrerr.IO(err, "fsync")
	}
	return nil
}

func (d *fileDevice) Close() error {
	if err := d.fp.Close(); err != nil {
		return galdrerr.IO(err, "close")
	}
	return nil
}
