package page

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// mmapDevice is a BlockDevice backed by a single read-write memory mapping
// that is replaced (munmap + mmap) whenever the file grows past its
// capacity.
type mmapDevice struct {
	fp       *os.File
	pageSize int
	pages    types.PageID
	data     []byte // len(data) == capacity in bytes, a multiple of pageSize
}

// OpenMmapDevice mmaps path (which must already exist and be a multiple of
// pageSize bytes long) for read-write access.
func OpenMmapDevice(path string, pageSize int) (BlockDevice, error) {
	fp, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, galdrerr.IO(err, "open %s", path)
	}
	fi, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, galdrerr.IO(err, "stat %s", path)
	}
	size := fi.Size()
	if size%int64(pageSize) != 0 {
		fp.Close()
		return nil, galdrerr.Corruption("file size %d is not a multiple of page size %d", size, pageSize)
	}
	if size == 0 {
		size = int64(pageSize)
		if err := fp.Truncate(size); err != nil {
			fp.Close()
			return nil, galdrerr.IO(err, "truncate %s", path)
		}
	}
	data, err := unix.Mmap(int(fp.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fp.Close()
		return nil, galdrerr.IO(err, "mmap %s", path)
	}
	return &mmapDevice{
		fp:       fp,
		pageSize: pageSize,
		pages:    types.PageID(size / int64(pageSize)),
		data:     data,
	}, nil
}

func (d *mmapDevice) PageSize() int            { return d.pageSize }
func (d *mmapDevice) PageCount() types.PageID { return d.pages }

func (d *mmapDevice) offset(id types.PageID) int {
	return int(id) * d.pageSize
}

func (d *mmapDevice) ReadPage(id types.PageID, buf []byte) error {
	if len(buf) != d.pageSize {
		return galdrerr.InvalidArgument("read buffer is %d bytes, want %d", len(buf), d.pageSize)
	}
	if id >= d.pages {
		return galdrerr.Corruption("read of unmapped page %d", id)
	}
	off := d.offset(id)
	copy(buf, d.data[off:off+d.pageSize])
	return nil
}

func (d *mmapDevice) WritePage(id types.PageID, buf []byte) error {
	if len(buf) != d.pageSize {
		return galdrerr.InvalidArgument("write buffer is %d bytes, want %d", len(buf), d.pageSize)
	}
	if id >= d.pages {
		return galdrerr.Corruption("write of unmapped page %d", id)
	}
	off := d.offset(id)
	copy(d.data[off:off+d.pageSize], buf)
	return nil
}

// Grow extends the backing file and remaps it so pages [0,newCount) are
// addressable.
func (d *mmapDevice) Grow(newCount types.PageID) error {
	if newCount <= d.pages {
		return nil
	}
	newSize := int64(newCount) * int64(d.pageSize)
	if err := unix.Fallocate(int(d.fp.Fd()), 0, 0, newSize); err != nil {
		// Fallocate isn't supported on every filesystem; fall back to
		// a plain truncate, which still guarantees the size.
		if err := d.fp.Truncate(newSize); err != nil {
			return galdrerr.IO(err, "grow to %d pages", newCount)
		}
	}
	if err := unix.Munmap(d.data); err != nil {
		return galdrerr.IO(err, "munmap before remap")
	}
	data, err := unix.Mmap(int(d.fp.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return galdrerr.IO(err, "remap to %d bytes", newSize)
	}
	d.data = data
	d.pages = newCount
	return nil
}

func (d *mmapDevice) Sync() error {
	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return galdrerr.IO(err, "msync")
	}
	return nil
}

func (d *mmapDevice) Close() error {
	if err := unix.Munmap(d.data); err != nil {
		return galdrerr.IO(err, "munmap")
	}
	if err := d.fp.Close(); err != nil {
		return galdrerr.IO(err, "close")
	}
	return nil
}
