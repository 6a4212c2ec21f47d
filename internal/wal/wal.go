// Package wal implements the optional write-ahead log: committed
// write-sets are appended as page-sized redo records before the main file
// is touched, replayed on open past the last checkpoint, and archived
// compressed at checkpoint time.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pierrec/lz4/v4"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Record header: commit_tx_id:u64, page_id:u32, length:u32, then the
// page-sized after-image, then a u32 checksum over header+image.
const recordHeaderSize = 16

// Log is an append-only redo log for one database file.
type Log struct {
	dbPath   string
	pageSize int
	f        *os.File
	// highWater is the last checkpointed commit tx id; replay skips
	// records at or below it.
	highWater types.TxID
}

func walPath(dbPath string) string        { return dbPath + ".wal" }
func markerPath(dbPath string) string     { return dbPath + ".checkpoint" }
func archivePath(dbPath string, hw types.TxID) string {
	return fmt.Sprintf("%s.wal.%d.lz4", dbPath, hw)
}

// Open opens (creating if absent) the log alongside dbPath and loads the
// checkpoint marker.
func Open(dbPath string, pageSize int) (*Log, error) {
	f, err := os.OpenFile(walPath(dbPath), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, galdrerr.IO(err, "open wal for %s", dbPath)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, galdrerr.IO(err, "seek wal")
	}
	l := &Log{dbPath: dbPath, pageSize: pageSize, f: f}
	if err := l.loadMarker(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadMarker() error {
	data, err := os.ReadFile(markerPath(l.dbPath))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return galdrerr.IO(err, "read checkpoint marker")
	}
	hw, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return galdrerr.Corruption("checkpoint marker is unparseable: %q", string(data))
	}
	l.highWater = types.TxID(hw)
	return nil
}

// HighWater returns the last checkpointed commit tx id.
func (l *Log) HighWater() types.TxID { return l.highWater }

// Append writes one redo record per page of ws under commitTx and syncs
// the log. Pages are written in ascending id order so identical
// write-sets produce identical log bytes.
func (l *Log) Append(commitTx types.TxID, ws map[types.PageID][]byte) error {
	ids := make([]types.PageID, 0, len(ws))
	for id := range ws {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	var hdr [recordHeaderSize]byte
	for _, id := range ids {
		img := ws[id]
		if len(img) != l.pageSize {
			return galdrerr.InvalidArgument("wal: after-image for page %d is %d bytes, want %d", id, len(img), l.pageSize)
		}
		binary.LittleEndian.PutUint64(hdr[0:], uint64(commitTx))
		binary.LittleEndian.PutUint32(hdr[8:], uint32(id))
		binary.LittleEndian.PutUint32(hdr[12:], uint32(len(img)))
		sum := page.Checksum(append(append([]byte{}, hdr[:]...), img...))
		buf.Write(hdr[:])
		buf.Write(img)
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], sum)
		buf.Write(crc[:])
	}
	if _, err := l.f.Write(buf.Bytes()); err != nil {
		return galdrerr.IO(err, "wal append")
	}
	if err := l.f.Sync(); err != nil {
		return galdrerr.IO(err, "wal sync")
	}
	return nil
}

// Replay reads the log from the start and applies every record whose
// commit tx id exceeds the checkpoint high-water mark. A truncated or
// checksum-failing tail ends replay cleanly: everything before it was
// synced and is applied, everything after it never committed. Returns the
// number of records applied.
func (l *Log) Replay(apply func(commitTx types.TxID, id types.PageID, img []byte) error) (int, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return 0, galdrerr.IO(err, "seek wal")
	}
	defer l.f.Seek(0, io.SeekEnd)

	applied := 0
	hdr := make([]byte, recordHeaderSize)
	img := make([]byte, l.pageSize)
	crc := make([]byte, 4)
	for {
		if _, err := io.ReadFull(l.f, hdr); err != nil {
			break // clean end or truncated header: stop
		}
		commitTx := types.TxID(binary.LittleEndian.Uint64(hdr[0:]))
		id := types.PageID(binary.LittleEndian.Uint32(hdr[8:]))
		length := int(binary.LittleEndian.Uint32(hdr[12:]))
		if length != l.pageSize {
			break
		}
		if _, err := io.ReadFull(l.f, img); err != nil {
			break
		}
		if _, err := io.ReadFull(l.f, crc); err != nil {
			break
		}
		want := binary.LittleEndian.Uint32(crc)
		got := page.Checksum(append(append([]byte{}, hdr...), img...))
		if got != want {
			break
		}
		if commitTx <= l.highWater {
			continue
		}
		if err := apply(commitTx, id, img); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Checkpoint makes the main file durable and retires the log: syncMain is
// called to fsync the data file, the log segment is archived lz4-
// compressed, the log is truncated, and the new high-water mark is
// recorded atomically.
func (l *Log) Checkpoint(syncMain func() error, lastCommitted types.TxID) error {
	if err := syncMain(); err != nil {
		return err
	}

	if err := l.archive(lastCommitted); err != nil {
		return err
	}
	if err := l.f.Truncate(0); err != nil {
		return galdrerr.IO(err, "truncate wal")
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return galdrerr.IO(err, "seek wal")
	}

	marker := strconv.FormatUint(uint64(lastCommitted), 10) + "\n"
	if err := atomic.WriteFile(markerPath(l.dbPath), strings.NewReader(marker)); err != nil {
		return galdrerr.IO(err, "write checkpoint marker")
	}
	l.highWater = lastCommitted
	return nil
}

// archive compresses the current log segment next to the database so a
// checkpoint stays inspectable after the fact. An empty segment archives
// nothing.
func (l *Log) archive(hw types.TxID) error {
	fi, err := l.f.Stat()
	if err != nil {
		return galdrerr.IO(err, "stat wal")
	}
	if fi.Size() == 0 {
		return nil
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return galdrerr.IO(err, "seek wal")
	}
	out, err := os.Create(archivePath(l.dbPath, hw))
	if err != nil {
		return galdrerr.IO(err, "create wal archive")
	}
	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, l.f); err != nil {
		out.Close()
		return galdrerr.IO(err, "compress wal archive")
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return galdrerr.IO(err, "finish wal archive")
	}
	if err := out.Close(); err != nil {
		return galdrerr.IO(err, "close wal archive")
	}
	return nil
}

func (l *Log) Close() error {
	if err := l.f.Close(); err != nil {
		return galdrerr.IO(err, "close wal")
	}
	return nil
}
