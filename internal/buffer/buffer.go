// Package buffer implements the buffered page layer: per-transaction
// write-set buffering over the page I/O layer, with read-your-writes and
// page-granular commit-time conflict detection. The conflict rule is
// page-granular, not row-granular: two transactions writing different
// documents on the same page conflict.
package buffer

import (
	"sync"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// WriteSet is a transaction's buffered, uncommitted page writes.
type WriteSet map[types.PageID][]byte

// RedoLog receives every committed write-set before its pages reach the
// device, giving crash recovery a replayable record of the commit.
type RedoLog interface {
	Append(commitTx types.TxID, ws map[types.PageID][]byte) error
}

// Layer wraps a page.BlockDevice with transactional write buffering.
type Layer struct {
	commitMu sync.Mutex // held for the duration of conflict check + flush + recent-commits registration
	dev      page.BlockDevice
	redo     RedoLog
	recent   []commitEntry

	cacheMu    sync.Mutex
	cache      map[types.PageID][]byte
	cacheOrder []types.PageID // insertion order, evicted oldest-first
	cacheMax   int            // page count bound; 0 disables the cache
}

type commitEntry struct {
	commitTxID types.TxID
	pages      map[types.PageID]struct{}
}

func NewLayer(dev page.BlockDevice) *Layer {
	return &Layer{dev: dev}
}

// SetRedoLog attaches a redo log; every subsequent Commit appends its
// write-set there before flushing pages to the device.
func (l *Layer) SetRedoLog(r RedoLog) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	l.redo = r
}

// SetCacheBytes bounds the committed-page read cache. Zero disables
// caching entirely.
func (l *Layer) SetCacheBytes(n int) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.cacheMax = n / l.dev.PageSize()
	if l.cacheMax > 0 {
		l.cache = make(map[types.PageID][]byte, l.cacheMax)
	} else {
		l.cache = nil
	}
	l.cacheOrder = nil
}

// Read fetches a page, preferring the transaction's own write-set (so a
// transaction always observes its own uncommitted writes) and falling
// back to the committed-page cache or the underlying device otherwise. A
// nil ws reads straight through, for callers operating outside any
// transaction.
func (l *Layer) Read(id types.PageID, ws WriteSet) ([]byte, error) {
	if ws != nil {
		if buf, ok := ws[id]; ok {
			out := make([]byte, len(buf))
			copy(out, buf)
			return out, nil
		}
	}
	l.cacheMu.Lock()
	if cached, ok := l.cache[id]; ok {
		out := make([]byte, len(cached))
		copy(out, cached)
		l.cacheMu.Unlock()
		return out, nil
	}
	l.cacheMu.Unlock()

	buf := make([]byte, l.dev.PageSize())
	if err := l.dev.ReadPage(id, buf); err != nil {
		return nil, err
	}
	l.cacheStore(id, buf)
	return buf, nil
}

func (l *Layer) cacheStore(id types.PageID, buf []byte) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if l.cacheMax == 0 {
		return
	}
	if _, ok := l.cache[id]; !ok {
		for len(l.cache) >= l.cacheMax && len(l.cacheOrder) > 0 {
			oldest := l.cacheOrder[0]
			l.cacheOrder = l.cacheOrder[1:]
			delete(l.cache, oldest)
		}
		l.cacheOrder = append(l.cacheOrder, id)
	}
	keep := make([]byte, len(buf))
	copy(keep, buf)
	l.cache[id] = keep
}

func (l *Layer) cacheInvalidate(id types.PageID) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	delete(l.cache, id)
}

// Write buffers a page write into ws. Buffered writes always belong to a
// transaction; ws must be non-nil here.
func (l *Layer) Write(ws WriteSet, id types.PageID, data []byte) error {
	if ws == nil {
		return galdrerr.InvalidOperation("buffer: Write requires a transaction write-set")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	ws[id] = buf
	return nil
}

// WriteDirect bypasses write-set buffering entirely, for initialization
// and recovery paths that run before any transaction exists.
func (l *Layer) WriteDirect(id types.PageID, data []byte) error {
	l.cacheInvalidate(id)
	return l.dev.WritePage(id, data)
}

// Commit validates ws against every transaction that committed after
// snapshotTxID was captured, then flushes ws to the device and records
// it in the recent-commits log under commitTxID. The commit mutex is
// held across all three steps (conflict check, flush, registration) so
// no other commit can interleave.
func (l *Layer) Commit(snapshotTxID, commitTxID types.TxID, ws WriteSet) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	for _, entry := range l.recent {
		if entry.commitTxID <= snapshotTxID {
			continue
		}
		for id := range ws {
			if _, hit := entry.pages[id]; hit {
				return galdrerr.PageConflict("page %d was written by a transaction that committed after this snapshot was taken", id)
			}
		}
	}

	if l.redo != nil {
		if err := l.redo.Append(commitTxID, ws); err != nil {
			return err
		}
	}

	for id, data := range ws {
		l.cacheInvalidate(id)
		if err := l.dev.WritePage(id, data); err != nil {
			return galdrerr.IO(err, "buffer: flush page %d", id)
		}
	}

	pages := make(map[types.PageID]struct{}, len(ws))
	for id := range ws {
		pages[id] = struct{}{}
	}
	l.recent = append(l.recent, commitEntry{commitTxID: commitTxID, pages: pages})
	return nil
}

// GC drops recent-commits entries no active snapshot could still need:
// an entry is dead once every active snapshot began at or after it.
func (l *Layer) GC(minActiveSnapshot types.TxID) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	kept := l.recent[:0]
	for _, entry := range l.recent {
		if entry.commitTxID > minActiveSnapshot {
			kept = append(kept, entry)
		}
	}
	l.recent = kept
}

// RecentCommitCount reports the current recent-commits log size, for
// tests and metrics.
func (l *Layer) RecentCommitCount() int {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	return len(l.recent)
}
