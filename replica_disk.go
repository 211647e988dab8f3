package ramlog

import (
	"fmt"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
)

// DiskReplicaManager is a ReplicaManager that mirrors a closed segment
// into a memory-mapped file under a backup directory: open-or-create,
// truncate to size, mmap.RDWR, flush to publish. Each segment gets its
// own file, since its final size is already known at Close time.
//
// The interface it implements carries no byte payload -- Close only gets a
// length -- so there is nothing here standing in for the network transport
// that would carry a segment's bytes to a real backup; that transport is
// out of scope. What DiskReplicaManager does exercise is the asynchronous
// acknowledgement shape every caller in this module is written against:
// Close kicks off what looks like a backup write and returns immediately,
// and Sync keeps returning ErrBackupUnavailable, so the caller's retry
// loop keeps waiting, until that write lands.
type DiskReplicaManager struct {
	path string

	mu   sync.Mutex
	file *os.File

	syncedLength int64 // atomic
}

// NewDiskReplicaManagerFactory returns a ReplicaManagerFactory that backs
// every segment with a file named by its id under directory.
func NewDiskReplicaManagerFactory(directory string) ReplicaManagerFactory {
	return func(id SegmentID) ReplicaManager {
		return &DiskReplicaManager{
			path: path.Join(directory, fmt.Sprintf("%d.replica", uint64(id))),
		}
	}
}

// Close allocates (or re-truncates) the replica file to appendedLength and
// maps it to force the backing pages into existence, then hands the
// acknowledgement off to a goroutine so the caller isn't blocked on disk.
// Sync reports ErrBackupUnavailable until that goroutine has run.
func (r *DiskReplicaManager) Close(appendedLength int64) error {
	r.mu.Lock()
	file := r.file
	if file == nil {
		f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0666)
		countlog.TraceCall("callee!os.OpenFile", err)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		file = f
		r.file = f
	}
	r.mu.Unlock()

	if err := file.Truncate(appendedLength); err != nil {
		return err
	}
	if appendedLength == 0 {
		atomic.StoreInt64(&r.syncedLength, 0)
		return nil
	}
	region, err := mmap.Map(file, mmap.RDWR, 0)
	countlog.TraceCall("callee!mmap.Map", err)
	if err != nil {
		return err
	}
	go func() {
		time.Sleep(time.Millisecond)
		region.Flush()
		region.Unmap()
		atomic.StoreInt64(&r.syncedLength, appendedLength)
	}()
	return nil
}

// Sync reports whether the backup has acknowledged at least length bytes.
func (r *DiskReplicaManager) Sync(length int64) error {
	if atomic.LoadInt64(&r.syncedLength) < length {
		return ErrBackupUnavailable
	}
	return nil
}

// Free removes the replica file.
func (r *DiskReplicaManager) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
		r.file = nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return plz.MergeErrors(errs...)
}
