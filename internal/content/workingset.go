package content

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// WorkingSet holds files that have been locally modified and have not
// yet been uploaded. Like Cache it is keyed by item ID, but each file
// sits under its plain item ID in one flat directory and is mutable in
// place, whereas a Cache object is only ever published whole by
// PartialWriter.Finalize. Nothing in this package moves a working copy
// back into Cache; an entry leaves the working set through Remove.
type WorkingSet struct {
	directory string
	fds       sync.Map // item ID -> *os.File
}

// NewWorkingSet opens (creating if necessary) a working set rooted at dir.
func NewWorkingSet(dir string) (*WorkingSet, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &WorkingSet{directory: dir}, nil
}

func (w *WorkingSet) path(id string) string {
	return filepath.Join(w.directory, id)
}

// Open returns a read-write file handle for id, creating an empty
// file if one does not already exist. The handle is cached so
// repeated opens of the same item share one underlying *os.File, as
// the kernel may issue several open() calls for one item before any
// release().
func (w *WorkingSet) Open(id string) (*os.File, error) {
	if fd, ok := w.fds.Load(id); ok {
		return fd.(*os.File), nil
	}
	f, err := os.OpenFile(w.path(id), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	// As with the content cache, prevent the GC finalizer from closing
	// this fd out from under us; Close is always explicit.
	runtime.SetFinalizer(f, nil)
	w.fds.Store(id, f)
	return f, nil
}

// Close closes and forgets the cached handle for id, syncing first.
func (w *WorkingSet) Close(id string) error {
	fd, ok := w.fds.LoadAndDelete(id)
	if !ok {
		return nil
	}
	f := fd.(*os.File)
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// Exists reports whether id has an on-disk working copy.
func (w *WorkingSet) Exists(id string) bool {
	if _, ok := w.fds.Load(id); ok {
		return true
	}
	_, err := os.Stat(w.path(id))
	return err == nil
}

// Remove closes (if open) and deletes the working copy for id.
func (w *WorkingSet) Remove(id string) error {
	_ = w.Close(id)
	err := os.Remove(w.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Adopt copies a finalized entry from a Cache (keyed by srcID, the
// cloud item id) into the working set under id, for the case where a
// file transitions from Hydrated to Modified and local writes need a
// mutable copy to land on instead of touching the cache entry.
func (w *WorkingSet) Adopt(cache *Cache, srcID, id string) error {
	src, err := cache.Open(srcID)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := w.Open(id)
	if err != nil {
		return err
	}
	if err := dst.Truncate(0); err != nil {
		return err
	}
	if _, err := dst.Seek(0, 0); err != nil {
		return err
	}
	_, err = copyAll(dst, src)
	return err
}

func copyAll(dst, src *os.File) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], total); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
