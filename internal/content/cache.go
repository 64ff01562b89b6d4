// Package content implements the on-disk content cache (C1): one file
// per cloud item, keyed by the SHA-256 hash of the cloud item
// identifier and sharded across two levels of subdirectories so that
// no single directory accumulates an unbounded number of entries.
//
// Content is never written directly into its final location. A
// hydration writes into a ".partial" file in the same shard
// directory, then Finalize renames it into place — a same-filesystem
// rename is atomic, so a reader never observes a half-written file
// under the final path.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Cache is the sharded content store rooted at a directory supplied
// by configuration (cache_dir/content).
type Cache struct {
	root string
}

// New opens (creating if necessary) a content cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("content: create cache root: %w", err)
	}
	return &Cache{root: dir}, nil
}

// idHash derives a cache object's path from the cloud item
// identifier, not its bytes: two items are never the same cache
// object even if their content happens to be identical, and
// dehydrating one item's content can never remove another's.
func idHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// shardDir returns the two-level shard directory for id, e.g.
// "<root>/ab/cd" for an id whose hash starts "abcd...".
func (c *Cache) shardDir(id string) string {
	h := idHash(id)
	return filepath.Join(c.root, h[0:2], h[2:4])
}

// Path returns the final on-disk path for a cloud item id. The path
// exists only once Finalize has completed for that id.
func (c *Cache) Path(id string) string {
	return filepath.Join(c.shardDir(id), idHash(id))
}

func (c *Cache) partialPath(id string) string {
	return c.Path(id) + ".partial"
}

// Exists reports whether id's content is fully present in the cache.
func (c *Cache) Exists(id string) bool {
	_, err := os.Stat(c.Path(id))
	return err == nil
}

// Size returns the on-disk size of a finalized entry.
func (c *Cache) Size(id string) (int64, error) {
	info, err := os.Stat(c.Path(id))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open opens a finalized entry for reading. Callers are responsible
// for closing the returned file.
func (c *Cache) Open(id string) (*os.File, error) {
	return os.Open(c.Path(id))
}

// OpenPartial opens an in-progress hydration's staging file for
// reading, read-only, so a caller whose requested byte range has
// already landed can read it before the transfer as a whole finishes.
func (c *Cache) OpenPartial(id string) (*os.File, error) {
	return os.Open(c.partialPath(id))
}

// Remove deletes the finalized object for id, if present. It leaves
// any in-progress .partial sibling untouched, and it is not an error
// to remove an entry that does not exist.
func (c *Cache) Remove(id string) error {
	err := os.Remove(c.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PartialWriter accumulates a hydration's bytes in a staging file
// ahead of the atomic rename into place.
type PartialWriter struct {
	cache *Cache
	id    string
	file  *os.File
}

// StagePartial begins a hydration for id, creating (or truncating, on
// a fresh attempt) a .partial file in the appropriate shard directory.
func (c *Cache) StagePartial(id string) (*PartialWriter, error) {
	dir := c.shardDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("content: create shard dir: %w", err)
	}
	f, err := os.OpenFile(c.partialPath(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("content: open partial file: %w", err)
	}
	return &PartialWriter{cache: c, id: id, file: f}, nil
}

// WriteAt writes a chunk at the given offset, as the chunked/ranged
// download strategy requires for files above the large-file
// threshold. Offsets are not required to arrive in order.
func (p *PartialWriter) WriteAt(b []byte, off int64) (int, error) {
	return p.file.WriteAt(b, off)
}

// Write appends sequentially.
func (p *PartialWriter) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

// Abort discards a partial download outright, removing the staging
// file. Used when a request is cancelled, as distinct from Close,
// which leaves the partial in place after an ordinary failure.
func (p *PartialWriter) Abort() error {
	_ = p.file.Close()
	err := os.Remove(p.cache.partialPath(p.id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases the staging file handle without discarding it,
// leaving the .partial in place for inspection or a subsequent
// attempt after a transfer fails.
func (p *PartialWriter) Close() error {
	return p.file.Close()
}

// Finalize fsyncs the staging file and atomically renames it into its
// final location, keyed by the item's ID.
func (p *PartialWriter) Finalize() error {
	if err := p.file.Sync(); err != nil {
		_ = p.file.Close()
		return fmt.Errorf("content: sync partial file: %w", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("content: close partial file: %w", err)
	}
	dir := p.cache.shardDir(p.id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("content: create shard dir: %w", err)
	}
	return os.Rename(p.cache.partialPath(p.id), p.cache.Path(p.id))
}

// DiskUsage walks the cache root and sums the size of finalized
// entries, skipping in-progress .partial files. Used by the
// dehydration sweep to decide whether the cache is over its
// configured byte threshold.
func (c *Cache) DiskUsage() (int64, error) {
	var total int64
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) == ".partial" {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("content: walk cache root: %w", err)
	}
	return total, nil
}
