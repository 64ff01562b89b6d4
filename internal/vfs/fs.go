// Package vfs implements the protocol adapter (C6): the component that
// speaks the raw FUSE wire protocol and translates every kernel
// request into operations against the inode table (C2), the metadata
// store (C3), the content cache (C1), the hydration manager (C4), and
// the dehydration manager (C5).
//
// FS embeds fuse.NewDefaultRawFileSystem() so every RawFileSystem
// method not explicitly overridden below returns ENOSYS, matching the
// pattern go-fuse documents for raw filesystems that only implement a
// subset of the protocol.
package vfs

import (
	"bytes"
	"context"
	"math"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/lnxdrive/lnxdrive/internal/cloud"
	"github.com/lnxdrive/lnxdrive/internal/content"
	"github.com/lnxdrive/lnxdrive/internal/dehydration"
	"github.com/lnxdrive/lnxdrive/internal/hydration"
	"github.com/lnxdrive/lnxdrive/internal/inode"
	"github.com/lnxdrive/lnxdrive/internal/metadata"
	"github.com/lnxdrive/lnxdrive/pkg/lnxerr"
)

const (
	attrTimeout  = time.Second
	entryTimeout = time.Second
)

// handle is the per-open-file bookkeeping the adapter keeps between
// Open/Create and Release.
type handle struct {
	ino      uint64
	itemID   string
	progress <-chan hydration.Progress
}

// FS is the raw FUSE server implementation lnxdrive mounts.
type FS struct {
	fuse.RawFileSystem

	inodes     *inode.Table
	store      metadata.Store
	serializer *metadata.Serializer
	states     *metadata.StateManager
	content    *content.Cache
	working    *content.WorkingSet
	hydrator   *hydration.Manager
	dehydrator *dehydration.Manager
	cloud      cloud.Client

	rootItemID string
	maxCacheBytes int64
	uid, gid   uint32

	opendirsMu sync.RWMutex
	opendirs   map[uint64][]*inode.Entry

	handlesMu sync.Mutex
	handles   map[uint64]*handle
	nextFh    uint64
}

// Options bundles FS's collaborators and a handful of scalars that
// don't belong to any one of them.
type Options struct {
	Inodes        *inode.Table
	Store         metadata.Store
	Serializer    *metadata.Serializer
	States        *metadata.StateManager
	Content       *content.Cache
	Working       *content.WorkingSet
	Hydrator      *hydration.Manager
	Dehydrator    *dehydration.Manager
	Cloud         cloud.Client
	RootItemID    string
	MaxCacheBytes int64
	Uid, Gid      uint32
}

// New constructs the protocol adapter. Callers are expected to have
// already bootstrapped the inode table (see Bootstrap) before serving
// requests.
func New(opts Options) *FS {
	return &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		inodes:        opts.Inodes,
		store:         opts.Store,
		serializer:    opts.Serializer,
		states:        opts.States,
		content:       opts.Content,
		working:       opts.Working,
		hydrator:      opts.Hydrator,
		dehydrator:    opts.Dehydrator,
		cloud:         opts.Cloud,
		rootItemID:    opts.RootItemID,
		maxCacheBytes: opts.MaxCacheBytes,
		uid:           opts.Uid,
		gid:           opts.Gid,
		opendirs:      make(map[uint64][]*inode.Entry),
		handles:       make(map[uint64]*handle),
	}
}

// Bootstrap performs mount-init steps 3-4 (C8): it loads every
// SyncItem into the inode table rooted at inode.RootIno, allocating
// inode numbers for any entry that doesn't have one yet, and resolves
// any item left in Hydrating state by a prior crash to Online unless
// its finalized content already exists. A leftover .partial download
// is not resumed; the next open re-hydrates the item from scratch.
func (fs *FS) Bootstrap(ctx context.Context) error {
	root, err := fs.store.Get(ctx, fs.rootItemID)
	if err != nil {
		return lnxerr.StateStoreError("load root entry", err)
	}
	rootEntry := &inode.Entry{
		Ino: inode.RootIno, ItemID: root.ID, IsDir: true,
		Size: root.Size, Mode: root.Mode | fuse.S_IFDIR, Nlink: 2,
		Mtime: modTime(root), Ctime: modTime(root), Atime: modTime(root),
	}
	fs.inodes.Insert(rootEntry)

	if err := fs.loadSubtree(ctx, rootEntry); err != nil {
		return err
	}

	hydrating, err := fs.store.ListByState(ctx, metadata.ItemStateHydrating)
	if err != nil {
		return lnxerr.StateStoreError("list hydrating entries", err)
	}
	for _, e := range hydrating {
		if fs.content.Exists(e.ID) {
			continue // already finalized by a race with the sweep; leave as-is
		}
		// A resumable .partial may still be on disk, but nothing
		// replays a download across a restart yet: fall back to
		// Online and let the next open re-hydrate from scratch.
		if _, err := fs.states.Transition(ctx, e.ID, metadata.ItemStateOnline, metadata.AllowCrashRecovery()); err != nil {
			log.Warn().Err(err).Str("item", e.ID).Msg("vfs: crash recovery transition failed")
		}
	}
	return nil
}

func (fs *FS) loadSubtree(ctx context.Context, parent *inode.Entry) error {
	children, err := fs.store.ListChildren(ctx, parent.ItemID)
	if err != nil {
		return lnxerr.StateStoreError("list children", err)
	}
	for _, c := range children {
		child, err := fs.entryFromMeta(ctx, parent.Ino, c)
		if err != nil {
			return err
		}
		if child.IsDir {
			if err := fs.loadSubtree(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func modTime(e *metadata.Entry) time.Time {
	if e.RemoteModified != nil {
		return *e.RemoteModified
	}
	if e.LocalModified != nil {
		return *e.LocalModified
	}
	return e.UpdatedAt
}

// entryFromMeta materializes (allocating an inode number if
// necessary) and indexes an inode.Entry for a metadata record.
func (fs *FS) entryFromMeta(ctx context.Context, parentIno uint64, m *metadata.Entry) (*inode.Entry, error) {
	if ino, ok := fs.inodes.ByItem(m.ID); ok {
		return fs.inodes.Get(ino), nil
	}

	ino := m.InodeNumber
	if ino == 0 {
		allocated, err := fs.serializer.NextInode(ctx)
		if err != nil {
			return nil, lnxerr.StateStoreError("allocate inode", err)
		}
		ino = allocated
		if _, err := fs.serializer.Update(ctx, m.ID, func(e *metadata.Entry) error {
			e.InodeNumber = ino
			return nil
		}); err != nil {
			return nil, lnxerr.StateStoreError("persist inode number", err)
		}
	}

	mode := m.Mode
	nlink := uint32(1)
	isDir := m.ItemType == metadata.ItemKindDirectory
	if isDir {
		if mode == 0 {
			mode = 0755
		}
		mode |= fuse.S_IFDIR
		nlink = 2
	} else if mode == 0 {
		mode = 0644 | fuse.S_IFREG
	}

	e := &inode.Entry{
		Ino: ino, ItemID: m.ID, ParentID: parentIno, Name: m.Name,
		IsDir: isDir, Size: m.Size, Mode: mode, Nlink: nlink,
		Mtime: modTime(m), Ctime: modTime(m), Atime: modTime(m),
	}
	fs.inodes.Insert(e)
	return e, nil
}

// resolveChild returns the child entry of parentIno named name,
// consulting the inode table first and falling back to the metadata
// store (materializing the entry on success) so a lookup works even
// for items the table hasn't been asked about yet.
func (fs *FS) resolveChild(ctx context.Context, parentIno uint64, name string) (*inode.Entry, error) {
	if e := fs.inodes.Lookup(parentIno, name); e != nil {
		return e, nil
	}
	parent := fs.inodes.Get(parentIno)
	if parent == nil {
		return nil, lnxerr.NotFound("parent inode unknown", nil)
	}
	children, err := fs.store.ListChildren(ctx, parent.ItemID)
	if err != nil {
		return nil, lnxerr.StateStoreError("list children", err)
	}
	for _, c := range children {
		if c.Name == name {
			return fs.entryFromMeta(ctx, parentIno, c)
		}
	}
	return nil, lnxerr.NotFound("no such child", nil)
}

func attrOf(e *inode.Entry, uid, gid uint32) fuse.Attr {
	nlink := e.Nlink
	if nlink == 0 {
		nlink = 1
	}
	return fuse.Attr{
		Ino:   e.Ino,
		Size:  e.Size,
		Nlink: nlink,
		Ctime: uint64(e.Ctime.Unix()),
		Mtime: uint64(e.Mtime.Unix()),
		Atime: uint64(e.Atime.Unix()),
		Mode:  e.Mode,
		Owner: fuse.Owner{Uid: uid, Gid: gid},
	}
}

func (fs *FS) attr(e *inode.Entry) fuse.Attr {
	return attrOf(e, fs.uid, fs.gid)
}

// Init is called once the server has mounted.
func (fs *FS) Init(server *fuse.Server) {
	log.Info().Msg("vfs: filesystem initialized")
}

func (fs *FS) Lookup(_ <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	if len(name) > 255 {
		return fuse.Status(syscall.ENAMETOOLONG)
	}
	ctx := context.Background()
	child, err := fs.resolveChild(ctx, header.NodeId, name)
	if err != nil {
		return fuse.ENOENT
	}
	child.IncLookup(1)
	out.NodeId = child.Ino
	out.Attr = fs.attr(child)
	out.SetAttrTimeout(attrTimeout)
	out.SetEntryTimeout(entryTimeout)
	return fuse.OK
}

func (fs *FS) Forget(nodeid, nlookup uint64) {
	if e := fs.inodes.Get(nodeid); e != nil {
		e.DecLookup(nlookup)
	}
}

func (fs *FS) GetAttr(_ <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	entry := fs.inodes.Get(input.NodeId)
	if entry == nil {
		return fuse.ENOENT
	}
	out.Attr = fs.attr(entry)
	out.SetTimeout(attrTimeout)
	return fuse.OK
}

func (fs *FS) SetAttr(_ <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	entry := fs.inodes.Get(input.NodeId)
	if entry == nil {
		return fuse.ENOENT
	}
	ctx := context.Background()

	truncate := input.Valid&fuse.FATTR_SIZE != 0
	var newSize uint64
	if truncate {
		newSize = input.Size
	}

	m, err := fs.serializer.Update(ctx, entry.ItemID, func(e *metadata.Entry) error {
		if input.Valid&fuse.FATTR_MODE != 0 {
			e.Mode = input.Mode
		}
		if truncate {
			e.Size = newSize
		}
		return nil
	})
	if err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("setattr", err))
	}

	if truncate && (m.State == metadata.ItemStateHydrated || m.State == metadata.ItemStatePinned) {
		if _, err := fs.states.Transition(ctx, entry.ItemID, metadata.ItemStateModified, metadata.WithSize(newSize)); err != nil {
			return lnxerr.Errno(lnxerr.StateStoreError("setattr transition", err))
		}
	}

	entry.Mode = m.Mode
	entry.Size = m.Size
	entry.Mtime = time.Now()
	out.Attr = fs.attr(entry)
	out.SetTimeout(attrTimeout)
	return fuse.OK
}

func (fs *FS) StatFs(_ <-chan struct{}, _ *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	usage, err := fs.content.DiskUsage()
	if err != nil {
		return fuse.EIO
	}
	const blockSize = 4096
	total := fs.maxCacheBytes
	free := total - usage
	if free < 0 {
		free = 0
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(total) / blockSize
	out.Bfree = uint64(free) / blockSize
	out.Bavail = out.Bfree
	out.NameLen = 255
	return fuse.OK
}

func (fs *FS) OpenDir(_ <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	entry := fs.inodes.Get(input.NodeId)
	if entry == nil {
		return fuse.ENOENT
	}
	if !entry.IsDir {
		return fuse.ENOTDIR
	}
	ctx := context.Background()
	parentEntry, err := fs.store.Get(ctx, entry.ItemID)
	if err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("load directory", err))
	}
	children, err := fs.store.ListChildren(ctx, parentEntry.ID)
	if err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("list children", err))
	}
	for _, c := range children {
		if _, err := fs.entryFromMeta(ctx, entry.Ino, c); err != nil {
			return lnxerr.Errno(err)
		}
	}

	parent := fs.inodes.Get(entry.ParentID)
	if parent == nil {
		parent = &inode.Entry{Ino: math.MaxUint64, IsDir: true, Name: ".."}
	}

	list := make([]*inode.Entry, 0, 2+len(children))
	list = append(list, entry, parent)
	list = append(list, fs.inodes.Children(entry.Ino)...)

	fs.opendirsMu.Lock()
	fs.opendirs[input.NodeId] = list
	fs.opendirsMu.Unlock()

	if out != nil {
		out.Fh = input.NodeId
	}
	return fuse.OK
}

func (fs *FS) ReleaseDir(input *fuse.ReleaseIn) {
	fs.opendirsMu.Lock()
	delete(fs.opendirs, input.NodeId)
	fs.opendirsMu.Unlock()
}

func (fs *FS) readDirCommon(cancel <-chan struct{}, in *fuse.ReadIn) ([]*inode.Entry, fuse.Status) {
	fs.opendirsMu.RLock()
	entries, ok := fs.opendirs[in.NodeId]
	fs.opendirsMu.RUnlock()
	if !ok {
		status := fs.OpenDir(cancel, &fuse.OpenIn{InHeader: in.InHeader}, nil)
		if status != fuse.OK {
			return nil, status
		}
		fs.opendirsMu.RLock()
		entries, ok = fs.opendirs[in.NodeId]
		fs.opendirsMu.RUnlock()
		if !ok {
			return nil, fuse.EBADF
		}
	}
	if in.Offset >= uint64(len(entries)) {
		return nil, fuse.OK
	}
	return entries, fuse.OK
}

func dirEntryName(entries []*inode.Entry, offset uint64) string {
	switch offset {
	case 0:
		return "."
	case 1:
		return ".."
	default:
		return entries[offset].Name
	}
}

func (fs *FS) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, status := fs.readDirCommon(cancel, in)
	if status != fuse.OK || entries == nil {
		return status
	}
	e := entries[in.Offset]
	out.AddDirEntry(fuse.DirEntry{Ino: e.Ino, Mode: e.Mode, Name: dirEntryName(entries, in.Offset)})
	return fuse.OK
}

func (fs *FS) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, status := fs.readDirCommon(cancel, in)
	if status != fuse.OK || entries == nil {
		return status
	}
	e := entries[in.Offset]
	entry := fuse.DirEntry{Ino: e.Ino, Mode: e.Mode, Name: dirEntryName(entries, in.Offset)}
	entryOut := out.AddDirLookupEntry(entry)
	if entryOut == nil {
		return fuse.OK // buffer full; kernel will retry with a higher offset
	}
	entryOut.NodeId = entry.Ino
	entryOut.Attr = fs.attr(e)
	entryOut.SetAttrTimeout(attrTimeout)
	entryOut.SetEntryTimeout(entryTimeout)
	return fuse.OK
}

func (fs *FS) newHandle(ino uint64, itemID string) uint64 {
	fh := atomic.AddUint64(&fs.nextFh, 1)
	fs.handlesMu.Lock()
	fs.handles[fh] = &handle{ino: ino, itemID: itemID}
	fs.handlesMu.Unlock()
	return fh
}

func (fs *FS) getHandle(fh uint64) *handle {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	return fs.handles[fh]
}

func (fs *FS) dropHandle(fh uint64) *handle {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	h := fs.handles[fh]
	delete(fs.handles, fh)
	return h
}

func (fs *FS) Open(_ <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	entry := fs.inodes.Get(input.NodeId)
	if entry == nil {
		return fuse.ENOENT
	}
	if entry.IsDir {
		return fuse.EISDIR
	}
	ctx := context.Background()
	m, err := fs.store.Get(ctx, entry.ItemID)
	if err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("open", err))
	}

	entry.IncOpen()
	fh := fs.newHandle(entry.Ino, entry.ItemID)

	if m.State == metadata.ItemStateOnline {
		progress := fs.hydrator.Enqueue(ctx, entry.ItemID, entry.Ino, hydration.PriorityUserOpen)
		fs.handlesMu.Lock()
		if h, ok := fs.handles[fh]; ok {
			h.progress = progress
		}
		fs.handlesMu.Unlock()
	}

	out.Fh = fh
	return fuse.OK
}

// waitForHydration blocks until h's in-flight hydration (if any)
// reaches a terminal state, mapping failure onto a domain error.
func (fs *FS) waitForHydration(h *handle) error {
	if h == nil || h.progress == nil {
		return nil
	}
	for p := range h.progress {
		switch p.State {
		case hydration.RequestDone:
			return nil
		case hydration.RequestFailed:
			return lnxerr.HydrationFailed("hydration failed", p.Err)
		case hydration.RequestCancelled:
			return lnxerr.HydrationFailed("hydration cancelled", p.Err)
		}
	}
	return lnxerr.HydrationFailed("hydration channel closed unexpectedly", nil)
}

func (fs *FS) Read(_ <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	h := fs.getHandle(input.Fh)
	if h == nil {
		return fuse.ReadResultData(nil), fuse.EBADF
	}
	ctx := context.Background()
	m, err := fs.store.Get(ctx, h.itemID)
	if err != nil {
		return fuse.ReadResultData(nil), lnxerr.Errno(lnxerr.StateStoreError("read", err))
	}

	size := int64(min(len(buf), int(input.Size)))

	if m.State == metadata.ItemStateOnline || m.State == metadata.ItemStateHydrating {
		// Block only until the requested byte range has landed, not
		// the whole transfer: a reader scanning from offset 0 can
		// start consuming a large file well before it's fully local.
		if err := fs.hydrator.WaitForRange(ctx, h.itemID, int64(input.Offset), size); err != nil {
			return fuse.ReadResultData(nil), lnxerr.Errno(lnxerr.HydrationFailed("wait for range", err))
		}
		if !fs.content.Exists(h.itemID) {
			if f, ferr := fs.content.OpenPartial(h.itemID); ferr == nil {
				defer f.Close()
				n, rerr := f.ReadAt(buf[:size], int64(input.Offset))
				if rerr != nil && n == 0 {
					return fuse.ReadResultData(nil), fuse.OK
				}
				return fuse.ReadResultData(buf[:n]), fuse.OK
			}
			// No partial on disk yet (e.g. hydration hasn't started
			// staging) and not finalized: fall back to waiting on the
			// full transfer, as the range-wait is otherwise a no-op.
			if err := fs.waitForHydration(h); err != nil {
				return fuse.ReadResultData(nil), lnxerr.Errno(err)
			}
		}
		m, err = fs.store.Get(ctx, h.itemID)
		if err != nil {
			return fuse.ReadResultData(nil), lnxerr.Errno(lnxerr.StateStoreError("read", err))
		}
	}

	var data []byte
	if m.State == metadata.ItemStateModified && fs.working.Exists(h.itemID) {
		f, ferr := fs.working.Open(h.itemID)
		if ferr != nil {
			return fuse.ReadResultData(nil), fuse.EIO
		}
		n, rerr := f.ReadAt(buf[:size], int64(input.Offset))
		if rerr != nil && n == 0 {
			return fuse.ReadResultData(nil), fuse.OK
		}
		data = buf[:n]
	} else if fs.content.Exists(h.itemID) {
		f, ferr := fs.content.Open(h.itemID)
		if ferr != nil {
			return fuse.ReadResultData(nil), fuse.EIO
		}
		defer f.Close()
		n, rerr := f.ReadAt(buf[:size], int64(input.Offset))
		if rerr != nil && n == 0 {
			return fuse.ReadResultData(nil), fuse.OK
		}
		data = buf[:n]
	}
	return fuse.ReadResultData(data), fuse.OK
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (fs *FS) Write(_ <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	h := fs.getHandle(input.Fh)
	if h == nil {
		return 0, fuse.EBADF
	}
	ctx := context.Background()
	m, err := fs.store.Get(ctx, h.itemID)
	if err != nil {
		return 0, lnxerr.Errno(lnxerr.StateStoreError("write", err))
	}

	if m.State == metadata.ItemStateOnline || m.State == metadata.ItemStateHydrating {
		if h.progress == nil {
			h.progress = fs.hydrator.Enqueue(ctx, h.itemID, h.ino, hydration.PriorityUserOpen)
		}
		if err := fs.waitForHydration(h); err != nil {
			return 0, lnxerr.Errno(err)
		}
		m, err = fs.store.Get(ctx, h.itemID)
		if err != nil {
			return 0, lnxerr.Errno(lnxerr.StateStoreError("write", err))
		}
	}

	if !fs.working.Exists(h.itemID) && fs.content.Exists(h.itemID) {
		if err := fs.working.Adopt(fs.content, h.itemID, h.itemID); err != nil {
			return 0, fuse.EIO
		}
	}
	f, err := fs.working.Open(h.itemID)
	if err != nil {
		return 0, fuse.EIO
	}
	n, err := f.WriteAt(data, int64(input.Offset))
	if err != nil {
		return uint32(n), fuse.EIO
	}

	newSize := m.Size
	if end := input.Offset + uint64(n); end > newSize {
		newSize = end
	}

	if m.State == metadata.ItemStateHydrated || m.State == metadata.ItemStatePinned {
		if _, err := fs.states.Transition(ctx, h.itemID, metadata.ItemStateModified, metadata.WithSize(newSize)); err != nil {
			return uint32(n), lnxerr.Errno(lnxerr.StateStoreError("write transition", err))
		}
	} else if newSize != m.Size {
		if _, err := fs.serializer.Update(ctx, h.itemID, func(e *metadata.Entry) error {
			e.Size = newSize
			return nil
		}); err != nil {
			return uint32(n), lnxerr.Errno(lnxerr.StateStoreError("write size update", err))
		}
	}

	if entry := fs.inodes.Get(h.ino); entry != nil {
		entry.Size = newSize
		entry.Mtime = time.Now()
	}
	return uint32(n), fuse.OK
}

func (fs *FS) Release(_ <-chan struct{}, input *fuse.ReleaseIn) {
	h := fs.dropHandle(input.Fh)
	if h == nil {
		return
	}
	entry := fs.inodes.Get(h.ino)
	if entry == nil {
		return
	}
	if entry.DecOpen() == 0 {
		if err := fs.dehydrator.OnClose(context.Background(), h.itemID); err != nil {
			log.Warn().Err(err).Str("item", h.itemID).Msg("vfs: on-close eviction failed")
		}
	}
}

// Flush is a no-op: writes already commit to the working set
// synchronously inside Write.
func (fs *FS) Flush(_ <-chan struct{}, _ *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (fs *FS) createChild(ctx context.Context, parentIno uint64, name string, mode uint32, isDir bool) (*inode.Entry, error) {
	parent := fs.inodes.Get(parentIno)
	if parent == nil {
		return nil, lnxerr.NotFound("parent inode unknown", nil)
	}
	if _, err := fs.resolveChild(ctx, parentIno, name); err == nil {
		return nil, lnxerr.AlreadyExists("already exists", nil)
	}

	kind := metadata.ItemKindFile
	if isDir {
		kind = metadata.ItemKindDirectory
	}
	entry := &metadata.Entry{
		ID:            uuid.NewString(),
		ParentID:      parent.ItemID,
		Name:          name,
		ItemType:      kind,
		State:         metadata.ItemStateModified,
		Mode:          mode,
		PendingRemote: true,
	}
	if err := fs.serializer.Save(ctx, entry); err != nil {
		return nil, lnxerr.StateStoreError("create entry", err)
	}
	return fs.entryFromMeta(ctx, parentIno, entry)
}

func (fs *FS) Mkdir(_ <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := context.Background()
	child, err := fs.createChild(ctx, input.NodeId, name, input.Mode|fuse.S_IFDIR, true)
	if err != nil {
		return lnxerr.Errno(err)
	}
	out.NodeId = child.Ino
	out.Attr = fs.attr(child)
	out.SetAttrTimeout(attrTimeout)
	out.SetEntryTimeout(entryTimeout)
	return fuse.OK
}

func (fs *FS) Mknod(_ <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := context.Background()
	child, err := fs.createChild(ctx, input.NodeId, name, input.Mode, false)
	if err != nil {
		return lnxerr.Errno(err)
	}
	out.NodeId = child.Ino
	out.Attr = fs.attr(child)
	out.SetAttrTimeout(attrTimeout)
	out.SetEntryTimeout(entryTimeout)
	return fuse.OK
}

func (fs *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	status := fs.Mknod(cancel, &fuse.MknodIn{InHeader: input.InHeader, Mode: input.Mode}, name, &out.EntryOut)
	if status != fuse.OK {
		return status
	}
	entry := fs.inodes.Get(out.EntryOut.NodeId)
	if entry == nil {
		return fuse.EIO
	}
	if _, err := fs.working.Open(entry.ItemID); err != nil {
		return fuse.EIO
	}
	entry.IncOpen()
	out.OpenOut.Fh = fs.newHandle(entry.Ino, entry.ItemID)
	return fuse.OK
}

func (fs *FS) removeEntry(ctx context.Context, parentIno uint64, name string, wantDir bool) fuse.Status {
	child, err := fs.resolveChild(ctx, parentIno, name)
	if err != nil {
		return fuse.ENOENT
	}
	if wantDir && !child.IsDir {
		return fuse.ENOTDIR
	}
	if !wantDir && child.IsDir {
		return fuse.EISDIR
	}
	if wantDir {
		if err := fs.ensureChildrenLoaded(ctx, child); err != nil {
			return lnxerr.Errno(err)
		}
		if len(fs.inodes.Children(child.Ino)) > 0 {
			return fuse.Status(syscall.ENOTEMPTY)
		}
	}
	if _, err := fs.store.Get(ctx, child.ItemID); err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("unlink", err))
	}
	if _, err := fs.states.Transition(ctx, child.ItemID, metadata.ItemStateDeleted); err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("unlink transition", err))
	}
	_ = fs.content.Remove(child.ItemID)
	_ = fs.working.Remove(child.ItemID)
	fs.inodes.Remove(child.Ino)
	return fuse.OK
}

func (fs *FS) ensureChildrenLoaded(ctx context.Context, parent *inode.Entry) error {
	children, err := fs.store.ListChildren(ctx, parent.ItemID)
	if err != nil {
		return lnxerr.StateStoreError("list children", err)
	}
	for _, c := range children {
		if _, err := fs.entryFromMeta(ctx, parent.Ino, c); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FS) Unlink(_ <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.removeEntry(context.Background(), header.NodeId, name, false)
}

func (fs *FS) Rmdir(_ <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.removeEntry(context.Background(), header.NodeId, name, true)
}

func (fs *FS) Rename(_ <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	ctx := context.Background()
	src, err := fs.resolveChild(ctx, input.NodeId, oldName)
	if err != nil {
		return fuse.ENOENT
	}

	if dst, err := fs.resolveChild(ctx, input.Newdir, newName); err == nil {
		if dst.IsDir != src.IsDir {
			if src.IsDir {
				return fuse.Status(syscall.ENOTDIR)
			}
			return fuse.EISDIR
		}
		if status := fs.removeEntry(ctx, input.Newdir, newName, dst.IsDir); status != fuse.OK {
			return status
		}
	}

	newParent := fs.inodes.Get(input.Newdir)
	if newParent == nil {
		return fuse.ENOENT
	}

	m, err := fs.serializer.Update(ctx, src.ItemID, func(e *metadata.Entry) error {
		e.ParentID = newParent.ItemID
		e.Name = newName
		return nil
	})
	if err != nil {
		return lnxerr.Errno(lnxerr.StateStoreError("rename", err))
	}

	if m.State == metadata.ItemStateHydrated || m.State == metadata.ItemStatePinned {
		if _, err := fs.states.Transition(ctx, src.ItemID, metadata.ItemStateModified); err != nil {
			return lnxerr.Errno(lnxerr.StateStoreError("rename transition", err))
		}
	}

	fs.inodes.Rename(src.Ino, input.Newdir, newName)
	return fuse.OK
}

// --- Extended attributes (C7) ---

const xattrPrefix = "user.lnxdrive."

func stateLabel(s metadata.ItemState) string {
	switch s {
	case metadata.ItemStateOnline:
		return "online"
	case metadata.ItemStateHydrating:
		return "hydrating"
	case metadata.ItemStateHydrated:
		return "hydrated"
	case metadata.ItemStatePinned:
		return "pinned"
	case metadata.ItemStateModified:
		return "modified"
	default:
		return "unknown"
	}
}

func (fs *FS) xattrValue(ctx context.Context, ino uint64, name string) ([]byte, fuse.Status) {
	if name[:min(len(name), len(xattrPrefix))] != xattrPrefix {
		return nil, fuse.Status(syscall.ENOTSUP)
	}
	entry := fs.inodes.Get(ino)
	if entry == nil {
		return nil, fuse.ENOENT
	}
	m, err := fs.store.Get(ctx, entry.ItemID)
	if err != nil {
		return nil, lnxerr.Errno(lnxerr.StateStoreError("getxattr", err))
	}
	attr := name[len(xattrPrefix):]
	switch attr {
	case "state":
		return []byte(stateLabel(m.State)), fuse.OK
	case "size":
		return []byte(uitoa(m.Size)), fuse.OK
	case "remote_id":
		if m.RemoteID == "" {
			return nil, fuse.Status(syscall.ENODATA)
		}
		return []byte(m.RemoteID), fuse.OK
	case "progress":
		if m.State != metadata.ItemStateHydrating || m.HydrationProgress == nil {
			return nil, fuse.Status(syscall.ENODATA)
		}
		return []byte(uitoa(uint64(*m.HydrationProgress))), fuse.OK
	default:
		return nil, fuse.Status(syscall.ENODATA)
	}
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (fs *FS) GetXAttr(_ <-chan struct{}, header *fuse.InHeader, name string, dest []byte) (uint32, fuse.Status) {
	value, status := fs.xattrValue(context.Background(), header.NodeId, name)
	if status != fuse.OK {
		return 0, status
	}
	if len(dest) == 0 {
		return uint32(len(value)), fuse.OK
	}
	if len(dest) < len(value) {
		return uint32(len(value)), fuse.Status(syscall.ERANGE)
	}
	copy(dest, value)
	return uint32(len(value)), fuse.OK
}

func (fs *FS) ListXAttr(_ <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	entry := fs.inodes.Get(header.NodeId)
	if entry == nil {
		return 0, fuse.ENOENT
	}
	ctx := context.Background()
	m, err := fs.store.Get(ctx, entry.ItemID)
	if err != nil {
		return 0, lnxerr.Errno(lnxerr.StateStoreError("listxattr", err))
	}

	names := []string{xattrPrefix + "state", xattrPrefix + "size"}
	if m.RemoteID != "" {
		names = append(names, xattrPrefix+"remote_id")
	}
	if m.State == metadata.ItemStateHydrating && m.HydrationProgress != nil {
		names = append(names, xattrPrefix+"progress")
	}

	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	if len(dest) == 0 {
		return uint32(buf.Len()), fuse.OK
	}
	if len(dest) < buf.Len() {
		return uint32(buf.Len()), fuse.Status(syscall.ERANGE)
	}
	copy(dest, buf.Bytes())
	return uint32(buf.Len()), fuse.OK
}

func (fs *FS) SetXAttr(_ <-chan struct{}, _ *fuse.SetXAttrIn, name string, _ []byte) fuse.Status {
	if len(name) >= len(xattrPrefix) && name[:len(xattrPrefix)] == xattrPrefix {
		return fuse.Status(syscall.EACCES)
	}
	return fuse.Status(syscall.ENOTSUP)
}

func (fs *FS) RemoveXAttr(_ <-chan struct{}, _ *fuse.InHeader, name string) fuse.Status {
	if len(name) >= len(xattrPrefix) && name[:len(xattrPrefix)] == xattrPrefix {
		return fuse.Status(syscall.EACCES)
	}
	return fuse.Status(syscall.ENOTSUP)
}
