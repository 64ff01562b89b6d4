// Package mount implements the mount lifecycle (C8): wiring every
// other component together, loading persisted state into the inode
// table, running crash recovery, registering with the kernel, and
// tearing everything down again in the right order on unmount.
package mount

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/lnxdrive/lnxdrive/internal/cloud"
	"github.com/lnxdrive/lnxdrive/internal/config"
	"github.com/lnxdrive/lnxdrive/internal/content"
	"github.com/lnxdrive/lnxdrive/internal/dehydration"
	"github.com/lnxdrive/lnxdrive/internal/hydration"
	"github.com/lnxdrive/lnxdrive/internal/inode"
	"github.com/lnxdrive/lnxdrive/internal/metadata"
	"github.com/lnxdrive/lnxdrive/internal/vfs"
)

// rootItemID is the fixed metadata ID reserved for the mount root,
// mirroring inode.RootIno's reservation of inode number 1.
const rootItemID = "root"

// Mount owns every long-lived component and the fuse.Server itself.
type Mount struct {
	db         *bolt.DB
	store      *metadata.BoltStore
	serializer *metadata.Serializer
	states     *metadata.StateManager
	content    *content.Cache
	working    *content.WorkingSet
	hydrator   *hydration.Manager
	dehydrator *dehydration.Manager
	fs         *vfs.FS
	server     *fuse.Server

	mountPoint string
}

// New performs mount-init steps 1-5: open the state store, start the
// write serializer, load persisted state into the inode table
// (allocating inodes and reconciling crash-interrupted hydrations),
// and start the dehydration sweep. Step 6 (registering with the
// kernel) happens in Serve.
func New(ctx context.Context, cfg *config.Config, cloudClient cloud.Client, mountPoint string) (*Mount, error) {
	dbPath := filepath.Join(cfg.CacheDir, "metadata.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("mount: open metadata store: %w", err)
	}

	store, err := metadata.NewBoltStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mount: init metadata store: %w", err)
	}

	serializer := metadata.NewSerializer(store, metadata.Options{
		QueueCapacity: cfg.WriteQueueCapacity,
		SubmitTimeout: time.Duration(cfg.WriteQueueTimeoutMs) * time.Millisecond,
	})

	states, err := metadata.NewStateManager(serializer)
	if err != nil {
		serializer.Close()
		_ = db.Close()
		return nil, fmt.Errorf("mount: init state manager: %w", err)
	}

	if err := ensureRoot(ctx, store, serializer); err != nil {
		serializer.Close()
		_ = db.Close()
		return nil, fmt.Errorf("mount: seed root entry: %w", err)
	}

	contentCache, err := content.New(filepath.Join(cfg.CacheDir, "content"))
	if err != nil {
		serializer.Close()
		_ = db.Close()
		return nil, fmt.Errorf("mount: init content cache: %w", err)
	}
	working, err := content.NewWorkingSet(filepath.Join(cfg.CacheDir, "working"))
	if err != nil {
		serializer.Close()
		_ = db.Close()
		return nil, fmt.Errorf("mount: init working set: %w", err)
	}

	hydrator := hydration.New(cloudClient, states, contentCache, hydration.Options{
		Concurrency:        cfg.HydrationConcurrency,
		LargeFileThreshold: cfg.LargeFileThresholdBytes,
		ChunkSize:          cfg.ChunkSizeBytes,
		MaxRetries:         cfg.HydrationMaxRetries,
		RetryInitialDelay:  time.Duration(cfg.HydrationRetryInitialMs) * time.Millisecond,
		RetryMaxDelay:      time.Duration(cfg.HydrationRetryMaxDelayMs) * time.Millisecond,
	})

	inodes := inode.New()

	dehydrator := dehydration.New(store, states, contentCache, inodes, dehydration.Options{
		MaxCacheBytes:    cfg.CacheMaxBytes,
		ThresholdPercent: cfg.ThresholdPercent,
		MaxAge:           time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		SweepInterval:    time.Duration(cfg.SweepIntervalMins) * time.Minute,
	})

	fsImpl := vfs.New(vfs.Options{
		Inodes:        inodes,
		Store:         store,
		Serializer:    serializer,
		States:        states,
		Content:       contentCache,
		Working:       working,
		Hydrator:      hydrator,
		Dehydrator:    dehydrator,
		Cloud:         cloudClient,
		RootItemID:    rootItemID,
		MaxCacheBytes: cfg.CacheMaxBytes,
	})

	if err := fsImpl.Bootstrap(ctx); err != nil {
		hydrator.Close()
		dehydrator.Close()
		serializer.Close()
		_ = db.Close()
		return nil, fmt.Errorf("mount: bootstrap inode table: %w", err)
	}

	return &Mount{
		db:         db,
		store:      store,
		serializer: serializer,
		states:     states,
		content:    contentCache,
		working:    working,
		hydrator:   hydrator,
		dehydrator: dehydrator,
		fs:         fsImpl,
		mountPoint: mountPoint,
	}, nil
}

// ensureRoot creates the root directory's metadata record if this is
// a freshly initialized cache directory. Populating the rest of the
// tree from the cloud is the sync collaborator's responsibility, out
// of this module's scope; lnxdrive only guarantees the root exists so
// the mount can come up.
func ensureRoot(ctx context.Context, store metadata.Store, serializer *metadata.Serializer) error {
	if _, err := store.Get(ctx, rootItemID); err == nil {
		return nil
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return err
	}
	return serializer.Save(ctx, &metadata.Entry{
		ID:       rootItemID,
		ItemType: metadata.ItemKindDirectory,
		State:    metadata.ItemStateHydrated,
		Mode:     0755,
	})
}

// Serve registers the filesystem with the kernel (mount-init step 6)
// and blocks until the filesystem is unmounted.
func (m *Mount) Serve(debug bool) error {
	opts := &fuse.MountOptions{
		Name:          "lnxdrive",
		FsName:        "lnxdrive",
		DisableXAttrs: false,
		MaxBackground: 1024,
		Debug:         debug,
	}
	server, err := fuse.NewServer(m.fs, m.mountPoint, opts)
	if err != nil {
		return fmt.Errorf("mount: register with kernel: %w", err)
	}
	m.server = server
	log.Info().Str("mountpoint", m.mountPoint).Msg("mount: serving filesystem")
	server.Serve()
	return nil
}

// Unmount performs mount-destroy steps 1-4 (stop accepting new
// hydrations, drain/cancel in-flight transfers, stop the dehydration
// sweep, flush the write serializer) and then step 5, asking the
// kernel to finalize the unmount.
func (m *Mount) Unmount() error {
	m.hydrator.Close()
	m.dehydrator.Close()
	m.serializer.Close()

	var unmountErr error
	if m.server != nil {
		unmountErr = m.server.Unmount()
	}
	if err := m.db.Close(); err != nil && unmountErr == nil {
		unmountErr = err
	}
	return unmountErr
}
