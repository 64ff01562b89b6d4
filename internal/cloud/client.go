// Package cloud defines the narrow collaborator interface lnxdrive
// needs from whatever component owns the actual network connection to
// the remote drive. lnxdrive itself implements no sync engine, no
// delta processing, and no conflict resolution: it only needs to read
// content on demand and push local writes back up.
package cloud

import (
	"context"
	"io"
)

// Client is the complete surface lnxdrive requires from the cloud
// side. It is intentionally small: exactly the three operations a
// hydrate-on-open, write-through filesystem needs, and nothing a sync
// engine would additionally want (no delta cursors, no webhook
// subscriptions, no conflict metadata).
type Client interface {
	// DownloadURL returns a short-lived, pre-authorized URL suitable
	// for an unauthenticated ranged GET against the item's content.
	DownloadURL(ctx context.Context, remoteID string) (string, error)

	// FetchRange streams bytes [offset, offset+length) of the content
	// at url into w. A length of 0 means "from offset to end of file".
	FetchRange(ctx context.Context, url string, offset, length int64, w io.Writer) error

	// Upload pushes local content for remoteID (empty for a new item
	// not yet known to the remote) from r, returning the remote's
	// canonical item ID and content hash once the write is durable.
	Upload(ctx context.Context, remoteID, parentRemoteID, name string, r io.Reader, size int64) (newRemoteID, contentHash string, err error)
}
