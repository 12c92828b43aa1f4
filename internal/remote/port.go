// Package remote defines the typed capability interface the core
// depends on to talk to the cloud service (§4.2, §6). OAuth2/PKCE
// acquisition, token refresh, and the wire transport itself are outside
// this package's scope — it only consumes a TokenSource.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/onedrived/onedrived/internal/models"
)

// Item is the wire-level shape of a remote drive item, decoded from
// whatever transport RemoteClient uses (§4.2).
type Item struct {
	RemoteID       string
	ETag           string
	CTag           string
	ParentRemoteID string
	Name           string
	Kind           models.Kind
	Size           int64
	MTime          time.Time
	Deleted        bool
	Hash           string
}

// Patch describes a metadata-only change: rename, move, or mtime touch.
// Nil fields are left unchanged.
type Patch struct {
	Name     *string
	ParentID *string
	MTime    *time.Time
}

// TokenSource supplies a bearer token for each call. The core never
// persists the token itself (§6); OAuth2/PKCE acquisition and refresh
// live entirely behind this interface.
type TokenSource interface {
	FetchBearer(ctx context.Context) (string, error)
}

// RemoteClient is the capability interface the sync engine consumes.
// The delta stream may contain tombstones and may repeat items;
// implementations make no idempotence guarantee beyond what the wire
// protocol itself provides — consumers (the Delta Ingestor) must be
// idempotent (§4.2).
type RemoteClient interface {
	// Delta returns the next page of changes since cursor (empty cursor
	// means "from the beginning"). NextCursor is always non-empty and
	// must be persisted by the caller only after every item in this page
	// has been durably enqueued.
	Delta(ctx context.Context, cursor string) (items []Item, nextCursor string, err error)

	GetItem(ctx context.Context, remoteID string) (Item, error)
	ListChildren(ctx context.Context, remoteID string) ([]Item, error)

	Download(ctx context.Context, remoteID string) (io.ReadCloser, error)
	DownloadRange(ctx context.Context, remoteID string, offset, length int64) (io.ReadCloser, error)

	UploadSmall(ctx context.Context, parentID, name string, content io.Reader, size int64) (Item, error)
	UploadLarge(ctx context.Context, parentID, name string, content io.Reader, size int64) (Item, error)

	CreateFolder(ctx context.Context, parentID, name string) (Item, error)
	Patch(ctx context.Context, remoteID string, patch Patch) (Item, error)
	Delete(ctx context.Context, remoteID string) error
}
