package vfs

import (
	"context"
	"fmt"

	"github.com/onedrived/onedrived/internal/models"
)

// Store is the subset of internal/store.Store the FUSE surface depends
// on, narrow enough for an in-memory fake in tests.
type Store interface {
	GetByInode(ctx context.Context, inode uint64) (*models.Item, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*models.Item, error)
	GetByParentAndName(ctx context.Context, parentRemoteID, name string) (*models.Item, error)
	ListChildren(ctx context.Context, parentRemoteID string) ([]*models.Item, error)

	Upsert(ctx context.Context, it *models.Item) error
	MarkDeleted(ctx context.Context, remoteID string) error

	EnqueueProcessing(ctx context.Context, op models.Op, changeType models.ChangeType, snapshot models.ItemSnapshot) (int64, error)
	EnqueueDownload(ctx context.Context, remoteID string, inode uint64, priority int) error
	RemoveDownload(ctx context.Context, remoteID string) error
}

// mutation is one unit of work the Bridge's single owner goroutine runs
// against the store on behalf of a FUSE callback.
type mutation func(ctx context.Context, store Store) (interface{}, error)

type bridgeRequest struct {
	ctx    context.Context
	fn     mutation
	result chan bridgeResult
}

type bridgeResult struct {
	val interface{}
	err error
}

// Bridge is the sole path from a blocking FUSE callback into store
// mutation, per the distilled spec's requirement that "FUSE callbacks
// run on their own worker threads but delegate all state mutation to
// the cooperative runtime via a bounded async queue" (§5, §9). The
// teacher's FUSE layer calls its HTTP client directly from callbacks;
// this is the one place this package deliberately departs from it.
type Bridge struct {
	store Store
	reqs  chan bridgeRequest
}

// NewBridge creates a Bridge with a bounded request queue of the given
// depth; a full queue makes Submit block, which is the intended
// backpressure signal back to the kernel's FUSE request thread.
func NewBridge(store Store, queueDepth int) *Bridge {
	return &Bridge{store: store, reqs: make(chan bridgeRequest, queueDepth)}
}

// Run drains the request queue on a single goroutine until ctx is
// canceled. There is exactly one Bridge per mounted filesystem, so this
// goroutine is the store's only local-side writer (the Sync Processor
// is the only other writer, and never races it: both run on a single
// process-wide cooperative scheduler per §5).
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.reqs:
			val, err := req.fn(req.ctx, b.store)
			select {
			case req.result <- bridgeResult{val: val, err: err}:
			case <-req.ctx.Done():
			}
		}
	}
}

func (b *Bridge) submit(ctx context.Context, fn mutation) (interface{}, error) {
	req := bridgeRequest{ctx: ctx, fn: fn, result: make(chan bridgeResult, 1)}
	select {
	case b.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateLocal inserts a store row for a locally-minted item under a
// fresh temp id and returns it, ahead of the local ProcessingItem that
// will carry it to the Remote Port (I5/I6).
func (b *Bridge) CreateLocal(ctx context.Context, it *models.Item) (*models.Item, error) {
	v, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		if err := s.Upsert(ctx, it); err != nil {
			return nil, fmt.Errorf("create local %s: %w", it.Name, err)
		}
		return s.GetByRemoteID(ctx, it.RemoteID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Item), nil
}

// EnqueueCreate records a local create for the Sync Processor.
func (b *Bridge) EnqueueCreate(ctx context.Context, snap models.ItemSnapshot) error {
	_, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		return s.EnqueueProcessing(ctx, models.OpCreate, models.ChangeLocal, snap)
	})
	return err
}

// EnqueueUpdate records a local write (flush/release) for the Sync
// Processor; the staged content itself already lives in the Content
// Cache under the item's current remote id by the time this is called.
func (b *Bridge) EnqueueUpdate(ctx context.Context, snap models.ItemSnapshot) error {
	_, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		return s.EnqueueProcessing(ctx, models.OpUpdate, models.ChangeLocal, snap)
	})
	return err
}

// EnqueueDelete records a local unlink/rmdir, marking the row deleted
// immediately so the tree stops showing it even before the Sync
// Processor reaches the remote side.
func (b *Bridge) EnqueueDelete(ctx context.Context, snap models.ItemSnapshot) error {
	_, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		if _, err := s.EnqueueProcessing(ctx, models.OpDelete, models.ChangeLocal, snap); err != nil {
			return nil, err
		}
		return nil, s.MarkDeleted(ctx, snap.RemoteID)
	})
	return err
}

// EnqueueMoveOrRename records a local move (cross-parent) or rename
// (same-parent) and updates the store row's parent/name inline so the
// tree reflects the new location immediately, matching what the local
// kernel dentry cache already believes.
func (b *Bridge) EnqueueMoveOrRename(ctx context.Context, op models.Op, snap models.ItemSnapshot) error {
	_, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		it, err := s.GetByRemoteID(ctx, snap.RemoteID)
		if err != nil {
			return nil, err
		}
		it.ParentRemoteID = snap.ParentRemoteID
		it.Name = snap.Name
		it.SyncState = models.SyncStateDirty
		if err := s.Upsert(ctx, it); err != nil {
			return nil, err
		}
		return s.EnqueueProcessing(ctx, op, models.ChangeLocal, snap)
	})
	return err
}

// EnqueueDownload schedules a content fetch for a placeholder that was
// opened.
func (b *Bridge) EnqueueDownload(ctx context.Context, remoteID string, inode uint64) error {
	_, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		return nil, s.EnqueueDownload(ctx, remoteID, inode, 0)
	})
	return err
}

// MarkPresent updates an item's download_state to present after a
// synchronous placeholder fetch completes, and drops its download-queue
// entry.
func (b *Bridge) MarkPresent(ctx context.Context, remoteID string, size int64, hash string) error {
	_, err := b.submit(ctx, func(ctx context.Context, s Store) (interface{}, error) {
		it, err := s.GetByRemoteID(ctx, remoteID)
		if err != nil {
			return nil, err
		}
		it.DownloadState = models.DownloadPresent
		it.Size = size
		it.Hash = hash
		if err := s.Upsert(ctx, it); err != nil {
			return nil, err
		}
		return nil, s.RemoveDownload(ctx, remoteID)
	})
	return err
}
