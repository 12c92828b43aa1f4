package sync

import (
	"context"
	"fmt"

	"github.com/onedrived/onedrived/internal/models"
	"github.com/onedrived/onedrived/internal/remote"
)

// applyLocalOp performs the per-operation semantics of §4.6.4 for a
// local-originated change once conflict detection has cleared it.
func (p *Processor) applyLocalOp(ctx context.Context, pi *models.ProcessingItem) error {
	switch pi.Op {
	case models.OpCreate:
		return p.applyLocalCreate(ctx, pi)
	case models.OpUpdate:
		return p.applyLocalUpdate(ctx, pi)
	case models.OpDelete:
		return p.applyLocalDelete(ctx, pi)
	case models.OpMove, models.OpRename:
		return p.applyLocalMoveOrRename(ctx, pi)
	default:
		return fmt.Errorf("local op %q: unknown", pi.Op)
	}
}

// applyLocalCreate uploads a locally-minted item (folder or file) and
// rekeys the store/cache rows from the temp id to the server-assigned
// one on success (I5/I6).
func (p *Processor) applyLocalCreate(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	tempID := snap.RemoteID
	if !models.IsTempID(tempID) {
		return fmt.Errorf("local create %s: not a temp id", tempID)
	}

	if snap.Kind == models.KindFolder {
		ri, err := p.remote.CreateFolder(ctx, snap.ParentRemoteID, snap.Name)
		if err != nil {
			return fmt.Errorf("local create %s: create folder: %w", tempID, err)
		}
		return p.finishLocalCreate(ctx, tempID, ri)
	}

	content, size, err := p.cache.Open(tempID)
	if err != nil {
		return fmt.Errorf("local create %s: open staged content: %w", tempID, err)
	}
	defer content.Close()

	var ri remote.Item
	if size >= p.cfg.LargeUploadThresholdBytes {
		ri, err = p.remote.UploadLarge(ctx, snap.ParentRemoteID, snap.Name, content, size)
	} else {
		ri, err = p.remote.UploadSmall(ctx, snap.ParentRemoteID, snap.Name, content, size)
	}
	if err != nil {
		return fmt.Errorf("local create %s: upload: %w", tempID, err)
	}

	if err := p.finishLocalCreate(ctx, tempID, ri); err != nil {
		return err
	}
	return p.cache.Rekey(tempID, ri.RemoteID)
}

func (p *Processor) finishLocalCreate(ctx context.Context, tempID string, ri remote.Item) error {
	if err := p.store.Rekey(ctx, tempID, ri.RemoteID); err != nil {
		return fmt.Errorf("local create %s: rekey to %s: %w", tempID, ri.RemoteID, err)
	}
	it, err := p.store.GetByRemoteID(ctx, ri.RemoteID)
	if err != nil {
		return fmt.Errorf("local create %s: reload %s: %w", tempID, ri.RemoteID, err)
	}
	it.ETag = ri.ETag
	it.CTag = ri.CTag
	it.Size = ri.Size
	it.Source = models.SourceMerged
	it.SyncState = models.SyncStateSynced
	if it.Kind == models.KindFile {
		it.DownloadState = models.DownloadPresent
	}
	return p.store.Upsert(ctx, it)
}

// applyLocalUpdate uploads the staged content for an existing item's
// new body and records the server's new ETag.
func (p *Processor) applyLocalUpdate(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	it, err := p.store.GetByRemoteID(ctx, snap.RemoteID)
	if err != nil {
		return fmt.Errorf("local update %s: %w", snap.RemoteID, err)
	}

	content, size, err := p.cache.Open(it.RemoteID)
	if err != nil {
		return fmt.Errorf("local update %s: open staged content: %w", snap.RemoteID, err)
	}
	defer content.Close()

	var ri remote.Item
	if size >= p.cfg.LargeUploadThresholdBytes {
		ri, err = p.remote.UploadLarge(ctx, it.ParentRemoteID, it.Name, content, size)
	} else {
		ri, err = p.remote.UploadSmall(ctx, it.ParentRemoteID, it.Name, content, size)
	}
	if err != nil {
		return fmt.Errorf("local update %s: upload: %w", snap.RemoteID, err)
	}

	it.ETag = ri.ETag
	it.CTag = ri.CTag
	it.Size = ri.Size
	it.Source = models.SourceMerged
	it.SyncState = models.SyncStateSynced
	it.DownloadState = models.DownloadPresent
	return p.store.Upsert(ctx, it)
}

// applyLocalDelete removes the item from the remote before purging it
// locally; a remote not_found on the delete call is treated here as an
// implicit success (§7).
func (p *Processor) applyLocalDelete(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	if err := p.remote.Delete(ctx, snap.RemoteID); err != nil && remote.KindOf(err) != remote.NotFound {
		return fmt.Errorf("local delete %s: %w", snap.RemoteID, err)
	}
	if err := p.cache.Evict(snap.RemoteID); err != nil {
		return fmt.Errorf("local delete %s: evict cache: %w", snap.RemoteID, err)
	}
	if err := p.store.RemoveDownload(ctx, snap.RemoteID); err != nil {
		return fmt.Errorf("local delete %s: remove from download queue: %w", snap.RemoteID, err)
	}
	return p.store.MarkDeleted(ctx, snap.RemoteID)
}

// applyLocalMoveOrRename patches the remote item's name and/or parent.
func (p *Processor) applyLocalMoveOrRename(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	it, err := p.store.GetByRemoteID(ctx, snap.RemoteID)
	if err != nil {
		return fmt.Errorf("local %s %s: %w", pi.Op, snap.RemoteID, err)
	}

	name := snap.Name
	parentID := snap.ParentRemoteID
	ri, err := p.remote.Patch(ctx, snap.RemoteID, remote.Patch{Name: &name, ParentID: &parentID})
	if err != nil {
		return fmt.Errorf("local %s %s: patch: %w", pi.Op, snap.RemoteID, err)
	}

	it.Name = ri.Name
	it.ParentRemoteID = ri.ParentRemoteID
	it.ETag = ri.ETag
	it.CTag = ri.CTag
	it.Source = models.SourceMerged
	it.SyncState = models.SyncStateSynced
	return p.store.Upsert(ctx, it)
}
