package sync

import (
	"context"
	"fmt"

	"github.com/onedrived/onedrived/internal/models"
)

// applyRemoteOp performs the per-operation semantics of §4.6.4 for a
// remote-originated change once conflict detection has cleared it.
func (p *Processor) applyRemoteOp(ctx context.Context, pi *models.ProcessingItem) error {
	switch pi.Op {
	case models.OpCreate:
		return p.applyRemoteCreate(ctx, pi)
	case models.OpUpdate:
		return p.applyRemoteUpdate(ctx, pi)
	case models.OpDelete:
		return p.applyRemoteDelete(ctx, pi)
	case models.OpMove, models.OpRename:
		return p.applyRemoteMoveOrRename(ctx, pi)
	default:
		return fmt.Errorf("remote op %q: unknown", pi.Op)
	}
}

// applyRemoteCreate inserts the new item and, for a file that lands
// under a configured download folder, eagerly enqueues its content;
// otherwise it stays on-demand (download_state=absent).
func (p *Processor) applyRemoteCreate(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	it := &models.Item{
		RemoteID: snap.RemoteID, ParentRemoteID: snap.ParentRemoteID, Name: snap.Name,
		Kind: snap.Kind, Size: snap.Size, MTime: snap.MTime, ETag: snap.ETag, CTag: snap.CTag,
		Source: models.SourceRemote, SyncState: models.SyncStateSynced, DownloadState: models.DownloadAbsent,
	}
	if err := p.store.Upsert(ctx, it); err != nil {
		return fmt.Errorf("remote create %s: %w", snap.RemoteID, err)
	}

	if it.Kind != models.KindFile {
		return nil
	}
	vp, err := p.virtualPathOf(ctx, it)
	if err != nil {
		return err
	}
	if isUnderDownloadFolder(vp, p.cfg.DownloadFolders) {
		if err := p.store.EnqueueDownload(ctx, it.RemoteID, it.Inode, 0); err != nil {
			return fmt.Errorf("remote create %s: enqueue download: %w", snap.RemoteID, err)
		}
	}
	return nil
}

// applyRemoteUpdate is metadata-only when the ETag is unchanged; when
// it changed and the blob was present, the existing content is now
// stale and is re-enqueued rather than fetched inline.
func (p *Processor) applyRemoteUpdate(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	existing, err := p.store.GetByRemoteID(ctx, snap.RemoteID)
	if err != nil {
		return fmt.Errorf("remote update %s: %w", snap.RemoteID, err)
	}

	etagChanged := existing.ETag != snap.ETag
	existing.Name = snap.Name
	existing.ParentRemoteID = snap.ParentRemoteID
	existing.Size = snap.Size
	existing.MTime = snap.MTime
	existing.ETag = snap.ETag
	existing.CTag = snap.CTag
	existing.Source = models.SourceRemote
	existing.SyncState = models.SyncStateSynced

	if etagChanged && existing.DownloadState == models.DownloadPresent {
		existing.DownloadState = models.DownloadStale
	}

	if err := p.store.Upsert(ctx, existing); err != nil {
		return fmt.Errorf("remote update %s: %w", snap.RemoteID, err)
	}

	if existing.DownloadState == models.DownloadStale {
		if err := p.store.EnqueueDownload(ctx, existing.RemoteID, existing.Inode, 1); err != nil {
			return fmt.Errorf("remote update %s: re-enqueue download: %w", snap.RemoteID, err)
		}
	}
	return nil
}

// applyRemoteDelete tombstones the item, cascading to its descendants
// in post-order (children before parents) so no dangling reference to
// a live cache blob or download-queue entry survives the sweep.
func (p *Processor) applyRemoteDelete(ctx context.Context, pi *models.ProcessingItem) error {
	return p.deleteSubtree(ctx, pi.RemoteID)
}

func (p *Processor) deleteSubtree(ctx context.Context, remoteID string) error {
	children, err := p.store.ListChildren(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("delete %s: list children: %w", remoteID, err)
	}
	for _, c := range children {
		if err := p.deleteSubtree(ctx, c.RemoteID); err != nil {
			return err
		}
	}

	if err := p.cache.Evict(remoteID); err != nil {
		return fmt.Errorf("delete %s: evict cache: %w", remoteID, err)
	}
	if err := p.store.RemoveDownload(ctx, remoteID); err != nil {
		return fmt.Errorf("delete %s: remove from download queue: %w", remoteID, err)
	}
	if err := p.store.MarkDeleted(ctx, remoteID); err != nil {
		return fmt.Errorf("delete %s: %w", remoteID, err)
	}
	return nil
}

// applyRemoteMoveOrRename patches the store row; VirtualPath is
// computed lazily from the parent chain on every read (§3, I2), so no
// descendant cascade is needed here.
func (p *Processor) applyRemoteMoveOrRename(ctx context.Context, pi *models.ProcessingItem) error {
	snap := pi.Payload
	existing, err := p.store.GetByRemoteID(ctx, snap.RemoteID)
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", pi.Op, snap.RemoteID, err)
	}
	existing.Name = snap.Name
	existing.ParentRemoteID = snap.ParentRemoteID
	existing.ETag = snap.ETag
	existing.CTag = snap.CTag
	existing.Source = models.SourceRemote
	existing.SyncState = models.SyncStateSynced

	if err := p.store.Upsert(ctx, existing); err != nil {
		return fmt.Errorf("remote %s %s: %w", pi.Op, snap.RemoteID, err)
	}
	return nil
}

func (p *Processor) virtualPathOf(ctx context.Context, it *models.Item) (string, error) {
	if it.VirtualPath != "" {
		return it.VirtualPath, nil
	}
	refreshed, err := p.store.GetByRemoteID(ctx, it.RemoteID)
	if err != nil {
		return "", err
	}
	return refreshed.VirtualPath, nil
}
