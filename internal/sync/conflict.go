package sync

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onedrived/onedrived/internal/models"
)

// ConflictTag names one of the eight remote or six local conflict
// shapes a ProcessingItem can be tagged with (§4.6.2).
type ConflictTag string

const (
	TagCreateOnCreate        ConflictTag = "CreateOnCreate"
	TagModifyOnModify        ConflictTag = "ModifyOnModify"
	TagModifyOnDelete        ConflictTag = "ModifyOnDelete"
	TagModifyOnParentDelete  ConflictTag = "ModifyOnParentDelete"
	TagDeleteOnModify        ConflictTag = "DeleteOnModify"
	TagRenameOrMoveOnExisting ConflictTag = "RenameOrMoveOnExisting"
	TagMoveOnMove             ConflictTag = "MoveOnMove"
	TagMoveToDeletedParent    ConflictTag = "MoveToDeletedParent"

	TagCreateOnExisting       ConflictTag = "CreateOnExisting"
	TagModifyOnDeleted        ConflictTag = "ModifyOnDeleted"
	TagModifyOnModified       ConflictTag = "ModifyOnModified"
	TagDeleteOnModified       ConflictTag = "DeleteOnModified"
	TagRenameOrMoveToExisting ConflictTag = "RenameOrMoveToExisting"
	TagRenameOrMoveOfDeleted  ConflictTag = "RenameOrMoveOfDeleted"
)

// autoResolvable reports whether tag is one of the two conflict shapes
// §4.6.3 resolves automatically rather than surfacing to the user.
func (t ConflictTag) autoResolvable() bool {
	return t == TagModifyOnParentDelete || t == TagMoveToDeletedParent
}

// detectRemoteConflicts inspects a remote ProcessingItem against the
// current store state and returns every conflict tag that applies.
// "Local changed" is read off the live item's SyncState: dirty,
// uploading, and error all mean a local mutation has not yet reached
// the remote (I6).
func (p *Processor) detectRemoteConflicts(ctx context.Context, pi *models.ProcessingItem) ([]ConflictTag, error) {
	var tags []ConflictTag

	switch pi.Op {
	case models.OpCreate:
		sibling, err := p.store.GetByParentAndName(ctx, pi.Payload.ParentRemoteID, pi.Payload.Name)
		if err == nil && sibling.RemoteID != pi.RemoteID {
			tags = append(tags, TagCreateOnCreate)
		}

	case models.OpUpdate:
		existing, err := p.store.GetByRemoteID(ctx, pi.RemoteID)
		if err != nil {
			return nil, nil // item vanished from the store; nothing to conflict with
		}
		if existing.Deleted {
			tags = append(tags, TagModifyOnDelete)
		}
		if localPending(existing) {
			tags = append(tags, TagModifyOnModify)
		}
		if parent, err := p.store.GetByRemoteID(ctx, existing.ParentRemoteID); err == nil && parent.Deleted {
			tags = append(tags, TagModifyOnParentDelete)
		}

	case models.OpDelete:
		existing, err := p.store.GetByRemoteID(ctx, pi.RemoteID)
		if err == nil && localPending(existing) {
			tags = append(tags, TagDeleteOnModify)
		}

	case models.OpMove, models.OpRename:
		existing, err := p.store.GetByRemoteID(ctx, pi.RemoteID)
		if err != nil {
			return nil, nil
		}
		if occupant, err := p.store.GetByParentAndName(ctx, pi.Payload.ParentRemoteID, pi.Payload.Name); err == nil && occupant.RemoteID != pi.RemoteID {
			tags = append(tags, TagRenameOrMoveOnExisting)
		}
		if localPending(existing) && existing.ParentRemoteID != pi.Payload.ParentRemoteID {
			tags = append(tags, TagMoveOnMove)
		}
		if destParent, err := p.store.GetByRemoteID(ctx, pi.Payload.ParentRemoteID); err == nil && destParent.Deleted {
			tags = append(tags, TagMoveToDeletedParent)
		}
	}

	return tags, nil
}

// detectLocalConflicts mirrors detectRemoteConflicts for a local
// ProcessingItem, run after the remote phase has already settled this
// tick's remote changes into the store.
func (p *Processor) detectLocalConflicts(ctx context.Context, pi *models.ProcessingItem) ([]ConflictTag, error) {
	var tags []ConflictTag

	switch pi.Op {
	case models.OpCreate:
		occupant, err := p.store.GetByParentAndName(ctx, pi.Payload.ParentRemoteID, pi.Payload.Name)
		if err == nil && occupant.RemoteID != pi.RemoteID && occupant.Source == models.SourceRemote {
			tags = append(tags, TagCreateOnExisting)
		}

	case models.OpUpdate:
		existing, err := p.store.GetByRemoteID(ctx, pi.RemoteID)
		if err != nil {
			return nil, nil
		}
		if existing.Deleted {
			tags = append(tags, TagModifyOnDeleted)
		}
		if existing.ETag != "" && existing.ETag != pi.Payload.ETag {
			tags = append(tags, TagModifyOnModified)
		}

	case models.OpDelete:
		existing, err := p.store.GetByRemoteID(ctx, pi.RemoteID)
		if err == nil && existing.ETag != "" && existing.ETag != pi.Payload.ETag {
			tags = append(tags, TagDeleteOnModified)
		}

	case models.OpMove, models.OpRename:
		existing, err := p.store.GetByRemoteID(ctx, pi.RemoteID)
		if err != nil {
			return nil, nil
		}
		if occupant, err := p.store.GetByParentAndName(ctx, pi.Payload.ParentRemoteID, pi.Payload.Name); err == nil && occupant.RemoteID != pi.RemoteID {
			tags = append(tags, TagRenameOrMoveToExisting)
		}
		if existing.Deleted {
			tags = append(tags, TagRenameOrMoveOfDeleted)
		}
	}

	return tags, nil
}

func localPending(it *models.Item) bool {
	return it.SyncState == models.SyncStateDirty ||
		it.SyncState == models.SyncStateUploading ||
		it.SyncState == models.SyncStateError
}

func hasAutoResolvable(tags []ConflictTag) bool {
	for _, t := range tags {
		if t.autoResolvable() {
			return true
		}
	}
	return false
}

// autoResolve restores a locally-deleted ancestor chain top-down by
// re-fetching it from the Remote Port, then re-runs detection. It only
// ever applies to TagModifyOnParentDelete/TagMoveToDeletedParent.
func (p *Processor) autoResolve(ctx context.Context, parentRemoteID string) error {
	var chain []string
	for id := parentRemoteID; id != "" && id != "root"; {
		it, err := p.store.GetByRemoteID(ctx, id)
		if err != nil {
			break
		}
		if !it.Deleted {
			break
		}
		chain = append(chain, id)
		id = it.ParentRemoteID
	}

	for i := len(chain) - 1; i >= 0; i-- {
		ri, err := p.remote.GetItem(ctx, chain[i])
		if err != nil {
			return fmt.Errorf("auto-resolve: refetch ancestor %s: %w", chain[i], err)
		}
		if err := p.store.Upsert(ctx, &models.Item{
			RemoteID: ri.RemoteID, ParentRemoteID: ri.ParentRemoteID, Name: ri.Name,
			Kind: ri.Kind, Size: ri.Size, MTime: ri.MTime, ETag: ri.ETag, CTag: ri.CTag,
			Source: models.SourceRemote, SyncState: models.SyncStateSynced, DownloadState: models.DownloadAbsent,
		}); err != nil {
			return fmt.Errorf("auto-resolve: restore ancestor %s: %w", chain[i], err)
		}
	}
	return nil
}

// materializeConflictCopy saves the losing side's content as a renamed
// sibling instead of silently dropping it, for the one conflict shape
// where both sides hold valid, differing content (§4.6.3 addition).
func (p *Processor) materializeConflictCopy(ctx context.Context, original *models.Item, loser models.ItemSnapshot) error {
	copyName := conflictCopyName(original.Name)
	copyID := models.TempIDPrefix + "conflict-" + uuid.NewString()

	return p.store.Upsert(ctx, &models.Item{
		RemoteID: copyID, ParentRemoteID: original.ParentRemoteID, Name: copyName,
		Kind: loser.Kind, Size: loser.Size, MTime: loser.MTime,
		Source: models.SourceLocal, SyncState: models.SyncStateDirty, DownloadState: models.DownloadPresent,
		ConflictCopyOf: original.RemoteID,
	})
}

// conflictCopyName inserts "(conflict YYYY-MM-DD)" before a name's
// last extension, leaving any earlier extension (as in "archive.tar.gz")
// untouched.
func conflictCopyName(name string) string {
	stamp := time.Now().Format("2006-01-02")
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (conflict %s)%s", base, stamp, ext)
}
