// Package sync implements the two-phase Sync Processor (§4.6), the
// algorithmic core of the daemon: on each tick it drains every remote
// ProcessingItem to a terminal status, then every local one, applying
// conflict detection/auto-resolution and per-operation semantics along
// the way. Grounded in the original implementation's item_processor.rs,
// move_detector.rs and sync_utils.rs for the per-operation semantics,
// and in the teacher's conflictCopyPath/conflict_test.go for the one
// piece of conflict UX the teacher already has.
package sync

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/onedrived/onedrived/internal/logging"
	"github.com/onedrived/onedrived/internal/metrics"
	"github.com/onedrived/onedrived/internal/models"
	"github.com/onedrived/onedrived/internal/remote"
	"github.com/onedrived/onedrived/internal/retry"
)

// Store is the subset of internal/store.Store the processor depends on,
// narrow enough that tests can substitute an in-memory fake.
type Store interface {
	GetByRemoteID(ctx context.Context, remoteID string) (*models.Item, error)
	GetByParentAndName(ctx context.Context, parentRemoteID, name string) (*models.Item, error)
	ListChildren(ctx context.Context, parentRemoteID string) ([]*models.Item, error)
	Upsert(ctx context.Context, it *models.Item) error
	MarkDeleted(ctx context.Context, remoteID string) error
	Rekey(ctx context.Context, oldRemoteID, newRemoteID string) error

	EnqueueProcessing(ctx context.Context, op models.Op, changeType models.ChangeType, snapshot models.ItemSnapshot) (int64, error)
	ListPending(ctx context.Context, changeType models.ChangeType) ([]*models.ProcessingItem, error)
	UpdateStatus(ctx context.Context, id int64, status models.ProcessingStatus, retryCount int) error
	SetValidationErrors(ctx context.Context, id int64, errs []string) error

	EnqueueDownload(ctx context.Context, remoteID string, inode uint64, priority int) error
	RemoveDownload(ctx context.Context, remoteID string) error
}

// Cache is the subset of internal/cache.Cache the processor depends on.
type Cache interface {
	Open(remoteID string) (io.ReadCloser, int64, error)
	Commit(tempPath, remoteID string) error
	StageWrite(remoteID string) (string, error)
	Rekey(oldID, newID string) error
	Evict(remoteID string) error
}

// Config holds the processor's tunables, sourced from internal/config.
type Config struct {
	DownloadFolders           []string
	LargeUploadThresholdBytes int64
	Retry                     retry.Config
}

// Processor is the Sync Processor (C6).
type Processor struct {
	store  Store
	remote remote.RemoteClient
	cache  Cache
	cfg    Config
}

// New creates a Processor over the given collaborators.
func New(store Store, client remote.RemoteClient, cache Cache, cfg Config) *Processor {
	return &Processor{store: store, remote: client, cache: cache, cfg: cfg}
}

// RunTick drains the remote queue to a terminal status and then the
// local queue, in that strict order (§4.6: "this priority is a hard
// rule because remote state is authoritative during conflict
// resolution").
func (p *Processor) RunTick(ctx context.Context) error {
	if err := p.runRemotePhase(ctx); err != nil {
		return fmt.Errorf("sync: remote phase: %w", err)
	}
	if err := p.runLocalPhase(ctx); err != nil {
		return fmt.Errorf("sync: local phase: %w", err)
	}
	return nil
}

func (p *Processor) runRemotePhase(ctx context.Context) error {
	pending, err := p.store.ListPending(ctx, models.ChangeRemote)
	if err != nil {
		return err
	}
	for _, pi := range pending {
		if err := p.processRemoteItem(ctx, pi); err != nil {
			logging.Error("remote processing item failed", logging.Int64("id", pi.ID), logging.Err(err))
		}
	}
	return nil
}

func (p *Processor) runLocalPhase(ctx context.Context) error {
	pending, err := p.store.ListPending(ctx, models.ChangeLocal)
	if err != nil {
		return err
	}
	squashed := squashLocal(pending)

	// An item whose records cancel out entirely (a create undone by a
	// delete) has nothing left to apply; close its records here.
	live := make(map[uint64]bool, len(squashed))
	for _, pi := range squashed {
		live[pi.Inode] = true
	}
	for _, pi := range pending {
		if !live[pi.Inode] {
			if err := p.store.UpdateStatus(ctx, pi.ID, models.StatusDone, pi.RetryCount); err != nil {
				return err
			}
		}
	}

	for _, pi := range squashed {
		if err := p.processLocalItem(ctx, pi); err != nil {
			logging.Error("local processing item failed", logging.Int64("id", pi.ID), logging.Err(err))
		}
	}
	return nil
}

// processRemoteItem carries one ProcessingItem from new/validated to a
// terminal status: detect conflicts, auto-resolve the two shapes that
// can be, surface the rest, and otherwise apply the operation.
func (p *Processor) processRemoteItem(ctx context.Context, pi *models.ProcessingItem) error {
	tags, err := p.detectRemoteConflicts(ctx, pi)
	if err != nil {
		return p.fail(ctx, pi, err)
	}

	if hasAutoResolvable(tags) {
		if err := p.autoResolve(ctx, pi.Payload.ParentRemoteID); err != nil {
			return p.fail(ctx, pi, err)
		}
		tags, err = p.detectRemoteConflicts(ctx, pi)
		if err != nil {
			return p.fail(ctx, pi, err)
		}
	}

	for _, t := range tags {
		metrics.RecordConflict(string(t), t.autoResolvable())
	}

	if len(unresolved(tags)) > 0 {
		return p.markConflicted(ctx, pi, unresolved(tags))
	}

	if err := p.applyRemoteOp(ctx, pi); err != nil {
		return p.fail(ctx, pi, err)
	}
	return p.markDone(ctx, pi)
}

// processLocalItem mirrors processRemoteItem for the local phase, run
// after every remote ProcessingItem this tick has already reached a
// terminal status.
func (p *Processor) processLocalItem(ctx context.Context, pi *models.ProcessingItem) error {
	tags, err := p.detectLocalConflicts(ctx, pi)
	if err != nil {
		return p.fail(ctx, pi, err)
	}
	for _, t := range tags {
		metrics.RecordConflict(string(t), false)
	}
	if len(tags) > 0 {
		if existing, lookupErr := p.store.GetByRemoteID(ctx, pi.RemoteID); lookupErr == nil && hasModifyOnModified(tags) {
			// Both sides hold valid, differing content: never drop either
			// silently (§4.6.3 addition) — materialize the local side as a
			// conflict-copy sibling, then let the remote side win the
			// original name/identity.
			if err := p.materializeConflictCopy(ctx, existing, pi.Payload); err != nil {
				return p.fail(ctx, pi, err)
			}
		}
		return p.markConflicted(ctx, pi, tags)
	}

	if err := p.applyLocalOp(ctx, pi); err != nil {
		return p.fail(ctx, pi, err)
	}
	return p.markDone(ctx, pi)
}

func hasModifyOnModified(tags []ConflictTag) bool {
	for _, t := range tags {
		if t == TagModifyOnModified {
			return true
		}
	}
	return false
}

func unresolved(tags []ConflictTag) []ConflictTag {
	var out []ConflictTag
	for _, t := range tags {
		if !t.autoResolvable() {
			out = append(out, t)
		}
	}
	return out
}

func (p *Processor) markDone(ctx context.Context, pi *models.ProcessingItem) error {
	metrics.RecordProcessingItem(string(pi.ChangeType), string(pi.Op), string(models.StatusDone))
	return p.store.UpdateStatus(ctx, pi.ID, models.StatusDone, pi.RetryCount)
}

func (p *Processor) markConflicted(ctx context.Context, pi *models.ProcessingItem, tags []ConflictTag) error {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = string(t)
	}
	if err := p.store.SetValidationErrors(ctx, pi.ID, names); err != nil {
		return err
	}
	metrics.RecordProcessingItem(string(pi.ChangeType), string(pi.Op), string(models.StatusConflicted))
	if it, err := p.store.GetByRemoteID(ctx, pi.RemoteID); err == nil {
		it.SyncState = models.SyncStateConflicted
		_ = p.store.Upsert(ctx, it)
	}
	return p.store.UpdateStatus(ctx, pi.ID, models.StatusConflicted, pi.RetryCount)
}

// fail classifies err and either re-queues the item as "new" with an
// incremented retry counter (transient/auth, §7) or terminates it at
// "error" (everything else), never losing the queue entry either way
// so a rerun is always possible. A re-queued item is picked up again on
// the next tick: no backoff delay is applied, and the retry counter is
// not checked against a maximum.
func (p *Processor) fail(ctx context.Context, pi *models.ProcessingItem, err error) error {
	status := models.StatusError
	retryCount := pi.RetryCount
	if remote.Retryable(err) || retry.IsRetryable(err) {
		status = models.StatusNew
		retryCount++
	}

	if setErr := p.store.SetValidationErrors(ctx, pi.ID, []string{err.Error()}); setErr != nil {
		logging.Error("set validation errors failed", logging.Err(setErr))
	}
	metrics.RecordProcessingItem(string(pi.ChangeType), string(pi.Op), string(status))
	if updErr := p.store.UpdateStatus(ctx, pi.ID, status, retryCount); updErr != nil {
		return updErr
	}
	return err
}

// isUnderDownloadFolder reports whether virtualPath falls under one of
// the configured auto-download folders (§4.6.4: "configured download
// folder"); an empty configuration means everything stays on-demand.
func isUnderDownloadFolder(virtualPath string, folders []string) bool {
	for _, f := range folders {
		f = strings.TrimSuffix(f, "/")
		if f == "" {
			continue
		}
		if virtualPath == f || strings.HasPrefix(virtualPath, f+"/") {
			return true
		}
	}
	return false
}
