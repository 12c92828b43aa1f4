package vfs

import (
	"context"
	"testing"
	"time"

	"github.com/onedrived/onedrived/internal/models"
)

func newTestBridge(t *testing.T) (*Bridge, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	b := NewBridge(store, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b, store
}

func TestBridge_CreateLocalInsertsRow(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()

	it := &models.Item{
		RemoteID: "temp:1", ParentRemoteID: "root", Name: "new.txt", Kind: models.KindFile,
		Source: models.SourceLocal, SyncState: models.SyncStateDirty, DownloadState: models.DownloadPresent,
	}
	created, err := b.CreateLocal(ctx, it)
	if err != nil {
		t.Fatalf("CreateLocal: %v", err)
	}
	if created.Inode == 0 {
		t.Errorf("expected an assigned inode, got 0")
	}
	if _, ok := store.items["temp:1"]; !ok {
		t.Errorf("expected store to contain the new item")
	}
}

func TestBridge_EnqueueCreateRecordsProcessingItem(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()

	snap := models.ItemSnapshot{RemoteID: "temp:1", ParentRemoteID: "root", Name: "new.txt", Kind: models.KindFile}
	if err := b.EnqueueCreate(ctx, snap); err != nil {
		t.Fatalf("EnqueueCreate: %v", err)
	}
	if len(store.processing) != 1 {
		t.Fatalf("expected 1 processing item, got %d", len(store.processing))
	}
	pi := store.processing[0]
	if pi.Op != models.OpCreate || pi.ChangeType != models.ChangeLocal {
		t.Errorf("unexpected processing item: %+v", pi)
	}
}

func TestBridge_EnqueueDeleteMarksRowDeleted(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()

	store.items["f1"] = &models.Item{RemoteID: "f1", ParentRemoteID: "root", Name: "gone.txt", Kind: models.KindFile, Inode: 42}

	snap := models.ItemSnapshot{RemoteID: "f1", ParentRemoteID: "root", Name: "gone.txt", Kind: models.KindFile}
	if err := b.EnqueueDelete(ctx, snap); err != nil {
		t.Fatalf("EnqueueDelete: %v", err)
	}
	if !store.items["f1"].Deleted {
		t.Errorf("expected item marked deleted")
	}
	if len(store.processing) != 1 || store.processing[0].Op != models.OpDelete {
		t.Errorf("expected a delete processing item, got %+v", store.processing)
	}
}

func TestBridge_EnqueueMoveOrRenameUpdatesStoreRowInline(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()

	store.items["f1"] = &models.Item{RemoteID: "f1", ParentRemoteID: "root", Name: "old.txt", Kind: models.KindFile, Inode: 7}

	snap := models.ItemSnapshot{RemoteID: "f1", ParentRemoteID: "root", Name: "renamed.txt", Kind: models.KindFile, MTime: time.Now()}
	if err := b.EnqueueMoveOrRename(ctx, models.OpRename, snap); err != nil {
		t.Fatalf("EnqueueMoveOrRename: %v", err)
	}
	if store.items["f1"].Name != "renamed.txt" {
		t.Errorf("expected store row renamed, got %q", store.items["f1"].Name)
	}
	if store.items["f1"].SyncState != models.SyncStateDirty {
		t.Errorf("expected SyncStateDirty after a local rename, got %q", store.items["f1"].SyncState)
	}
}

func TestBridge_MarkPresentClearsDownloadQueueEntry(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()

	store.items["f1"] = &models.Item{RemoteID: "f1", ParentRemoteID: "root", Name: "doc.txt", Kind: models.KindFile, Inode: 9}
	store.downloads["f1"] = true

	if err := b.MarkPresent(ctx, "f1", 128, "deadbeef"); err != nil {
		t.Fatalf("MarkPresent: %v", err)
	}
	it := store.items["f1"]
	if it.DownloadState != models.DownloadPresent || it.Size != 128 || it.Hash != "deadbeef" {
		t.Errorf("unexpected item state after MarkPresent: %+v", it)
	}
	if store.downloads["f1"] {
		t.Errorf("expected download queue entry removed")
	}
}
