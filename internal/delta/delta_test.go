package delta

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/onedrived/onedrived/internal/models"
	"github.com/onedrived/onedrived/internal/remote"
)

type fakeStore struct {
	cursor   models.DeltaCursor
	items    map[string]*models.Item
	enqueued []enqueuedCall
}

type enqueuedCall struct {
	op         models.Op
	changeType models.ChangeType
	snapshot   models.ItemSnapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]*models.Item)}
}

func (f *fakeStore) ReadCursor(ctx context.Context) (models.DeltaCursor, error) {
	return f.cursor, nil
}

func (f *fakeStore) WriteCursor(ctx context.Context, c models.DeltaCursor) error {
	f.cursor = c
	return nil
}

func (f *fakeStore) GetByRemoteID(ctx context.Context, remoteID string) (*models.Item, error) {
	it, ok := f.items[remoteID]
	if !ok {
		return nil, errors.New("not found")
	}
	return it, nil
}

func (f *fakeStore) EnqueueProcessing(ctx context.Context, op models.Op, changeType models.ChangeType, snapshot models.ItemSnapshot) (int64, error) {
	f.enqueued = append(f.enqueued, enqueuedCall{op, changeType, snapshot})
	return int64(len(f.enqueued)), nil
}

type fakeClient struct {
	items      []remote.Item
	nextCursor string
}

func (f *fakeClient) Delta(ctx context.Context, cursor string) ([]remote.Item, string, error) {
	return f.items, f.nextCursor, nil
}
func (f *fakeClient) GetItem(ctx context.Context, remoteID string) (remote.Item, error) { return remote.Item{}, nil }
func (f *fakeClient) ListChildren(ctx context.Context, remoteID string) ([]remote.Item, error) { return nil, nil }
func (f *fakeClient) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) { return nil, nil }
func (f *fakeClient) DownloadRange(ctx context.Context, remoteID string, offset, length int64) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeClient) UploadSmall(ctx context.Context, parentID, name string, content io.Reader, size int64) (remote.Item, error) {
	return remote.Item{}, nil
}
func (f *fakeClient) UploadLarge(ctx context.Context, parentID, name string, content io.Reader, size int64) (remote.Item, error) {
	return remote.Item{}, nil
}
func (f *fakeClient) CreateFolder(ctx context.Context, parentID, name string) (remote.Item, error) {
	return remote.Item{}, nil
}
func (f *fakeClient) Patch(ctx context.Context, remoteID string, patch remote.Patch) (remote.Item, error) {
	return remote.Item{}, nil
}
func (f *fakeClient) Delete(ctx context.Context, remoteID string) error { return nil }

func TestIngestor_ClassifiesNewItemAsCreate(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClient{items: []remote.Item{{RemoteID: "a1", ParentRemoteID: "root", Name: "a.txt"}}, nextCursor: "tok1"}
	in := New(cl, st)

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.enqueued) != 1 || st.enqueued[0].op != models.OpCreate {
		t.Fatalf("enqueued = %+v, want one create", st.enqueued)
	}
	if st.cursor.Token != "tok1" {
		t.Fatalf("cursor = %+v, want token tok1", st.cursor)
	}
}

func TestIngestor_ClassifiesDeleted(t *testing.T) {
	st := newFakeStore()
	st.items["a1"] = &models.Item{RemoteID: "a1", ParentRemoteID: "root", Name: "a.txt"}
	cl := &fakeClient{items: []remote.Item{{RemoteID: "a1", Deleted: true}}, nextCursor: "tok2"}
	in := New(cl, st)

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.enqueued) != 1 || st.enqueued[0].op != models.OpDelete {
		t.Fatalf("enqueued = %+v, want one delete", st.enqueued)
	}
}

func TestIngestor_ClassifiesMoveOverRename(t *testing.T) {
	st := newFakeStore()
	st.items["a1"] = &models.Item{RemoteID: "a1", ParentRemoteID: "folder1", Name: "old.txt"}
	cl := &fakeClient{items: []remote.Item{{RemoteID: "a1", ParentRemoteID: "folder2", Name: "new.txt"}}, nextCursor: "tok3"}
	in := New(cl, st)

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.enqueued[0].op != models.OpMove {
		t.Fatalf("op = %v, want move (parent change subsumes rename)", st.enqueued[0].op)
	}
	if st.enqueued[0].snapshot.OldParentRemoteID != "folder1" || st.enqueued[0].snapshot.OldName != "old.txt" {
		t.Fatalf("snapshot missing old identity: %+v", st.enqueued[0].snapshot)
	}
}

func TestIngestor_ClassifiesRenameOnly(t *testing.T) {
	st := newFakeStore()
	st.items["a1"] = &models.Item{RemoteID: "a1", ParentRemoteID: "folder1", Name: "old.txt"}
	cl := &fakeClient{items: []remote.Item{{RemoteID: "a1", ParentRemoteID: "folder1", Name: "new.txt"}}, nextCursor: "tok4"}
	in := New(cl, st)

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.enqueued[0].op != models.OpRename {
		t.Fatalf("op = %v, want rename", st.enqueued[0].op)
	}
}

func TestIngestor_ClassifiesUpdateWhenOnlyETagChanges(t *testing.T) {
	st := newFakeStore()
	st.items["a1"] = &models.Item{RemoteID: "a1", ParentRemoteID: "folder1", Name: "a.txt", ETag: "old-etag"}
	cl := &fakeClient{items: []remote.Item{{RemoteID: "a1", ParentRemoteID: "folder1", Name: "a.txt", ETag: "new-etag"}}, nextCursor: "tok5"}
	in := New(cl, st)

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.enqueued[0].op != models.OpUpdate {
		t.Fatalf("op = %v, want update", st.enqueued[0].op)
	}
}

func TestIngestor_CursorPersistedAfterEnqueue(t *testing.T) {
	st := newFakeStore()
	cl := &fakeClient{items: []remote.Item{
		{RemoteID: "a1", ParentRemoteID: "root", Name: "a.txt"},
		{RemoteID: "a2", ParentRemoteID: "root", Name: "b.txt"},
	}, nextCursor: "tok-final"}
	in := New(cl, st)

	before := time.Now()
	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.enqueued) != 2 {
		t.Fatalf("enqueued %d items, want 2", len(st.enqueued))
	}
	if st.cursor.Token != "tok-final" || st.cursor.LastSyncAt.Before(before) {
		t.Fatalf("cursor = %+v, want token tok-final with a fresh timestamp", st.cursor)
	}
}
