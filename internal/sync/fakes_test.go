package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/onedrived/onedrived/internal/models"
	"github.com/onedrived/onedrived/internal/remote"
)

// fakeStore is a minimal in-memory stand-in for internal/store.Store,
// narrow enough to exercise the processor's squash/conflict/apply logic
// without a real SQLite database.
type fakeStore struct {
	items      map[string]*models.Item
	nextInode  uint64
	processing []*models.ProcessingItem
	nextProcID int64
	downloads  map[string]*models.DownloadQueueEntry
}

func newFakeStore() *fakeStore {
	root := &models.Item{
		RemoteID: "root", Inode: models.RootInode, Kind: models.KindFolder,
		Source: models.SourceRemote, SyncState: models.SyncStateSynced, DownloadState: models.DownloadPresent,
	}
	return &fakeStore{
		items:     map[string]*models.Item{"root": root},
		nextInode: models.RootInode + 1,
		downloads: map[string]*models.DownloadQueueEntry{},
	}
}

func (s *fakeStore) clone(it *models.Item) *models.Item {
	c := *it
	c.VirtualPath = s.virtualPath(&c)
	return &c
}

func (s *fakeStore) virtualPath(it *models.Item) string {
	if it.Inode == models.RootInode {
		return "/"
	}
	var segs []string
	cur := it
	for {
		segs = append([]string{cur.Name}, segs...)
		if cur.ParentRemoteID == "" || cur.ParentRemoteID == "root" {
			break
		}
		parent, ok := s.items[cur.ParentRemoteID]
		if !ok {
			break
		}
		cur = parent
	}
	return "/" + joinSlash(segs)
}

func joinSlash(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

func (s *fakeStore) GetByRemoteID(ctx context.Context, remoteID string) (*models.Item, error) {
	it, ok := s.items[remoteID]
	if !ok {
		return nil, fmt.Errorf("not found: %s", remoteID)
	}
	return s.clone(it), nil
}

func (s *fakeStore) GetByParentAndName(ctx context.Context, parentRemoteID, name string) (*models.Item, error) {
	for _, it := range s.items {
		if it.ParentRemoteID == parentRemoteID && it.Name == name && !it.Deleted {
			return s.clone(it), nil
		}
	}
	return nil, fmt.Errorf("no child named %q in %s", name, parentRemoteID)
}

func (s *fakeStore) ListChildren(ctx context.Context, parentRemoteID string) ([]*models.Item, error) {
	var out []*models.Item
	for _, it := range s.items {
		if it.ParentRemoteID == parentRemoteID && !it.Deleted {
			out = append(out, s.clone(it))
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, it *models.Item) error {
	existing, ok := s.items[it.RemoteID]
	if !ok {
		it.Inode = s.nextInode
		s.nextInode++
		cp := *it
		s.items[it.RemoteID] = &cp
		return nil
	}
	it.Inode = existing.Inode
	cp := *it
	s.items[it.RemoteID] = &cp
	return nil
}

func (s *fakeStore) MarkDeleted(ctx context.Context, remoteID string) error {
	it, ok := s.items[remoteID]
	if !ok {
		return fmt.Errorf("not found: %s", remoteID)
	}
	it.Deleted = true
	return nil
}

func (s *fakeStore) Rekey(ctx context.Context, oldRemoteID, newRemoteID string) error {
	it, ok := s.items[oldRemoteID]
	if !ok {
		return fmt.Errorf("not found: %s", oldRemoteID)
	}
	delete(s.items, oldRemoteID)
	it.RemoteID = newRemoteID
	s.items[newRemoteID] = it
	for _, pi := range s.processing {
		if pi.RemoteID == oldRemoteID {
			pi.RemoteID = newRemoteID
		}
	}
	if e, ok := s.downloads[oldRemoteID]; ok {
		delete(s.downloads, oldRemoteID)
		s.downloads[newRemoteID] = e
	}
	return nil
}

func (s *fakeStore) EnqueueProcessing(ctx context.Context, op models.Op, changeType models.ChangeType, snapshot models.ItemSnapshot) (int64, error) {
	s.nextProcID++
	s.processing = append(s.processing, &models.ProcessingItem{
		ID: s.nextProcID, RemoteID: snapshot.RemoteID, Inode: snapshot.Inode,
		Op: op, ChangeType: changeType, Status: models.StatusNew, Payload: snapshot,
	})
	return s.nextProcID, nil
}

func (s *fakeStore) ListPending(ctx context.Context, changeType models.ChangeType) ([]*models.ProcessingItem, error) {
	var out []*models.ProcessingItem
	for _, pi := range s.processing {
		if pi.ChangeType == changeType && !pi.Status.IsTerminal() {
			out = append(out, pi)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id int64, status models.ProcessingStatus, retryCount int) error {
	for _, pi := range s.processing {
		if pi.ID == id {
			pi.Status = status
			pi.RetryCount = retryCount
			return nil
		}
	}
	return fmt.Errorf("processing item %d not found", id)
}

func (s *fakeStore) SetValidationErrors(ctx context.Context, id int64, errs []string) error {
	for _, pi := range s.processing {
		if pi.ID == id {
			pi.ValidationErrors = errs
			return nil
		}
	}
	return fmt.Errorf("processing item %d not found", id)
}

func (s *fakeStore) EnqueueDownload(ctx context.Context, remoteID string, inode uint64, priority int) error {
	s.downloads[remoteID] = &models.DownloadQueueEntry{RemoteID: remoteID, LocalInode: inode, Priority: priority, Status: models.DownloadPending}
	return nil
}

func (s *fakeStore) RemoveDownload(ctx context.Context, remoteID string) error {
	delete(s.downloads, remoteID)
	return nil
}

// fakeCache is a minimal in-memory stand-in for internal/cache.Cache.
type fakeCache struct {
	blobs map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{blobs: map[string][]byte{}} }

func (c *fakeCache) Open(remoteID string) (io.ReadCloser, int64, error) {
	b, ok := c.blobs[remoteID]
	if !ok {
		return nil, 0, fmt.Errorf("no blob for %s", remoteID)
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (c *fakeCache) StageWrite(remoteID string) (string, error) { return remoteID + ".tmp", nil }

func (c *fakeCache) Commit(tempPath, remoteID string) error { return nil }

func (c *fakeCache) Rekey(oldID, newID string) error {
	if b, ok := c.blobs[oldID]; ok {
		delete(c.blobs, oldID)
		c.blobs[newID] = b
	}
	return nil
}

func (c *fakeCache) Evict(remoteID string) error {
	delete(c.blobs, remoteID)
	return nil
}

func (c *fakeCache) put(remoteID string, content string) { c.blobs[remoteID] = []byte(content) }

// fakeRemote is a minimal in-memory stand-in for remote.RemoteClient.
type fakeRemote struct {
	items       map[string]remote.Item
	nextID      int
	deleteCalls []string
	patchCalls  []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: map[string]remote.Item{}}
}

func (r *fakeRemote) Delta(ctx context.Context, cursor string) ([]remote.Item, string, error) {
	return nil, cursor, nil
}

func (r *fakeRemote) GetItem(ctx context.Context, remoteID string) (remote.Item, error) {
	it, ok := r.items[remoteID]
	if !ok {
		return remote.Item{}, remote.NewError(remote.NotFound, "get_item", fmt.Errorf("%s", remoteID))
	}
	return it, nil
}

func (r *fakeRemote) ListChildren(ctx context.Context, remoteID string) ([]remote.Item, error) {
	return nil, nil
}

func (r *fakeRemote) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	return nil, nil
}

func (r *fakeRemote) DownloadRange(ctx context.Context, remoteID string, offset, length int64) (io.ReadCloser, error) {
	return nil, nil
}

func (r *fakeRemote) mint(parentID, name string, size int64, kind models.Kind) remote.Item {
	r.nextID++
	it := remote.Item{
		RemoteID: fmt.Sprintf("R%d", r.nextID), ParentRemoteID: parentID, Name: name,
		Kind: kind, Size: size, ETag: fmt.Sprintf("etag-%d", r.nextID), CTag: fmt.Sprintf("ctag-%d", r.nextID),
	}
	r.items[it.RemoteID] = it
	return it
}

func (r *fakeRemote) UploadSmall(ctx context.Context, parentID, name string, content io.Reader, size int64) (remote.Item, error) {
	return r.mint(parentID, name, size, models.KindFile), nil
}

func (r *fakeRemote) UploadLarge(ctx context.Context, parentID, name string, content io.Reader, size int64) (remote.Item, error) {
	return r.mint(parentID, name, size, models.KindFile), nil
}

func (r *fakeRemote) CreateFolder(ctx context.Context, parentID, name string) (remote.Item, error) {
	return r.mint(parentID, name, 0, models.KindFolder), nil
}

func (r *fakeRemote) Patch(ctx context.Context, remoteID string, patch remote.Patch) (remote.Item, error) {
	r.patchCalls = append(r.patchCalls, remoteID)
	it, ok := r.items[remoteID]
	if !ok {
		it = remote.Item{RemoteID: remoteID}
	}
	if patch.Name != nil {
		it.Name = *patch.Name
	}
	if patch.ParentID != nil {
		it.ParentRemoteID = *patch.ParentID
	}
	it.ETag = it.ETag + "-patched"
	r.items[remoteID] = it
	return it, nil
}

func (r *fakeRemote) Delete(ctx context.Context, remoteID string) error {
	r.deleteCalls = append(r.deleteCalls, remoteID)
	delete(r.items, remoteID)
	return nil
}

var _ remote.RemoteClient = (*fakeRemote)(nil)
