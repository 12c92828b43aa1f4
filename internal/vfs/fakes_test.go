package vfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/onedrived/onedrived/internal/models"
)

// fakeStore is a minimal in-memory stand-in for internal/store.Store,
// narrow enough to exercise the FUSE surface's Bridge and Node logic
// without a real SQLite database, in the style of internal/sync's own
// fakeStore.
type fakeStore struct {
	items      map[string]*models.Item
	nextInode  uint64
	processing []*models.ProcessingItem
	nextProcID int64
	downloads  map[string]bool
}

func newFakeStore() *fakeStore {
	root := &models.Item{
		RemoteID: "root", Inode: models.RootInode, Kind: models.KindFolder,
		Source: models.SourceRemote, SyncState: models.SyncStateSynced, DownloadState: models.DownloadPresent,
	}
	return &fakeStore{
		items:     map[string]*models.Item{"root": root},
		nextInode: models.RootInode + 1,
		downloads: map[string]bool{},
	}
}

func (s *fakeStore) clone(it *models.Item) *models.Item {
	c := *it
	return &c
}

func (s *fakeStore) GetByInode(ctx context.Context, inode uint64) (*models.Item, error) {
	for _, it := range s.items {
		if it.Inode == inode && !it.Deleted {
			return s.clone(it), nil
		}
	}
	return nil, fmt.Errorf("no item with inode %d", inode)
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
		s.nextInode++
		it.Inode = s.nextInode
		cp := *it
		s.items[it.RemoteID] = &cp
		return nil
	}
	if it.Inode == 0 {
		it.Inode = existing.Inode
	}
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

func (s *fakeStore) EnqueueProcessing(ctx context.Context, op models.Op, changeType models.ChangeType, snapshot models.ItemSnapshot) (int64, error) {
	s.nextProcID++
	s.processing = append(s.processing, &models.ProcessingItem{
		ID: s.nextProcID, RemoteID: snapshot.RemoteID, Inode: snapshot.Inode,
		Op: op, ChangeType: changeType, Status: models.StatusNew, Payload: snapshot,
	})
	return s.nextProcID, nil
}

func (s *fakeStore) EnqueueDownload(ctx context.Context, remoteID string, inode uint64, priority int) error {
	s.downloads[remoteID] = true
	return nil
}

func (s *fakeStore) RemoveDownload(ctx context.Context, remoteID string) error {
	delete(s.downloads, remoteID)
	return nil
}

// fakeCache is a minimal in-memory stand-in for internal/cache.Cache.
type fakeCache struct {
	blobs  map[string][]byte
	pinned map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{blobs: map[string][]byte{}, pinned: map[string]int{}}
}

func (c *fakeCache) Read(remoteID string, offset int64, dest []byte) (int, error) {
	b, ok := c.blobs[remoteID]
	if !ok {
		return 0, fmt.Errorf("no blob for %s", remoteID)
	}
	if offset >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(dest, b[offset:])
	return n, nil
}

// StageWrite creates a real temp file on disk, since node.go writes to
// the path it returns with plain os calls rather than going back
// through the Cache interface.
func (c *fakeCache) StageWrite(remoteID string) (string, error) {
	f, err := os.CreateTemp("", "vfs-fake-stage-*")
	if err != nil {
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

func (c *fakeCache) Commit(tempPath, remoteID string) error {
	b, err := os.ReadFile(tempPath)
	if err != nil {
		return err
	}
	os.Remove(tempPath)
	c.blobs[remoteID] = b
	return nil
}

func (c *fakeCache) Evict(remoteID string) error {
	delete(c.blobs, remoteID)
	return nil
}

func (c *fakeCache) Size(remoteID string) (int64, bool) {
	b, ok := c.blobs[remoteID]
	return int64(len(b)), ok
}

func (c *fakeCache) Has(remoteID string) bool {
	_, ok := c.blobs[remoteID]
	return ok
}

func (c *fakeCache) Pin(remoteID string)   { c.pinned[remoteID]++ }
func (c *fakeCache) Unpin(remoteID string) { c.pinned[remoteID]-- }

func (c *fakeCache) put(remoteID string, content string) { c.blobs[remoteID] = []byte(content) }

// fakeRemote is a minimal in-memory stand-in for the FUSE surface's
// RemoteClient subset.
type fakeRemote struct {
	content map[string]string
}

func newFakeRemote() *fakeRemote { return &fakeRemote{content: map[string]string{}} }

func (r *fakeRemote) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	body, ok := r.content[remoteID]
	if !ok {
		return nil, fmt.Errorf("no remote content for %s", remoteID)
	}
	return io.NopCloser(bytes.NewReader([]byte(body))), nil
}

var (
	_ Store        = (*fakeStore)(nil)
	_ Cache        = (*fakeCache)(nil)
	_ RemoteClient = (*fakeRemote)(nil)
)
