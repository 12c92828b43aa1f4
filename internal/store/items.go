package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onedrived/onedrived/internal/metrics"
	"github.com/onedrived/onedrived/internal/models"
)

type itemStatements struct {
	getByInode     *sql.Stmt
	getByRemoteID  *sql.Stmt
	getByParent    *sql.Stmt
	listChildren   *sql.Stmt
	insert         *sql.Stmt
	update         *sql.Stmt
	markDeleted    *sql.Stmt
	rekeyRemoteID  *sql.Stmt
	countChildren  *sql.Stmt
	countAllActive *sql.Stmt
}

const itemColumns = `inode, remote_id, parent_remote_id, name, kind, size, etag, ctag,
	hash, mtime, ctime, source, sync_state, download_state, conflict_copy_of,
	deleted, created_at, updated_at`

func (s *Store) prepareItemStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.getByInode, `SELECT ` + itemColumns + ` FROM items WHERE inode = ?`, "getByInode"},
		{&s.itemStmts.getByRemoteID, `SELECT ` + itemColumns + ` FROM items WHERE remote_id = ?`, "getByRemoteID"},
		{&s.itemStmts.getByParent, `SELECT ` + itemColumns + ` FROM items WHERE parent_remote_id = ? AND name = ? AND deleted = 0`, "getByParentAndName"},
		{&s.itemStmts.listChildren, `SELECT ` + itemColumns + ` FROM items WHERE parent_remote_id = ? AND deleted = 0 ORDER BY name`, "listChildren"},
		{&s.itemStmts.insert, `INSERT INTO items (remote_id, parent_remote_id, name, kind, size, etag, ctag,
			hash, mtime, ctime, source, sync_state, download_state, conflict_copy_of, deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`, "insertItem"},
		{&s.itemStmts.update, `UPDATE items SET parent_remote_id = ?, name = ?, kind = ?, size = ?, etag = ?, ctag = ?,
			hash = ?, mtime = ?, ctime = ?, source = ?, sync_state = ?, download_state = ?, conflict_copy_of = ?, deleted = ?, updated_at = ?
			WHERE remote_id = ?`, "updateItem"},
		{&s.itemStmts.markDeleted, `UPDATE items SET deleted = 1, sync_state = ?, updated_at = ? WHERE remote_id = ?`, "markDeleted"},
		{&s.itemStmts.rekeyRemoteID, `UPDATE items SET remote_id = ?, updated_at = ? WHERE remote_id = ?`, "rekeyRemoteID"},
		{&s.itemStmts.countChildren, `SELECT COUNT(*) FROM items WHERE parent_remote_id = ? AND deleted = 0`, "countChildren"},
		{&s.itemStmts.countAllActive, `SELECT COUNT(*) FROM items WHERE deleted = 0`, "countAllActive"},
	})
}

func scanItem(row interface{ Scan(...interface{}) error }) (*models.Item, error) {
	var it models.Item
	var parentRemoteID sql.NullString
	var mtime, ctime, createdAt, updatedAt int64
	var deleted int

	if err := row.Scan(
		&it.Inode, &it.RemoteID, &parentRemoteID, &it.Name, &it.Kind, &it.Size,
		&it.ETag, &it.CTag, &it.Hash, &mtime, &ctime,
		&it.Source, &it.SyncState, &it.DownloadState, &it.ConflictCopyOf,
		&deleted, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if parentRemoteID.Valid {
		it.ParentRemoteID = parentRemoteID.String
	}
	it.MTime = timeFromUnix(mtime)
	it.CTime = timeFromUnix(ctime)
	it.Deleted = deleted != 0
	return &it, nil
}

// resolveParentInode and virtual path are computed lazily rather than
// stored, so a rename never needs to cascade an update through a whole
// subtree (I2/I4 stay satisfied by name/inode alone).

func (s *Store) resolveParentInode(ctx context.Context, parentRemoteID string) (uint64, error) {
	if parentRemoteID == "" {
		return 0, nil
	}
	parent, err := s.GetByRemoteID(ctx, parentRemoteID)
	if err != nil {
		return 0, err
	}
	return parent.Inode, nil
}

// virtualPath walks the parent chain from it up to the root, joining
// names with "/" (§3: VirtualPath is derived, never stored).
func (s *Store) virtualPath(ctx context.Context, it *models.Item) (string, error) {
	if it.IsRoot() {
		return "/", nil
	}

	var segments []string
	cur := it
	for {
		segments = append([]string{cur.Name}, segments...)
		if cur.ParentRemoteID == "" || cur.Inode == models.RootInode {
			break
		}
		parent, err := s.GetByRemoteID(ctx, cur.ParentRemoteID)
		if err != nil {
			return "", fmt.Errorf("virtual path: resolve parent %s: %w", cur.ParentRemoteID, err)
		}
		if parent.IsRoot() {
			break
		}
		cur = parent
	}
	return "/" + joinPath(segments), nil
}

func joinPath(segments []string) string {
	out := ""
	for i, seg := range segments {
		if i > 0 {
			out += "/"
		}
		out += seg
	}
	return out
}

func (s *Store) hydrate(ctx context.Context, it *models.Item) (*models.Item, error) {
	parentInode, err := s.resolveParentInode(ctx, it.ParentRemoteID)
	if err != nil {
		return nil, err
	}
	it.ParentInode = parentInode

	vp, err := s.virtualPath(ctx, it)
	if err != nil {
		return nil, err
	}
	it.VirtualPath = vp
	return it, nil
}

// GetByInode returns the item with the given inode (I4).
func (s *Store) GetByInode(ctx context.Context, inode uint64) (*models.Item, error) {
	if v, ok := s.cache.get(cacheKeyInode(inode)); ok {
		return v.(*models.Item), nil
	}
	start := time.Now()
	defer recordQuery("get_by_inode", start)

	it, err := scanItem(s.itemStmts.getByInode.QueryRowContext(ctx, inode))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item with inode %d not found", inode)
	}
	if err != nil {
		return nil, err
	}
	it, err = s.hydrate(ctx, it)
	if err != nil {
		return nil, err
	}
	s.cache.put(cacheKeyInode(inode), it)
	s.cache.put(cacheKeyRemoteID(it.RemoteID), it)
	return it, nil
}

// GetByRemoteID returns the item with the given remote id.
func (s *Store) GetByRemoteID(ctx context.Context, remoteID string) (*models.Item, error) {
	if v, ok := s.cache.get(cacheKeyRemoteID(remoteID)); ok {
		return v.(*models.Item), nil
	}
	start := time.Now()
	defer recordQuery("get_by_remote_id", start)

	it, err := scanItem(s.itemStmts.getByRemoteID.QueryRowContext(ctx, remoteID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item with remote id %s not found", remoteID)
	}
	if err != nil {
		return nil, err
	}
	it, err = s.hydrate(ctx, it)
	if err != nil {
		return nil, err
	}
	s.cache.put(cacheKeyInode(it.Inode), it)
	s.cache.put(cacheKeyRemoteID(remoteID), it)
	return it, nil
}

// GetByParentAndName returns the live child of parentRemoteID named
// name, or a nil item and a plain not-found error (it does not wrap
// sql.ErrNoRows) when there is none.
func (s *Store) GetByParentAndName(ctx context.Context, parentRemoteID, name string) (*models.Item, error) {
	start := time.Now()
	defer recordQuery("get_by_parent_and_name", start)

	it, err := scanItem(s.itemStmts.getByParent.QueryRowContext(ctx, parentRemoteID, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no child named %q in %s", name, parentRemoteID)
	}
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, it)
}

// GetByPath resolves a virtual path by walking it component by
// component from the root — the store keeps no denormalized path
// index, so this costs one query per path segment.
func (s *Store) GetByPath(ctx context.Context, path string) (*models.Item, error) {
	start := time.Now()
	defer recordQuery("get_by_path", start)

	if path == "" || path == "/" {
		return s.GetByInode(ctx, models.RootInode)
	}

	cur, err := s.GetByInode(ctx, models.RootInode)
	if err != nil {
		return nil, err
	}
	for _, seg := range splitPath(path) {
		cur, err = s.GetByParentAndName(ctx, cur.RemoteID, seg)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// ListChildren returns the live children of parentRemoteID, ordered by
// name (I2 guarantees no duplicate names among them).
func (s *Store) ListChildren(ctx context.Context, parentRemoteID string) ([]*models.Item, error) {
	start := time.Now()
	defer recordQuery("list_children", start)

	rows, err := s.itemStmts.listChildren.QueryContext(ctx, parentRemoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// hydrate runs queries of its own; release the single connection rows
	// holds before issuing them.
	rows.Close()
	for i, it := range out {
		if out[i], err = s.hydrate(ctx, it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Upsert inserts a new item or updates the existing row for its
// RemoteID, checking I6 (a temp RemoteID implies Source == SourceLocal)
// before writing. I2 (unique name per parent) is not checked here; the
// items table's unique index rejects a clashing write.
func (s *Store) Upsert(ctx context.Context, it *models.Item) error {
	if models.IsTempID(it.RemoteID) && it.Source != models.SourceLocal {
		return fmt.Errorf("upsert %s: temp ids may only be authored locally (I6)", it.RemoteID)
	}

	start := time.Now()
	defer recordQuery("upsert_item", start)

	now := time.Now()
	existing, err := s.GetByRemoteID(ctx, it.RemoteID)
	if err != nil {
		return s.insertItem(ctx, it, now)
	}
	it.Inode = existing.Inode
	return s.updateItem(ctx, it, now)
}

func (s *Store) insertItem(ctx context.Context, it *models.Item, now time.Time) error {
	res, err := s.itemStmts.insert.ExecContext(ctx,
		it.RemoteID, nullableParent(it.ParentRemoteID), it.Name, it.Kind, it.Size,
		it.ETag, it.CTag, it.Hash, unixTime(it.MTime), unixTime(it.CTime),
		it.Source, it.SyncState, it.DownloadState, it.ConflictCopyOf,
		unixTime(now), unixTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.RemoteID, err)
	}
	inode, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert item %s: read inode: %w", it.RemoteID, err)
	}
	it.Inode = uint64(inode)
	s.cache.invalidate(cacheKeyRemoteID(it.RemoteID))
	metrics.SetStoreItems(s.countActive(ctx))
	return nil
}

func (s *Store) updateItem(ctx context.Context, it *models.Item, now time.Time) error {
	_, err := s.itemStmts.update.ExecContext(ctx,
		nullableParent(it.ParentRemoteID), it.Name, it.Kind, it.Size,
		it.ETag, it.CTag, it.Hash, unixTime(it.MTime), unixTime(it.CTime),
		it.Source, it.SyncState, it.DownloadState, it.ConflictCopyOf,
		it.Deleted, unixTime(now), it.RemoteID,
	)
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.RemoteID, err)
	}
	s.cache.invalidate(cacheKeyRemoteID(it.RemoteID))
	s.cache.invalidate(cacheKeyInode(it.Inode))
	return nil
}

// MarkDeleted soft-deletes an item, freeing its (parent, name) slot for
// reuse while leaving its inode retired, never reassigned (I4).
func (s *Store) MarkDeleted(ctx context.Context, remoteID string) error {
	start := time.Now()
	defer recordQuery("mark_deleted", start)

	it, err := s.GetByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}
	if _, err := s.itemStmts.markDeleted.ExecContext(ctx, models.SyncStateSynced, unixTime(time.Now()), remoteID); err != nil {
		return fmt.Errorf("mark deleted %s: %w", remoteID, err)
	}
	s.cache.invalidate(cacheKeyRemoteID(remoteID))
	s.cache.invalidate(cacheKeyInode(it.Inode))
	metrics.SetStoreItems(s.countActive(ctx))
	return nil
}

// Rekey replaces a locally-minted temp RemoteID with the server-assigned
// one once a create upload completes (I5/I6), preserving the row's
// inode and all other state.
func (s *Store) Rekey(ctx context.Context, oldRemoteID, newRemoteID string) error {
	if !models.IsTempID(oldRemoteID) {
		return fmt.Errorf("rekey: %s is not a temp id", oldRemoteID)
	}
	start := time.Now()
	defer recordQuery("rekey_item", start)

	it, err := s.GetByRemoteID(ctx, oldRemoteID)
	if err != nil {
		return err
	}
	if _, err := s.itemStmts.rekeyRemoteID.ExecContext(ctx, newRemoteID, unixTime(time.Now()), oldRemoteID); err != nil {
		return fmt.Errorf("rekey %s -> %s: %w", oldRemoteID, newRemoteID, err)
	}
	// Processing/download queue rows reference the old remote id; rewrite
	// them in the same logical operation so no queued entry orphans.
	if err := s.rekeyQueues(ctx, oldRemoteID, newRemoteID); err != nil {
		return err
	}

	s.cache.invalidate(cacheKeyRemoteID(oldRemoteID))
	s.cache.invalidate(cacheKeyInode(it.Inode))
	return nil
}

func (s *Store) countActive(ctx context.Context) int64 {
	var n int64
	_ = s.itemStmts.countAllActive.QueryRowContext(ctx).Scan(&n)
	return n
}

func nullableParent(parentRemoteID string) interface{} {
	if parentRemoteID == "" {
		return nil
	}
	return parentRemoteID
}

func cacheKeyInode(inode uint64) string    { return fmt.Sprintf("inode:%d", inode) }
func cacheKeyRemoteID(id string) string    { return fmt.Sprintf("remote:%s", id) }
