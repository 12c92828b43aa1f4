package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onedrived/onedrived/internal/metrics"
	"github.com/onedrived/onedrived/internal/models"
)

type processingStatements struct {
	insert          *sql.Stmt
	nextUnproc      *sql.Stmt
	listPending     *sql.Stmt
	updateStatus    *sql.Stmt
	setValidation   *sql.Stmt
	rekeyRemoteID   *sql.Stmt
	deleteOlderDone *sql.Stmt
}

type downloadStatements struct {
	upsert        *sql.Stmt
	get           *sql.Stmt
	updateStatus  *sql.Stmt
	rekeyRemoteID *sql.Stmt
	remove        *sql.Stmt
}

type cursorStatements struct {
	read  *sql.Stmt
	write *sql.Stmt
}

type profileStatements struct {
	get *sql.Stmt
	set *sql.Stmt
}

func (s *Store) prepareProcessingStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.processingStmts.insert, `INSERT INTO processing_items
			(remote_id, inode, op, change_type, status, validation_errors, retry_count, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '', 0, ?, ?, ?)`, "enqueueProcessing"},
		{&s.processingStmts.nextUnproc, `SELECT id, remote_id, inode, op, change_type, status, validation_errors,
			retry_count, payload, created_at, updated_at FROM processing_items
			WHERE status IN ('new', 'validated') ORDER BY id LIMIT 1`, "nextUnprocessed"},
		{&s.processingStmts.listPending, `SELECT id, remote_id, inode, op, change_type, status, validation_errors,
			retry_count, payload, created_at, updated_at FROM processing_items
			WHERE status IN ('new', 'validated') AND change_type = ? ORDER BY id`, "listPending"},
		{&s.processingStmts.updateStatus, `UPDATE processing_items SET status = ?, retry_count = ?, updated_at = ? WHERE id = ?`, "updateProcessingStatus"},
		{&s.processingStmts.setValidation, `UPDATE processing_items SET validation_errors = ?, updated_at = ? WHERE id = ?`, "setValidationErrors"},
		{&s.processingStmts.rekeyRemoteID, `UPDATE processing_items SET remote_id = ? WHERE remote_id = ?`, "rekeyProcessingRemoteID"},
		{&s.processingStmts.deleteOlderDone, `DELETE FROM processing_items WHERE status = 'done' AND updated_at < ?`, "sweepDoneProcessing"},
	})
}

func (s *Store) prepareDownloadStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.downloadStmts.upsert, `INSERT INTO download_queue (remote_id, inode, priority, status, retry_count, requested_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(remote_id) DO UPDATE SET inode = excluded.inode, priority = excluded.priority,
				status = excluded.status, updated_at = excluded.updated_at`, "upsertDownload"},
		{&s.downloadStmts.get, `SELECT remote_id, inode, priority, status, retry_count FROM download_queue WHERE remote_id = ?`, "getDownload"},
		{&s.downloadStmts.updateStatus, `UPDATE download_queue SET status = ?, retry_count = ?, updated_at = ? WHERE remote_id = ?`, "updateDownloadStatus"},
		{&s.downloadStmts.rekeyRemoteID, `UPDATE download_queue SET remote_id = ? WHERE remote_id = ?`, "rekeyDownloadRemoteID"},
		{&s.downloadStmts.remove, `DELETE FROM download_queue WHERE remote_id = ?`, "removeDownload"},
	})
}

func (s *Store) prepareCursorStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.cursorStmts.read, `SELECT token, last_sync_at FROM cursor WHERE id = 1`, "readCursor"},
		{&s.cursorStmts.write, `UPDATE cursor SET token = ?, last_sync_at = ? WHERE id = 1`, "writeCursor"},
	})
}

func (s *Store) prepareProfileStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.profileStmts.get, `SELECT drive_id, owner_name, quota_used, quota_total FROM profile WHERE id = 1`, "getProfile"},
		{&s.profileStmts.set, `UPDATE profile SET drive_id = ?, owner_name = ?, quota_used = ?, quota_total = ? WHERE id = 1`, "setProfile"},
	})
}

// EnqueueProcessing records a pending change from either side of the
// sync (§3). The payload snapshot is stored as JSON; processing items
// are few enough, and change shaped enough, that a generic blob column
// beats a wide sparse table of optional fields.
func (s *Store) EnqueueProcessing(ctx context.Context, op models.Op, changeType models.ChangeType, snapshot models.ItemSnapshot) (int64, error) {
	start := time.Now()
	defer recordQuery("enqueue_processing", start)

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal processing payload: %w", err)
	}
	now := unixTime(time.Now())
	res, err := s.processingStmts.insert.ExecContext(ctx, snapshot.RemoteID, snapshot.Inode, op, changeType, models.StatusNew, payload, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue processing item: %w", err)
	}
	metrics.RecordProcessingItem(string(changeType), string(op), string(models.StatusNew))
	return res.LastInsertId()
}

// NextUnprocessed returns the oldest non-terminal ProcessingItem, or nil
// if the queue is empty.
func (s *Store) NextUnprocessed(ctx context.Context) (*models.ProcessingItem, error) {
	start := time.Now()
	defer recordQuery("next_unprocessed", start)

	row := s.processingStmts.nextUnproc.QueryRowContext(ctx)
	item, err := scanProcessingItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func scanProcessingItem(row interface{ Scan(...interface{}) error }) (*models.ProcessingItem, error) {
	var it models.ProcessingItem
	var validationErrors string
	var payload []byte
	var createdAt, updatedAt int64

	if err := row.Scan(&it.ID, &it.RemoteID, &it.Inode, &it.Op, &it.ChangeType, &it.Status,
		&validationErrors, &it.RetryCount, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if validationErrors != "" {
		it.ValidationErrors = strings.Split(validationErrors, "\n")
	}
	if err := json.Unmarshal(payload, &it.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal processing payload %d: %w", it.ID, err)
	}
	it.CreatedAt = timeFromUnix(createdAt)
	it.UpdatedAt = timeFromUnix(updatedAt)
	return &it, nil
}

// ListPending returns every non-terminal ProcessingItem of changeType,
// oldest first, so the Sync Processor can run all remote items to a
// terminal status before touching any local one (§4.6).
func (s *Store) ListPending(ctx context.Context, changeType models.ChangeType) ([]*models.ProcessingItem, error) {
	start := time.Now()
	defer recordQuery("list_pending", start)

	rows, err := s.processingStmts.listPending.QueryContext(ctx, changeType)
	if err != nil {
		return nil, fmt.Errorf("list pending %s items: %w", changeType, err)
	}
	defer rows.Close()

	var out []*models.ProcessingItem
	for rows.Next() {
		item, err := scanProcessingItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a ProcessingItem's status and retry count
// (§4.6.5: retry accounting happens here, backoff timing lives in
// internal/retry).
func (s *Store) UpdateStatus(ctx context.Context, id int64, status models.ProcessingStatus, retryCount int) error {
	start := time.Now()
	defer recordQuery("update_processing_status", start)

	if _, err := s.processingStmts.updateStatus.ExecContext(ctx, status, retryCount, unixTime(time.Now()), id); err != nil {
		return fmt.Errorf("update processing item %d status: %w", id, err)
	}
	return nil
}

// SetValidationErrors records why a ProcessingItem failed validation.
func (s *Store) SetValidationErrors(ctx context.Context, id int64, errs []string) error {
	start := time.Now()
	defer recordQuery("set_validation_errors", start)

	if _, err := s.processingStmts.setValidation.ExecContext(ctx, strings.Join(errs, "\n"), unixTime(time.Now()), id); err != nil {
		return fmt.Errorf("set validation errors for %d: %w", id, err)
	}
	return nil
}

// HouseKeep removes terminal ('done') ProcessingItems older than
// olderThan, keeping the queue table from growing unbounded across a
// long-running daemon.
func (s *Store) HouseKeep(ctx context.Context, olderThan time.Duration) (int64, error) {
	start := time.Now()
	defer recordQuery("housekeep", start)

	cutoff := unixTime(time.Now().Add(-olderThan))
	res, err := s.processingStmts.deleteOlderDone.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("housekeep processing items: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) rekeyQueues(ctx context.Context, oldRemoteID, newRemoteID string) error {
	if _, err := s.processingStmts.rekeyRemoteID.ExecContext(ctx, newRemoteID, oldRemoteID); err != nil {
		return fmt.Errorf("rekey processing queue %s -> %s: %w", oldRemoteID, newRemoteID, err)
	}
	if _, err := s.downloadStmts.rekeyRemoteID.ExecContext(ctx, newRemoteID, oldRemoteID); err != nil {
		return fmt.Errorf("rekey download queue %s -> %s: %w", oldRemoteID, newRemoteID, err)
	}
	return nil
}

// EnqueueDownload requests (or re-requests) a content fetch for
// remoteID, at most one non-terminal entry per id (§3).
func (s *Store) EnqueueDownload(ctx context.Context, remoteID string, inode uint64, priority int) error {
	start := time.Now()
	defer recordQuery("enqueue_download", start)

	now := unixTime(time.Now())
	if _, err := s.downloadStmts.upsert.ExecContext(ctx, remoteID, inode, priority, models.DownloadPending, now, now); err != nil {
		return fmt.Errorf("enqueue download %s: %w", remoteID, err)
	}
	return nil
}

// GetDownload returns the queue entry for remoteID, or nil if absent.
func (s *Store) GetDownload(ctx context.Context, remoteID string) (*models.DownloadQueueEntry, error) {
	start := time.Now()
	defer recordQuery("get_download", start)

	var e models.DownloadQueueEntry
	err := s.downloadStmts.get.QueryRowContext(ctx, remoteID).Scan(&e.RemoteID, &e.LocalInode, &e.Priority, &e.Status, &e.RetryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateDownloadStatus transitions a DownloadQueueEntry's status.
func (s *Store) UpdateDownloadStatus(ctx context.Context, remoteID string, status models.DownloadStatus, retryCount int) error {
	start := time.Now()
	defer recordQuery("update_download_status", start)

	if _, err := s.downloadStmts.updateStatus.ExecContext(ctx, status, retryCount, unixTime(time.Now()), remoteID); err != nil {
		return fmt.Errorf("update download status %s: %w", remoteID, err)
	}
	return nil
}

// RemoveDownload deletes the queue entry for remoteID, used when a remote
// delete cascades and the file will never finish downloading (§4.6.4).
func (s *Store) RemoveDownload(ctx context.Context, remoteID string) error {
	start := time.Now()
	defer recordQuery("remove_download", start)

	if _, err := s.downloadStmts.remove.ExecContext(ctx, remoteID); err != nil {
		return fmt.Errorf("remove download %s: %w", remoteID, err)
	}
	return nil
}

// ReadCursor returns the persisted delta-stream bookmark.
func (s *Store) ReadCursor(ctx context.Context) (models.DeltaCursor, error) {
	start := time.Now()
	defer recordQuery("read_cursor", start)

	var c models.DeltaCursor
	var lastSync int64
	if err := s.cursorStmts.read.QueryRowContext(ctx).Scan(&c.Token, &lastSync); err != nil {
		return models.DeltaCursor{}, fmt.Errorf("read cursor: %w", err)
	}
	c.LastSyncAt = timeFromUnix(lastSync)
	return c, nil
}

// WriteCursor persists the delta-stream bookmark; the caller is
// responsible for only calling this after the corresponding page of
// changes has been durably committed (§4.5: at-least-once replay must
// stay idempotent if this ordering is violated by a crash).
func (s *Store) WriteCursor(ctx context.Context, c models.DeltaCursor) error {
	start := time.Now()
	defer recordQuery("write_cursor", start)

	if _, err := s.cursorStmts.write.ExecContext(ctx, c.Token, unixTime(c.LastSyncAt)); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// GetProfile returns the single-row account summary.
func (s *Store) GetProfile(ctx context.Context) (models.Profile, error) {
	start := time.Now()
	defer recordQuery("get_profile", start)

	var p models.Profile
	if err := s.profileStmts.get.QueryRowContext(ctx).Scan(&p.DriveID, &p.OwnerName, &p.QuotaUsed, &p.QuotaTotal); err != nil {
		return models.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// SetProfile overwrites the single-row account summary.
func (s *Store) SetProfile(ctx context.Context, p models.Profile) error {
	start := time.Now()
	defer recordQuery("set_profile", start)

	if _, err := s.profileStmts.set.ExecContext(ctx, p.DriveID, p.OwnerName, p.QuotaUsed, p.QuotaTotal); err != nil {
		return fmt.Errorf("set profile: %w", err)
	}
	return nil
}
