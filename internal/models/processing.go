package models

import "time"

// Op tags the kind of change a ProcessingItem describes.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpMove   Op = "move"
	OpRename Op = "rename"
)

// ChangeType distinguishes which side of the sync observed the change.
type ChangeType string

const (
	ChangeRemote ChangeType = "remote"
	ChangeLocal  ChangeType = "local"
)

// ProcessingStatus is the lifecycle state of a ProcessingItem.
type ProcessingStatus string

const (
	StatusNew        ProcessingStatus = "new"
	StatusValidated  ProcessingStatus = "validated"
	StatusConflicted ProcessingStatus = "conflicted"
	StatusError      ProcessingStatus = "error"
	StatusDone       ProcessingStatus = "done"
)

// ProcessingItem is a durable queue record describing one pending change
// from either side (§3).
type ProcessingItem struct {
	ID               int64
	RemoteID         string
	Inode            uint64 // local inode, set for local-originated items
	Op               Op
	ChangeType       ChangeType
	Status           ProcessingStatus
	ValidationErrors []string
	RetryCount       int

	// Payload is the observed snapshot that triggered this record: for a
	// remote change it is the delta-reported item; for a local change it
	// is the FUSE-observed item state at enqueue time.
	Payload ItemSnapshot

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemSnapshot is the subset of Item fields a ProcessingItem needs to
// replay or validate a change without re-reading the store.
type ItemSnapshot struct {
	RemoteID       string
	ParentRemoteID string
	Name           string
	Kind           Kind
	Size           int64
	MTime          time.Time
	ETag           string
	CTag           string
	Deleted        bool
	Inode          uint64
	ParentInode    uint64

	// OldParentRemoteID/OldName record the pre-change identity for
	// move/rename records, needed by conflict detection (§4.6.2) and by
	// the Remote Port's Patch call.
	OldParentRemoteID string
	OldName            string
}

// DownloadStatus is the lifecycle of a DownloadQueueEntry.
type DownloadStatus string

const (
	DownloadPending DownloadStatus = "pending"
	DownloadRunning DownloadStatus = "running"
	DownloadDone    DownloadStatus = "done"
	DownloadFailed  DownloadStatus = "failed"
)

// DownloadQueueEntry tracks one outstanding content fetch (§3). At most one
// entry per RemoteID may be in a non-terminal status at a time.
type DownloadQueueEntry struct {
	ID         int64
	RemoteID   string
	LocalInode uint64
	Priority   int
	Status     DownloadStatus
	RetryCount int
}

// DeltaCursor is the opaque remote change-stream bookmark (§3).
type DeltaCursor struct {
	Token      string
	LastSyncAt time.Time
}

// IsTerminal reports whether the status requires no further processing.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusConflicted
}
