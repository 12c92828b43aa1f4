// Package models contains the durable types shared by the metadata store,
// the sync processor, and the FUSE surface.
package models

import "time"

// Kind distinguishes files from folders.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Source records which side last authored an Item record.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
	SourceMerged Source = "merged"
)

// SyncState is the per-item synchronization state machine.
type SyncState string

const (
	SyncStateSynced      SyncState = "synced"
	SyncStateDirty       SyncState = "dirty"
	SyncStateDownloading SyncState = "downloading"
	SyncStateUploading   SyncState = "uploading"
	SyncStateConflicted  SyncState = "conflicted"
	SyncStateError       SyncState = "error"
)

// DownloadState describes whether the content cache holds the current body.
type DownloadState string

const (
	DownloadAbsent  DownloadState = "absent"
	DownloadPresent DownloadState = "present"
	DownloadStale   DownloadState = "stale"
)

// RootInode is the fixed inode of the drive root (I1).
const RootInode uint64 = 1

// TempIDPrefix marks a locally minted remote id that has never been seen
// by the server. Items carrying one must have Source == SourceLocal and
// SyncState in {dirty, uploading, error} (I6).
const TempIDPrefix = "temp:"

// Item is the durable unit of the metadata store (§3).
type Item struct {
	RemoteID       string
	ETag           string
	CTag           string
	ParentRemoteID string // empty for the root
	Name           string
	Kind           Kind
	Size           int64
	MTime          time.Time
	CTime          time.Time
	Deleted        bool

	Inode       uint64
	ParentInode uint64 // 0 for the root
	VirtualPath string

	Source        Source
	SyncState     SyncState
	DownloadState DownloadState

	Hash string // content hash, used to verify writes (§3 addition)

	// ConflictCopyOf records the remote id this item was split from when a
	// conflict was resolved by materializing a renamed sibling copy rather
	// than discarding either side's content.
	ConflictCopyOf string
}

// IsRoot reports whether the item is the single root folder (I1).
func (it *Item) IsRoot() bool {
	return it.Inode == RootInode
}

// IsTempID reports whether RemoteID is a locally minted placeholder id
// that has not yet been replaced by a server-assigned id.
func IsTempID(remoteID string) bool {
	return len(remoteID) >= len(TempIDPrefix) && remoteID[:len(TempIDPrefix)] == TempIDPrefix
}

// Profile holds the single-row account summary surfaced by the Status Port.
type Profile struct {
	DriveID    string
	OwnerName  string
	QuotaUsed  int64
	QuotaTotal int64
}
