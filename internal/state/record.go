// Package state implements the local state store: a durable catalogue of
// tracked files plus an append-only action log, backed by sqlite.
package state

// SyncState is one of the five sync states a tracked file can be in.
type SyncState string

const (
	StatePending  SyncState = "pending"
	StateModified SyncState = "modified"
	StateSynced   SyncState = "synced"
	StateConflict SyncState = "conflict"
	StateDeleted  SyncState = "deleted"
)

// TrackedFile is the local state record for one vault-relative path.
type TrackedFile struct {
	ID            string
	Path          string
	ContentHash   string
	EncryptedHash string
	Version       int64
	Size          int64
	SyncState     SyncState
	LastModified  int64 // wall-clock milliseconds
	LastSynced    *int64
}

// Action is one entry in the append-only action/audit log.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionDelete   Action = "delete"
	ActionConflict Action = "conflict"
	ActionError    Action = "error"
)

// ActionEntry is one row of the action log.
type ActionEntry struct {
	ID        int64
	Action    Action
	Path      string
	Version   *int64
	Size      *int64
	Timestamp int64
	Details   string
}

// ActionQuery filters ActionEntry rows returned by Store.Query.
type ActionQuery struct {
	Action     Action // zero value: no filter
	PathPrefix string
	Since      int64 // zero value: no filter
	Limit      int
	Offset     int
}
