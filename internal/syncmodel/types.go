// Package syncmodel defines the wire- and storage-level types shared by the
// watcher, the table and engine state charts, and the remote connector.
package syncmodel

import (
	"encoding/json"
	"time"
)

// ObjectKey identifies a single row across the local table and the cloud.
// RowID is the canonical textual form of the primary key; for binary keys
// it is the base64 encoding of the raw bytes and must round-trip exactly.
type ObjectKey struct {
	Table string
	RowID string
}

// Fields is a field-name to scalar-value projection of a row. A nil Fields
// on CloudData represents a tombstone.
type Fields map[string]any

// CloudData is the wire-level representation of one row.
type CloudData struct {
	Key      ObjectKey
	Data     Fields
	Modified time.Time
	Version  string
}

// Deleted reports whether this CloudData is a tombstone.
func (d CloudData) Deleted() bool {
	return d.Data == nil
}

// Equal compares all fields, matching the wire-level equality rule; Modified
// is compared to millisecond resolution since that is the wire precision.
func (d CloudData) Equal(o CloudData) bool {
	if d.Key != o.Key || d.Version != o.Version {
		return false
	}
	if !d.Modified.Truncate(time.Millisecond).Equal(o.Modified.Truncate(time.Millisecond)) {
		return false
	}
	da, _ := json.Marshal(d.Data)
	oa, _ := json.Marshal(o.Data)
	return string(da) == string(oa)
}

// LocalData is a CloudData that has been persisted from the cloud, with the
// time the engine performed that write. It is used to advance last_sync.
type LocalData struct {
	CloudData
	Uploaded time.Time
}

// TableState is the activation state recorded in meta for a synced table.
type TableState string

const (
	TableActive   TableState = "active"
	TableInactive TableState = "inactive"
)

// TableMeta is the one-row-per-table bookkeeping record the watcher keeps.
type TableMeta struct {
	TableName string
	PKeyName  string
	PKeyType  string
	State     TableState
	LastSync  *time.Time // nil means a full resync is required
}

// ChangeState is the per-row dirty marker kept in a table's shadow row.
type ChangeState string

const (
	Unchanged ChangeState = "unchanged"
	Changed   ChangeState = "changed"
	Corrupted ChangeState = "corrupted"
)

// ShadowRow is the engine-owned metadata row tracking one user-table row.
type ShadowRow struct {
	PKey    string
	TStamp  time.Time
	Changed ChangeState
}

// ResyncFlag is a declarative modifier to DatabaseWatcher.Resync.
type ResyncFlag int

const (
	ResyncDownload ResyncFlag = 1 << iota
	ResyncUpload
	ResyncCheckLocalData
	ResyncCleanLocalData
	ResyncClearLocalData
)

// ResyncFlags is a set of ResyncFlag values.
type ResyncFlags int

// Has reports whether f is present in the set.
func (s ResyncFlags) Has(f ResyncFlag) bool {
	return int(s)&int(f) != 0
}

// SyncState is the coarse, client-visible projection of a TableDataModel.
type SyncState string

const (
	StateDisabled     SyncState = "disabled"
	StateStopped      SyncState = "stopped"
	StateInitializing SyncState = "initializing"
	StateDownloading  SyncState = "downloading"
	StateUploading    SyncState = "uploading"
	StateSynchronized SyncState = "synchronized"
	StateLiveSync     SyncState = "live_sync"
	StateError        SyncState = "error"
)

// EngineState is the coarse, client-visible projection of an EngineDataModel.
type EngineState string

const (
	EngineInactive    EngineState = "inactive"
	EngineSigningIn   EngineState = "signing_in"
	EngineTableSync   EngineState = "table_sync"
	EngineStopping    EngineState = "stopping"
	EngineDeletingAcc EngineState = "deleting_account"
	EngineError       EngineState = "error"
)

// StoreResult is the outcome of DatabaseWatcher.StoreRemote.
type StoreResult int

const (
	Applied StoreResult = iota
	RejectedStale
)

func (r StoreResult) String() string {
	if r == Applied {
		return "applied"
	}
	return "rejected_stale"
}
