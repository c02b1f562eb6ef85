package engine

import (
	"github.com/datasync/engine/internal/syncmodel"
	"github.com/datasync/engine/internal/tablesync"
)

// TableSyncController is the thin per-table proxy create_controller
// returns (spec §4.8): it surfaces sync_state, is_live_sync_enabled,
// trigger_sync and set_live_sync_enabled. It becomes invalid only when its
// table is removed with RemoveDatabaseSync(hard=true); UnsyncDatabase and a
// soft RemoveDatabaseSync do not invalidate it.
type TableSyncController struct {
	table string
	c     *tablesync.Controller
}

// Table returns the table name this controller was created for.
func (t *TableSyncController) Table() string { return t.table }

// Valid reports false once the table has been removed with
// RemoveDatabaseSync(hard=true), and true otherwise.
func (t *TableSyncController) Valid() bool { return t.c.Valid() }

// SyncState returns the table's current coarse state.
func (t *TableSyncController) SyncState() syncmodel.SyncState { return t.c.State() }

// IsLiveSyncEnabled reports whether this table currently wants LiveSync.
func (t *TableSyncController) IsLiveSyncEnabled() bool { return t.c.IsLiveSyncEnabled() }

// TriggerSync requests an out-of-band sync pass for this table alone.
func (t *TableSyncController) TriggerSync() { t.c.TriggerSync() }

// TriggerUpload requests an upload-only pass for this table alone.
func (t *TableSyncController) TriggerUpload() { t.c.TriggerUpload() }

// SetLiveSyncEnabled overrides the engine-wide LiveSync mode for this
// table only.
func (t *TableSyncController) SetLiveSyncEnabled(enabled bool) {
	if enabled {
		t.c.StartLiveSync()
	} else {
		t.c.StartPassiveSync()
	}
}

// StateChanges subscribes to sync_state_changed for this table.
func (t *TableSyncController) StateChanges() <-chan syncmodel.SyncState {
	return t.c.StateChanges()
}

// Errors subscribes to errorOccured for this table.
func (t *TableSyncController) Errors() <-chan *syncmodel.SyncError {
	return t.c.Errors()
}
