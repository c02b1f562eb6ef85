// Package enginesync implements EngineDataModel: the top-level state chart
// from spec §4.7. It holds the CredentialSource and demultiplexes
// start/stop/mode-change broadcasts to every registered TableDataModel.
// Grounded on marcus-td's cmd/sync.go + cmd/autosync.go orchestration of
// push/pull cycles across the CLI lifecycle, and QtDataSync's
// Setup/AccountManager top-level lifecycle (see DESIGN.md).
package enginesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/datasync/engine/internal/credential"
	"github.com/datasync/engine/internal/syncmodel"
)

// TableController is the subset of tablesync.Controller the engine state
// chart drives directly.
type TableController interface {
	Start(ctx context.Context)
	Stop()
	StartLiveSync()
	StartPassiveSync()
	DelTable(ctx context.Context) error
}

// UnsyncAllFunc erases every table's engine-owned schema. DeleteAccount
// calls it whether or not the backend delete succeeded (spec §6 Open
// Question resolution #2).
type UnsyncAllFunc func() error

// Model is EngineDataModel.
type Model struct {
	cred      *credential.Source
	unsyncAll UnsyncAllFunc
	log       *slog.Logger

	mu       sync.Mutex
	state    syncmodel.EngineState
	tables   map[string]TableController
	runCtx   context.Context
	runCancel context.CancelFunc
	liveWanted bool

	stateSubs []chan syncmodel.EngineState
	errSubs   []chan *syncmodel.SyncError
}

// New builds a Model. unsyncAll may be nil if the façade wires its own
// account-deletion cleanup some other way.
func New(cred *credential.Source, unsyncAll UnsyncAllFunc, log *slog.Logger) *Model {
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		cred:      cred,
		unsyncAll: unsyncAll,
		log:       log,
		state:     syncmodel.EngineInactive,
		tables:    map[string]TableController{},
	}
}

// RegisterTable adds a table to the broadcast set. If the engine is
// currently in TableSync, the new controller is started immediately in the
// currently-requested mode.
func (m *Model) RegisterTable(name string, ctrl TableController) {
	m.mu.Lock()
	m.tables[name] = ctrl
	state := m.state
	live := m.liveWanted
	ctx := m.runCtx
	m.mu.Unlock()

	if state == syncmodel.EngineTableSync && ctx != nil {
		if live {
			ctrl.StartLiveSync()
		} else {
			ctrl.StartPassiveSync()
		}
		ctrl.Start(ctx)
	}
}

// UnregisterTable removes a table from the broadcast set without touching
// its backend state (the caller is expected to have already stopped it).
func (m *Model) UnregisterTable(name string) {
	m.mu.Lock()
	delete(m.tables, name)
	m.mu.Unlock()
}

func (m *Model) setState(s syncmodel.EngineState) {
	m.mu.Lock()
	m.state = s
	subs := append([]chan syncmodel.EngineState(nil), m.stateSubs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// State returns the current EngineState.
func (m *Model) State() syncmodel.EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateChanges subscribes to engine.state_changed events.
func (m *Model) StateChanges() <-chan syncmodel.EngineState {
	ch := make(chan syncmodel.EngineState, 8)
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, ch)
	m.mu.Unlock()
	return ch
}

// Start signs in, and on success broadcasts start to every registered
// table and transitions to TableSync. On sign-in failure it transitions to
// Error.
func (m *Model) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == syncmodel.EngineTableSync || m.state == syncmodel.EngineSigningIn {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setState(syncmodel.EngineSigningIn)
	outcome := <-m.cred.SignIn(ctx)
	if outcome.Aborted {
		m.setState(syncmodel.EngineInactive)
		return fmt.Errorf("sign-in aborted")
	}
	if outcome.Failed {
		m.setState(syncmodel.EngineError)
		return fmt.Errorf("sign-in failed: %s", outcome.Reason)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.runCtx = runCtx
	m.runCancel = cancel
	tables := make([]TableController, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.mu.Unlock()

	m.setState(syncmodel.EngineTableSync)
	for _, t := range tables {
		t.Start(runCtx)
	}
	return nil
}

// Stop sends stop to every table, waits for their acknowledgements (Stop
// blocks until the region exits), then logs out.
func (m *Model) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != syncmodel.EngineTableSync && m.state != syncmodel.EngineError {
		m.mu.Unlock()
		return nil
	}
	tables := make([]TableController, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	cancel := m.runCancel
	m.mu.Unlock()
	m.setState(syncmodel.EngineStopping)

	var wg sync.WaitGroup
	for _, t := range tables {
		wg.Add(1)
		go func(t TableController) {
			defer wg.Done()
			t.Stop()
		}(t)
	}
	wg.Wait()
	if cancel != nil {
		cancel()
	}

	if err := m.cred.LogOut(ctx); err != nil {
		m.log.Warn("log out failed during stop", "error", err)
	}
	m.setState(syncmodel.EngineInactive)
	return nil
}

// DeleteAccount stops every table, deletes the user via the credential
// source, and — regardless of whether the backend delete succeeded —
// erases local engine state so no shadow table points at a now-invalid
// account (spec §6 Open Question resolution #2). On success it transitions
// to SigningIn to acquire a fresh account.
func (m *Model) DeleteAccount(ctx context.Context) error {
	tok, ok := m.cred.Current()
	if !ok {
		return fmt.Errorf("delete_account: no credential available")
	}

	if err := m.Stop(ctx); err != nil {
		return err
	}

	deleted, err := m.cred.DeleteUser(ctx, tok.IDToken)
	if err != nil {
		m.log.Warn("delete_user request failed, still clearing local state", "error", err)
	} else if !deleted {
		m.log.Warn("server reported delete_user did not succeed, still clearing local state")
	}

	if m.unsyncAll != nil {
		if err := m.unsyncAll(); err != nil {
			return fmt.Errorf("unsync_all: %w", err)
		}
	}

	m.setState(syncmodel.EngineSigningIn)
	return nil
}

// SetLiveSyncEnabled broadcasts startLiveSync/startPassiveSync to every
// registered table; per-table controllers may still be overridden
// individually afterward.
func (m *Model) SetLiveSyncEnabled(enabled bool) {
	m.mu.Lock()
	m.liveWanted = enabled
	tables := make([]TableController, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.mu.Unlock()

	for _, t := range tables {
		if enabled {
			t.StartLiveSync()
		} else {
			t.StartPassiveSync()
		}
	}
}
