// Package engine is the Engine façade from spec §4.8: the single public
// entry point an application embeds. It owns the DatabaseWatcher, the
// RemoteConnector, the CredentialSource, and one tablesync.Controller per
// synced table, and serializes every public verb onto its own execution
// context (a single worker goroutine draining a command queue), per spec
// §4.8's concurrency note and §5's single-threaded scheduling model.
// Grounded on marcus-td's cmd/sync.go + cmd/root.go top-level wiring of
// db/syncclient/syncconfig into one CLI surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/datasync/engine/internal/connector"
	"github.com/datasync/engine/internal/credential"
	"github.com/datasync/engine/internal/enginesync"
	"github.com/datasync/engine/internal/kvstore"
	"github.com/datasync/engine/internal/syncmodel"
	"github.com/datasync/engine/internal/tablesync"
	"github.com/datasync/engine/internal/transform"
	"github.com/datasync/engine/internal/watcher"
)

// SyncFlag mirrors sync_database's flags ⊆ {SyncAllTables, ResyncTables}.
type SyncFlag int

const (
	SyncAllTables SyncFlag = 1 << iota
	ResyncTables
)

func hasFlag(flags []SyncFlag, want SyncFlag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// Config bundles everything needed to open an Engine.
type Config struct {
	DatabasePath    string
	RemoteBaseURL   string
	KVStoreDir      string // directory for the JSON KeyValueStore file
	Authenticator   credential.Authenticator
	Transformer     transform.Transformer // nil = transform.Identity{} (no E2E encryption)
	HTTPClient      *http.Client
	Log             *slog.Logger
	ChangePollEvery time.Duration // default 2s
}

// Engine is the façade. All exported methods are safe to call from any
// goroutine; they're serialized onto a single internal worker via cmdCh.
type Engine struct {
	log *slog.Logger

	w    *watcher.Watcher
	kv   kvstore.Store
	conn *connector.HTTPConnector
	cred *credential.Source
	eng  *enginesync.Model

	mu       sync.Mutex
	tables   map[string]*tablesync.Controller
	pollStop context.CancelFunc
	started  bool

	cmdCh chan func()
	doneCh chan struct{}
}

type tokenSource struct{ cred *credential.Source }

func (t tokenSource) Current() (userID, idToken string, ok bool) {
	tok, ok := t.cred.Current()
	if !ok {
		return "", "", false
	}
	return tok.UserID, tok.IDToken, true
}

// Open wires every collaborator together per spec §4.8/§6 and begins
// running the façade's command worker. Call Close when done.
func Open(cfg Config) (*Engine, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	xf := cfg.Transformer
	if xf == nil {
		xf = transform.Identity{}
	}

	w, err := watcher.Open(cfg.DatabasePath, xf, log)
	if err != nil {
		return nil, fmt.Errorf("open watcher: %w", err)
	}

	kv, err := kvstore.Open(cfg.KVStoreDir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open kvstore: %w", err)
	}
	deviceID, err := kvstore.EnsureDeviceID(kv)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("ensure device id: %w", err)
	}

	cred := credential.New(cfg.Authenticator, kv, log)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	conn := connector.New(cfg.RemoteBaseURL, tokenSource{cred: cred})
	conn.HTTP = httpClient
	conn.DeviceID = deviceID

	e := &Engine{
		log:    log,
		w:      w,
		kv:     kv,
		conn:   conn,
		cred:   cred,
		tables: map[string]*tablesync.Controller{},
		cmdCh:  make(chan func()),
		doneCh: make(chan struct{}),
	}
	e.eng = enginesync.New(cred, e.unsyncAll, log)

	pollEvery := cfg.ChangePollEvery
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	pollCtx, pollCancel := context.WithCancel(context.Background())
	e.pollStop = pollCancel
	go w.StartChangePolling(pollCtx, pollEvery)

	go e.run()
	return e, nil
}

// run is the engine's single execution context: every public verb posts a
// closure here and blocks for its result, giving the façade serialized
// access to the watcher's single SQL connection and every controller.
func (e *Engine) run() {
	defer close(e.doneCh)
	for fn := range e.cmdCh {
		fn()
	}
}

func (e *Engine) post(fn func()) {
	done := make(chan struct{})
	e.cmdCh <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// Close stops the change-poller and closes the watcher. It does not call
// Stop first; callers should Stop (and wait_for_stopped) before Close if a
// clean sign-out is wanted.
func (e *Engine) Close() error {
	e.pollStop()
	close(e.cmdCh)
	<-e.doneCh
	return e.w.Close()
}

func (e *Engine) controllerFor(table string) (*tablesync.Controller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.tables[table]
	return c, ok
}

func (e *Engine) addTable(table string, forceRecreate, live bool) error {
	if err := e.w.AddTable(watcher.AddTableConfig{Table: table, ForceRecreate: forceRecreate}); err != nil {
		return err
	}
	e.mu.Lock()
	_, exists := e.tables[table]
	e.mu.Unlock()
	if exists {
		if live {
			if c, ok := e.controllerFor(table); ok {
				c.StartLiveSync()
			}
		}
		return nil
	}

	ctrl := tablesync.New(tablesync.Config{
		Table:     table,
		Watcher:   e.w,
		Connector: e.conn,
		Log:       e.log,
	})
	if live {
		ctrl.StartLiveSync()
	}
	e.mu.Lock()
	e.tables[table] = ctrl
	e.mu.Unlock()
	e.eng.RegisterTable(table, ctrl)
	return nil
}

// SyncDatabase is sync_database(flags): enumerates user tables and calls
// add_table for each one matching the requested flag set.
func (e *Engine) SyncDatabase(flags ...SyncFlag) error {
	var outErr error
	e.post(func() {
		tables, err := e.w.ListUserTables()
		if err != nil {
			outErr = fmt.Errorf("list user tables: %w", err)
			return
		}
		forceRecreate := hasFlag(flags, ResyncTables)
		for _, t := range tables {
			if err := e.addTable(t, forceRecreate, false); err != nil {
				outErr = err
				return
			}
		}
	})
	return outErr
}

// SyncTable is sync_table(name, live?): adds a single table; live forces
// LiveSync on start.
func (e *Engine) SyncTable(name string, live bool) error {
	var outErr error
	e.post(func() {
		outErr = e.addTable(name, false, live)
	})
	return outErr
}

// UnsyncDatabase is unsync_database: stops and removes every currently
// synced table's local schema (soft — the backend copy is left intact).
func (e *Engine) UnsyncDatabase() error {
	var outErr error
	e.post(func() {
		e.mu.Lock()
		names := make([]string, 0, len(e.tables))
		for t := range e.tables {
			names = append(names, t)
		}
		e.mu.Unlock()
		for _, t := range names {
			c, ok := e.controllerFor(t)
			if !ok {
				continue
			}
			c.Stop()
			if err := e.w.UnsyncTable(t); err != nil {
				outErr = err
				return
			}
			e.mu.Lock()
			delete(e.tables, t)
			e.mu.Unlock()
			e.eng.UnregisterTable(t)
		}
	})
	return outErr
}

// RemoveDatabaseSync is remove_database_sync(hard?): like UnsyncDatabase,
// but when hard is true also asks the backend to forget every table
// (RemoveTable) instead of merely dropping the local shadow schema.
func (e *Engine) RemoveDatabaseSync(ctx context.Context, hard bool) error {
	var outErr error
	e.post(func() {
		e.mu.Lock()
		names := make([]string, 0, len(e.tables))
		for t := range e.tables {
			names = append(names, t)
		}
		e.mu.Unlock()
		for _, t := range names {
			c, ok := e.controllerFor(t)
			if !ok {
				continue
			}
			if hard {
				if err := c.DelTable(ctx); err != nil {
					outErr = err
					return
				}
			} else {
				c.Stop()
				if err := e.w.UnsyncTable(t); err != nil {
					outErr = err
					return
				}
			}
			e.mu.Lock()
			delete(e.tables, t)
			e.mu.Unlock()
			e.eng.UnregisterTable(t)
		}
	})
	return outErr
}

func (e *Engine) unsyncAll() error {
	var outErr error
	e.mu.Lock()
	names := make([]string, 0, len(e.tables))
	for t := range e.tables {
		names = append(names, t)
	}
	e.mu.Unlock()
	for _, t := range names {
		if c, ok := e.controllerFor(t); ok {
			c.Stop()
		}
	}
	if err := e.w.DropAll(); err != nil {
		outErr = err
	}
	e.mu.Lock()
	e.tables = map[string]*tablesync.Controller{}
	e.mu.Unlock()
	return outErr
}

// Start is start(): signs in and broadcasts startTableSync to every
// registered controller.
func (e *Engine) Start(ctx context.Context) error {
	var outErr error
	e.post(func() {
		outErr = e.eng.Start(ctx)
		e.started = outErr == nil
	})
	return outErr
}

// Stop is stop(): stops every table and logs out.
func (e *Engine) Stop(ctx context.Context) error {
	var outErr error
	e.post(func() {
		outErr = e.eng.Stop(ctx)
		e.started = false
	})
	return outErr
}

// WaitForStopped blocks until the engine reaches EngineInactive or timeout
// elapses, whichever comes first.
func (e *Engine) WaitForStopped(timeout time.Duration) error {
	if e.eng.State() == syncmodel.EngineInactive {
		return nil
	}
	states := e.eng.StateChanges()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-states:
			if s == syncmodel.EngineInactive {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("wait_for_stopped: timed out after %s", timeout)
		}
	}
}

// TriggerSync is trigger_sync(table?): nudges one table, or every table if
// table is "".
func (e *Engine) TriggerSync(table string) {
	e.forEachOrOne(table, func(c *tablesync.Controller) { c.TriggerSync() })
}

// TriggerUpload is trigger_upload(table?).
func (e *Engine) TriggerUpload(table string) {
	e.forEachOrOne(table, func(c *tablesync.Controller) { c.TriggerUpload() })
}

func (e *Engine) forEachOrOne(table string, fn func(*tablesync.Controller)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if table != "" {
		if c, ok := e.tables[table]; ok {
			fn(c)
		}
		return
	}
	for _, c := range e.tables {
		fn(c)
	}
}

// Resync is resync(table, flags): re-derives a table's local sync state
// per the requested ResyncFlags.
func (e *Engine) Resync(table string, flags syncmodel.ResyncFlags) error {
	var outErr error
	e.post(func() {
		outErr = e.w.Resync(table, flags)
	})
	return outErr
}

// DeleteAccount is delete_account(): stops every table, deletes the
// account on the backend, and erases all local engine state.
func (e *Engine) DeleteAccount(ctx context.Context) error {
	var outErr error
	e.post(func() {
		outErr = e.eng.DeleteAccount(ctx)
	})
	return outErr
}

// SetLiveSyncEnabled is setLiveSyncEnabled(bool), broadcast to every table.
func (e *Engine) SetLiveSyncEnabled(enabled bool) {
	e.eng.SetLiveSyncEnabled(enabled)
}

// State returns the current EngineState.
func (e *Engine) State() syncmodel.EngineState { return e.eng.State() }

// StateChanges subscribes to engine.state_changed.
func (e *Engine) StateChanges() <-chan syncmodel.EngineState { return e.eng.StateChanges() }

// DeviceID returns this install's stable per-device identifier, persisted in
// the key/value store on first Open and used to tag uploads (SPEC_FULL.md
// §5 / QtDataSync's AccountManager::deviceId).
func (e *Engine) DeviceID() string {
	id, _ := e.kv.Get(kvstore.KeyDeviceID)
	return id
}

// Tables lists every table currently registered with the façade.
func (e *Engine) Tables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tables))
	for t := range e.tables {
		out = append(out, t)
	}
	return out
}

// CreateController is create_controller(table): returns a thin proxy,
// TableSyncController, surfacing per-table state and controls. It becomes
// invalid only when the table is removed with RemoveDatabaseSync(hard=true);
// UnsyncDatabase and a soft RemoveDatabaseSync leave it reporting valid.
func (e *Engine) CreateController(table string) (*TableSyncController, error) {
	c, ok := e.controllerFor(table)
	if !ok {
		return nil, fmt.Errorf("create_controller: %q is not synced", table)
	}
	return &TableSyncController{table: table, c: c}, nil
}
