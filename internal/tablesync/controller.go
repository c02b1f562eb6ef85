// Package tablesync implements TableDataModel: the per-table state chart
// from spec §4.6. Fibers are realized as goroutines, and region
// cancellation as context.CancelFunc, per spec §9's "replace signal/slot
// dynamic dispatch with explicit event enums and a per-component handler"
// redesign note — Go's own idiom for cooperative cancellable tasks, the way
// marcus-td's internal/sync package favors plain control flow over a
// generated dispatch table.
package tablesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/datasync/engine/internal/connector"
	"github.com/datasync/engine/internal/syncmodel"
	"github.com/datasync/engine/internal/watcher"
)

// Watcher is the subset of *watcher.Watcher a Controller needs, narrowed to
// an interface so table state charts are testable against a fake.
type Watcher interface {
	LoadNextPending(table string) (*syncmodel.LocalData, error)
	StoreRemote(table string, d syncmodel.CloudData) (syncmodel.StoreResult, error)
	MarkUploaded(key syncmodel.ObjectKey, acceptedModified time.Time) error
	MarkCorrupted(key syncmodel.ObjectKey, tstamp time.Time) error
	LastSync(table string) (*time.Time, error)
	Resync(table string, flags syncmodel.ResyncFlags) error
	DropTable(table string) error
	Changed() <-chan string
}

var _ Watcher = (*watcher.Watcher)(nil)

// Connector is the subset of connector.Connector a Controller needs.
type Connector interface {
	GetChanges(ctx context.Context, table string, since *time.Time) (connector.Token, <-chan connector.Event)
	UploadChange(ctx context.Context, data syncmodel.CloudData) (connector.Token, <-chan connector.Event)
	SubscribeLive(ctx context.Context, table string, since *time.Time) (connector.Token, <-chan connector.Event)
	RemoveTable(ctx context.Context, table string) (connector.Token, <-chan connector.Event)
	Cancel(t connector.Token)
}

var _ Connector = (*connector.HTTPConnector)(nil)

// Config bundles the collaborators and tunables a Controller needs.
type Config struct {
	Table            string
	Watcher          Watcher
	Connector        Connector
	Log              *slog.Logger
	BackpressureSoft int           // spec §5, default 1000
	FiberGrace       time.Duration // region-exit cancellation grace, default 5s
}

// Controller is TableDataModel: the per-table coordinator.
type Controller struct {
	table     string
	w         Watcher
	conn      Connector
	log       *slog.Logger
	backpress int
	grace     time.Duration

	triggerSyncCh   chan struct{}
	triggerUploadCh chan struct{}
	liveSyncCh      chan bool
	delTableCh      chan struct{}

	mu        sync.Mutex
	state     syncmodel.SyncState
	live      bool
	running   bool
	cancelRun context.CancelFunc
	doneCh    chan struct{}
	valid     bool

	stateSubs []chan syncmodel.SyncState
	errSubs   []chan *syncmodel.SyncError
}

// New builds a Controller for one table. It starts Stopped/valid.
func New(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	backpress := cfg.BackpressureSoft
	if backpress <= 0 {
		backpress = 1000
	}
	grace := cfg.FiberGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Controller{
		table:           cfg.Table,
		w:               cfg.Watcher,
		conn:            cfg.Connector,
		log:             log.With("table", cfg.Table),
		backpress:       backpress,
		grace:           grace,
		triggerSyncCh:   make(chan struct{}, 1),
		triggerUploadCh: make(chan struct{}, 1),
		liveSyncCh:      make(chan bool, 1),
		delTableCh:      make(chan struct{}, 1),
		state:           syncmodel.StateStopped,
		valid:           true,
	}
}

// State returns the current coarse SyncState.
func (c *Controller) State() syncmodel.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Valid reports whether this controller still refers to a registered
// table; it becomes false after DelTable completes (spec §9, P.valid).
func (c *Controller) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// IsLiveSyncEnabled reports the currently requested mode.
func (c *Controller) IsLiveSyncEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// StateChanges subscribes to stateChanged events. The returned channel is
// buffered and is never closed, not even after DelTable invalidates the
// controller.
func (c *Controller) StateChanges() <-chan syncmodel.SyncState {
	ch := make(chan syncmodel.SyncState, 8)
	c.mu.Lock()
	c.stateSubs = append(c.stateSubs, ch)
	c.mu.Unlock()
	return ch
}

// Errors subscribes to errorOccured events.
func (c *Controller) Errors() <-chan *syncmodel.SyncError {
	ch := make(chan *syncmodel.SyncError, 8)
	c.mu.Lock()
	c.errSubs = append(c.errSubs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Controller) setState(s syncmodel.SyncState) {
	c.mu.Lock()
	c.state = s
	subs := append([]chan syncmodel.SyncState(nil), c.stateSubs...)
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Controller) emitError(e *syncmodel.SyncError) {
	c.log.Warn("table error", "kind", e.Kind, "message", e.Message)
	c.mu.Lock()
	subs := append([]chan *syncmodel.SyncError(nil), c.errSubs...)
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Start enters Active/Init, replacing any previous run. A no-op if already
// running.
func (c *Controller) Start(parent context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancelRun = cancel
	c.running = true
	c.doneCh = make(chan struct{})
	done := c.doneCh
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.loop(ctx)
	}()
}

// Stop cancels the active fibers and blocks until the region has exited
// (Exited), per spec: "a stop never interleaves partial writes". A fiber
// that does not honor cancellation within the configured grace period is
// not waited on forever; the table is instead escalated to Error(Timeout).
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelRun
	done := c.doneCh
	c.running = false
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
		c.setState(syncmodel.StateStopped)
	case <-time.After(c.grace):
		c.log.Warn("fiber did not honor cancellation within grace", "grace", c.grace)
		c.emitError(syncmodel.NewError(syncmodel.Timeout, c.table, "region did not exit within fiber grace", nil))
		c.setState(syncmodel.StateError)
	}
}

// TriggerSync requests a download+process+upload pass.
func (c *Controller) TriggerSync() {
	select {
	case c.triggerSyncCh <- struct{}{}:
	default:
	}
}

// TriggerUpload requests an upload-only pass.
func (c *Controller) TriggerUpload() {
	select {
	case c.triggerUploadCh <- struct{}{}:
	default:
	}
}

// StartLiveSync requests the LiveSync mode.
func (c *Controller) StartLiveSync() {
	c.mu.Lock()
	c.live = true
	c.mu.Unlock()
	select {
	case c.liveSyncCh <- true:
	default:
	}
}

// StartPassiveSync requests PassiveSync mode.
func (c *Controller) StartPassiveSync() {
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()
	select {
	case c.liveSyncCh <- false:
	default:
	}
}

// DelTable pre-empts everything: removes the table on the backend, then
// drops its local engine schema, and finally invalidates this controller.
func (c *Controller) DelTable(parent context.Context) error {
	c.Stop()

	ctx, cancel := context.WithTimeout(parent, c.grace*2)
	defer cancel()

	_, events := c.conn.RemoveTable(ctx, c.table)
	for ev := range events {
		if ee, ok := ev.(connector.ErrorEvent); ok {
			c.log.Warn("remove_table failed, dropping local schema anyway", "error", ee.Err)
		}
	}
	if err := c.w.DropTable(c.table); err != nil {
		return err
	}
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
	c.setState(syncmodel.StateDisabled)
	return nil
}
