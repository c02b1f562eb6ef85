// Package convergence drives two independent engine.Engine devices against
// one shared in-process fake backend to exercise real multi-device
// convergence: upload on one device, download on another, last-writer-wins
// on conflicting edits. Grounded on marcus-td/test/syncharness's
// multi-device harness shape, rebuilt against this module's own wire
// contract (internal/connector's changeDTO) instead of td's action log.
package convergence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datasync/engine"
	"github.com/datasync/engine/internal/credential"
)

// record is one backend-stored row, keyed by (table, key).
type record struct {
	Modified time.Time
	Data     map[string]any
	Deleted  bool
	Version  string
	Device   string
}

// fakeBackend is a minimal in-memory stand-in for the sync server, enough
// to exercise HTTPConnector's get_changes/upload_change contract across
// more than one device. Uploads are last-writer-wins by Modified, mirroring
// the watcher's own local conflict rule (spec invariant I3) on the server
// side too.
type fakeBackend struct {
	mu     sync.Mutex
	rows   map[string]map[string]record // table -> key -> record
	server *httptest.Server
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{rows: map[string]map[string]record{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tables/", b.handleTable)
	mux.HandleFunc("/v1/account", func(w http.ResponseWriter, r *http.Request) {})
	b.server = httptest.NewServer(mux)
	return b
}

func (b *fakeBackend) URL() string { return b.server.URL }

func (b *fakeBackend) Close() { b.server.Close() }

type changeDTO struct {
	Table    string         `json:"table"`
	Key      string         `json:"key"`
	Modified string         `json:"modified"`
	Deleted  bool           `json:"deleted"`
	Data     map[string]any `json:"data,omitempty"`
	Version  string         `json:"version,omitempty"`
	Device   string         `json:"device,omitempty"`
}

func (b *fakeBackend) handleTable(w http.ResponseWriter, r *http.Request) {
	// path shape: /v1/tables/{table}/changes or /v1/tables/{table}
	rest := r.URL.Path[len("/v1/tables/"):]
	table := rest
	isChanges := false
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			table = rest[:i]
			isChanges = rest[i+1:] == "changes"
			break
		}
	}
	table, _ = url.PathUnescape(table)

	switch {
	case r.Method == http.MethodGet && isChanges:
		b.getChanges(w, r, table)
	case r.Method == http.MethodPost && isChanges:
		b.upload(w, r, table)
	case r.Method == http.MethodDelete:
		b.mu.Lock()
		delete(b.rows, table)
		b.mu.Unlock()
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) getChanges(w http.ResponseWriter, r *http.Request, table string) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			since = t
		}
	}
	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	excludeDevice := r.URL.Query().Get("exclude_device")

	b.mu.Lock()
	var dtos []changeDTO
	for key, rec := range b.rows[table] {
		if !rec.Modified.After(since) {
			continue
		}
		if excludeDevice != "" && rec.Device == excludeDevice {
			continue
		}
		dtos = append(dtos, changeDTO{
			Table: table, Key: key,
			Modified: rec.Modified.UTC().Format(time.RFC3339Nano),
			Deleted:  rec.Deleted, Data: rec.Data, Version: rec.Version,
		})
	}
	b.mu.Unlock()

	sort.Slice(dtos, func(i, j int) bool { return dtos[i].Modified < dtos[j].Modified })
	hasMore := false
	if len(dtos) > limit {
		dtos = dtos[:limit]
		hasMore = true
	}

	json.NewEncoder(w).Encode(map[string]any{"changes": dtos, "has_more": hasMore})
}

func (b *fakeBackend) upload(w http.ResponseWriter, r *http.Request, table string) {
	var dto changeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	modified, err := time.Parse(time.RFC3339Nano, dto.Modified)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	if b.rows[table] == nil {
		b.rows[table] = map[string]record{}
	}
	existing, ok := b.rows[table][dto.Key]
	stored := modified
	if !ok || modified.After(existing.Modified) {
		b.rows[table][dto.Key] = record{Modified: modified, Data: dto.Data, Deleted: dto.Deleted, Version: dto.Version, Device: dto.Device}
	} else {
		stored = existing.Modified
	}
	b.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"modified": stored.UTC().Format(time.RFC3339Nano)})
}

// deviceAuthenticator is a trivial credential.Authenticator: a device signs
// in immediately under its own fixed user id, so uploads from different
// devices are distinguishable without needing a real auth backend.
type deviceAuthenticator struct{ userID string }

func (d deviceAuthenticator) SignIn(ctx context.Context) <-chan credential.SignInOutcome {
	out := make(chan credential.SignInOutcome, 1)
	out <- credential.SignInOutcome{Tokens: credential.Tokens{
		UserID: d.userID, IDToken: "idtok-" + d.userID, RefreshToken: "reftok-" + d.userID,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	return out
}

func (d deviceAuthenticator) Refresh(ctx context.Context, refreshToken string) (credential.Tokens, error) {
	return credential.Tokens{}, nil
}

func (d deviceAuthenticator) LogOut(ctx context.Context) error { return nil }

func (d deviceAuthenticator) DeleteUser(ctx context.Context, idToken string) (bool, error) {
	return true, nil
}

// device bundles one engine.Engine instance with its own SQLite file and
// key/value directory, all pointed at a shared fakeBackend, standing in
// for one physical device in a multi-device sync scenario.
type device struct {
	t      *testing.T
	dbPath string
	eng    *engine.Engine
}

func newDevice(t *testing.T, backend *fakeBackend, userID string, ddl ...string) *device {
	t.Helper()
	dbPath := fmt.Sprintf("%s/%s.db", t.TempDir(), userID)
	conn, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	for _, stmt := range ddl {
		_, err := conn.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())

	e, err := engine.Open(engine.Config{
		DatabasePath:  dbPath,
		RemoteBaseURL: backend.URL(),
		KVStoreDir:    t.TempDir(),
		Authenticator: deviceAuthenticator{userID: userID},
	})
	require.NoError(t, err)

	return &device{t: t, dbPath: dbPath, eng: e}
}

// waitState blocks until ch delivers want, or fails the test after timeout.
func waitState[S comparable](t *testing.T, ch <-chan S, want S, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

// readRow opens its own short-lived connection to a device's database file
// (the device's own engine must be Closed first, since the watcher holds
// the sole connection under SetMaxOpenConns(1)) and scans one row's columns.
func readRow(t *testing.T, dbPath, table, idCol, id string, cols ...string) map[string]string {
	t.Helper()
	conn, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer conn.Close()

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", joinCols(cols), table, idCol)
	row := conn.QueryRow(query, id)
	require.NoError(t, row.Scan(ptrs...))

	out := map[string]string{}
	for i, c := range cols {
		out[c] = fmt.Sprintf("%v", dest[i])
	}
	return out
}

// openDirect opens a short-lived raw connection to a device's database
// file, for simulating an application write that bypasses the engine.
func openDirect(dbPath string) (*sql.DB, error) {
	return sql.Open("sqlite", dbPath)
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
