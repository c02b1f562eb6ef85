package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datasync/engine/internal/credential"
	"github.com/datasync/engine/internal/syncmodel"
)

// fakeAuthenticator signs in immediately with a fixed, long-lived token,
// matching the shape of the device-code authenticator's eventual success
// outcome without driving an actual HTTP flow.
type fakeAuthenticator struct{}

func (fakeAuthenticator) SignIn(ctx context.Context) <-chan credential.SignInOutcome {
	out := make(chan credential.SignInOutcome, 1)
	out <- credential.SignInOutcome{Tokens: credential.Tokens{
		UserID: "u1", IDToken: "idtok", RefreshToken: "reftok", ExpiresAt: time.Now().Add(time.Hour),
	}}
	return out
}

func (fakeAuthenticator) Refresh(ctx context.Context, refreshToken string) (credential.Tokens, error) {
	return credential.Tokens{}, nil
}

func (fakeAuthenticator) LogOut(ctx context.Context) error { return nil }

func (fakeAuthenticator) DeleteUser(ctx context.Context, idToken string) (bool, error) {
	return true, nil
}

// emptyChangesServer answers every GET changes request with an empty page
// and records every upload it receives.
type emptyChangesServer struct {
	mu      sync.Mutex
	uploads []map[string]any
}

func (s *emptyChangesServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"changes": []any{}, "has_more": false})
		case http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			s.uploads = append(s.uploads, body)
			s.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"modified": time.Now().UTC().Format(time.RFC3339Nano)})
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	return mux
}

func newTestDB(t *testing.T, ddl ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, stmt := range ddl {
		_, err := conn.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())
	return path
}

func TestEngineSyncTableUploadsPendingRowAndReachesSynchronized(t *testing.T) {
	dbPath := newTestDB(t,
		`CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`,
		`INSERT INTO todos (id, title) VALUES ('1', 'buy milk')`,
	)
	srv := &emptyChangesServer{}
	httpSrv := httptest.NewServer(srv.handler())
	defer httpSrv.Close()

	e, err := Open(Config{
		DatabasePath:  dbPath,
		RemoteBaseURL: httpSrv.URL,
		KVStoreDir:    t.TempDir(),
		Authenticator: fakeAuthenticator{},
	})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SyncTable("todos", false))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	ctrl, err := e.CreateController("todos")
	require.NoError(t, err)

	states := ctrl.StateChanges()
	deadline := time.After(5 * time.Second)
waitSync:
	for {
		select {
		case s := <-states:
			if s == syncmodel.StateSynchronized {
				break waitSync
			}
		case <-deadline:
			t.Fatal("timed out waiting for table to reach Synchronized")
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.uploads, 1)
	require.Equal(t, "1", srv.uploads[0]["key"])
}

func TestEngineSyncDatabaseDiscoversEveryUserTable(t *testing.T) {
	dbPath := newTestDB(t,
		`CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`,
		`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`,
	)
	srv := &emptyChangesServer{}
	httpSrv := httptest.NewServer(srv.handler())
	defer httpSrv.Close()

	e, err := Open(Config{
		DatabasePath:  dbPath,
		RemoteBaseURL: httpSrv.URL,
		KVStoreDir:    t.TempDir(),
		Authenticator: fakeAuthenticator{},
	})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SyncDatabase())

	tables := e.Tables()
	require.ElementsMatch(t, []string{"todos", "notes"}, tables)
}

func TestEngineUnsyncDatabaseRemovesEveryTable(t *testing.T) {
	dbPath := newTestDB(t, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)
	srv := &emptyChangesServer{}
	httpSrv := httptest.NewServer(srv.handler())
	defer httpSrv.Close()

	e, err := Open(Config{
		DatabasePath:  dbPath,
		RemoteBaseURL: httpSrv.URL,
		KVStoreDir:    t.TempDir(),
		Authenticator: fakeAuthenticator{},
	})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.SyncDatabase())
	require.Len(t, e.Tables(), 1)

	require.NoError(t, e.UnsyncDatabase())
	require.Empty(t, e.Tables())
}

func TestDeviceIDIsStableAcrossReopen(t *testing.T) {
	dbPath := newTestDB(t, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)
	kvDir := t.TempDir()
	srv := &emptyChangesServer{}
	httpSrv := httptest.NewServer(srv.handler())
	defer httpSrv.Close()

	cfg := Config{
		DatabasePath:  dbPath,
		RemoteBaseURL: httpSrv.URL,
		KVStoreDir:    kvDir,
		Authenticator: fakeAuthenticator{},
	}

	e1, err := Open(cfg)
	require.NoError(t, err)
	id1 := e1.DeviceID()
	require.NotEmpty(t, id1)
	require.NoError(t, e1.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()
	require.Equal(t, id1, e2.DeviceID())
}

func TestCreateControllerFailsForUnsyncedTable(t *testing.T) {
	dbPath := newTestDB(t, `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT)`)
	srv := &emptyChangesServer{}
	httpSrv := httptest.NewServer(srv.handler())
	defer httpSrv.Close()

	e, err := Open(Config{
		DatabasePath:  dbPath,
		RemoteBaseURL: httpSrv.URL,
		KVStoreDir:    t.TempDir(),
		Authenticator: fakeAuthenticator{},
	})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateController("todos")
	require.Error(t, err)
}
