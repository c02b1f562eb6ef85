package enginesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datasync/engine/internal/credential"
	"github.com/datasync/engine/internal/syncmodel"
)

// fakeTable is a scripted TableController recording every broadcast call.
type fakeTable struct {
	mu                                     sync.Mutex
	starts, stops, liveStarts, passiveStarts, delCalls int
}

func (f *fakeTable) Start(ctx context.Context) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeTable) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTable) StartLiveSync() {
	f.mu.Lock()
	f.liveStarts++
	f.mu.Unlock()
}

func (f *fakeTable) StartPassiveSync() {
	f.mu.Lock()
	f.passiveStarts++
	f.mu.Unlock()
}

func (f *fakeTable) DelTable(ctx context.Context) error {
	f.mu.Lock()
	f.delCalls++
	f.mu.Unlock()
	return nil
}

// fakeAuthenticator is a minimal scripted credential.Authenticator.
type fakeAuthenticator struct {
	outcome     credential.SignInOutcome
	deleteOK    bool
	deleteErr   error
	logOutCalls int
}

func (f *fakeAuthenticator) SignIn(ctx context.Context) <-chan credential.SignInOutcome {
	out := make(chan credential.SignInOutcome, 1)
	out <- f.outcome
	return out
}

func (f *fakeAuthenticator) Refresh(ctx context.Context, refreshToken string) (credential.Tokens, error) {
	return credential.Tokens{}, nil
}

func (f *fakeAuthenticator) LogOut(ctx context.Context) error {
	f.logOutCalls++
	return nil
}

func (f *fakeAuthenticator) DeleteUser(ctx context.Context, idToken string) (bool, error) {
	return f.deleteOK, f.deleteErr
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func newSignedInSource(t *testing.T) (*credential.Source, *fakeAuthenticator) {
	t.Helper()
	auth := &fakeAuthenticator{outcome: credential.SignInOutcome{Tokens: credential.Tokens{
		UserID: "u1", IDToken: "tok", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour),
	}}}
	src := credential.New(auth, newMemKV(), nil)
	return src, auth
}

func TestStartSignsInAndBroadcastsStartToRegisteredTables(t *testing.T) {
	src, _ := newSignedInSource(t)
	m := New(src, nil, nil)

	tbl := &fakeTable{}
	m.RegisterTable("todos", tbl)

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, syncmodel.EngineTableSync, m.State())

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	require.Equal(t, 1, tbl.starts)
}

func TestStartTransitionsToErrorOnSignInFailure(t *testing.T) {
	auth := &fakeAuthenticator{outcome: credential.SignInOutcome{Failed: true, Reason: "bad creds"}}
	src := credential.New(auth, newMemKV(), nil)
	m := New(src, nil, nil)

	err := m.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, syncmodel.EngineError, m.State())
}

func TestStartTransitionsToInactiveOnAbortedSignIn(t *testing.T) {
	auth := &fakeAuthenticator{outcome: credential.SignInOutcome{Aborted: true}}
	src := credential.New(auth, newMemKV(), nil)
	m := New(src, nil, nil)

	err := m.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, syncmodel.EngineInactive, m.State())
}

func TestStopStopsEveryTableAndLogsOut(t *testing.T) {
	src, auth := newSignedInSource(t)
	m := New(src, nil, nil)

	tbl1, tbl2 := &fakeTable{}, &fakeTable{}
	m.RegisterTable("a", tbl1)
	m.RegisterTable("b", tbl2)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	require.Equal(t, syncmodel.EngineInactive, m.State())
	require.Equal(t, 1, auth.logOutCalls)

	tbl1.mu.Lock()
	require.Equal(t, 1, tbl1.stops)
	tbl1.mu.Unlock()
	tbl2.mu.Lock()
	require.Equal(t, 1, tbl2.stops)
	tbl2.mu.Unlock()
}

func TestRegisterTableAfterStartStartsItImmediately(t *testing.T) {
	src, _ := newSignedInSource(t)
	m := New(src, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	tbl := &fakeTable{}
	m.RegisterTable("late", tbl)

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	require.Equal(t, 1, tbl.starts)
}

func TestSetLiveSyncEnabledBroadcastsToAllTables(t *testing.T) {
	src, _ := newSignedInSource(t)
	m := New(src, nil, nil)
	tbl := &fakeTable{}
	m.RegisterTable("todos", tbl)

	m.SetLiveSyncEnabled(true)
	tbl.mu.Lock()
	require.Equal(t, 1, tbl.liveStarts)
	tbl.mu.Unlock()

	m.SetLiveSyncEnabled(false)
	tbl.mu.Lock()
	require.Equal(t, 1, tbl.passiveStarts)
	tbl.mu.Unlock()
}

func TestDeleteAccountClearsLocalStateAndReturnsToSigningIn(t *testing.T) {
	src, auth := newSignedInSource(t)
	auth.deleteOK = true
	var unsyncCalled bool
	m := New(src, func() error { unsyncCalled = true; return nil }, nil)

	tbl := &fakeTable{}
	m.RegisterTable("todos", tbl)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.DeleteAccount(context.Background()))
	require.True(t, unsyncCalled)
	require.Equal(t, syncmodel.EngineSigningIn, m.State())

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	require.Equal(t, 1, tbl.stops)
}
