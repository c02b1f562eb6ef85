package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAuth is a canned Authenticator: SignIn always delivers signInOutcome,
// and Refresh returns refreshErr if set, else the refreshTokens entry for
// the given refresh token.
type fakeAuth struct {
	mu sync.Mutex

	signInOutcome SignInOutcome
	refreshTokens map[string]Tokens
	refreshErr    error
	refreshCalls  int
	logOutCalls   int
	deleteCalls   int
}

func (f *fakeAuth) SignIn(ctx context.Context) <-chan SignInOutcome {
	out := make(chan SignInOutcome, 1)
	out <- f.signInOutcome
	return out
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refreshErr != nil {
		return Tokens{}, f.refreshErr
	}
	tok, ok := f.refreshTokens[refreshToken]
	if !ok {
		return Tokens{}, errors.New("unknown refresh token")
	}
	return tok, nil
}

func (f *fakeAuth) LogOut(ctx context.Context) error {
	f.mu.Lock()
	f.logOutCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeAuth) DeleteUser(ctx context.Context, idToken string) (bool, error) {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	return true, nil
}

func TestSignInFreshWhenNoRefreshTokenPersisted(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	auth := &fakeAuth{signInOutcome: SignInOutcome{Tokens: Tokens{
		UserID: "u1", IDToken: "tok1", RefreshToken: "r1", ExpiresAt: expires,
	}}}
	kv := NewMemKV()
	src := New(auth, kv, nil)

	outcome := <-src.SignIn(context.Background())
	require.False(t, outcome.Failed)
	require.False(t, outcome.Aborted)
	require.Equal(t, "u1", outcome.Tokens.UserID)

	tok, ok := src.Current()
	require.True(t, ok)
	require.Equal(t, "tok1", tok.IDToken)

	v, ok := kv.Get(keyRefreshToken)
	require.True(t, ok)
	require.Equal(t, "r1", v)
}

func TestSignInUsesPersistedRefreshTokenFirst(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	auth := &fakeAuth{
		refreshTokens: map[string]Tokens{
			"existing-refresh": {UserID: "u2", IDToken: "tok2", RefreshToken: "existing-refresh", ExpiresAt: expires},
		},
		signInOutcome: SignInOutcome{Failed: true, Reason: "should not be used"},
	}
	kv := NewMemKV()
	kv.Set(keyRefreshToken, "existing-refresh")
	src := New(auth, kv, nil)

	outcome := <-src.SignIn(context.Background())
	require.False(t, outcome.Failed)
	require.Equal(t, "tok2", outcome.Tokens.IDToken)
	require.Equal(t, 1, auth.refreshCalls)
}

func TestSignInFallsBackToFullSignInWhenRefreshFails(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	auth := &fakeAuth{
		refreshErr: errors.New("refresh token expired"),
		signInOutcome: SignInOutcome{Tokens: Tokens{
			UserID: "u3", IDToken: "tok3", RefreshToken: "r3", ExpiresAt: expires,
		}},
	}
	kv := NewMemKV()
	kv.Set(keyRefreshToken, "stale")
	src := New(auth, kv, nil)

	outcome := <-src.SignIn(context.Background())
	require.False(t, outcome.Failed)
	require.Equal(t, "tok3", outcome.Tokens.IDToken)
}

func TestSignInPropagatesFailedOutcome(t *testing.T) {
	auth := &fakeAuth{signInOutcome: SignInOutcome{Failed: true, Reason: "bad credentials"}}
	kv := NewMemKV()
	src := New(auth, kv, nil)

	outcome := <-src.SignIn(context.Background())
	require.True(t, outcome.Failed)
	require.Equal(t, "bad credentials", outcome.Reason)

	_, ok := src.Current()
	require.False(t, ok)
}

func TestLogOutClearsCurrentAndPersistedToken(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	auth := &fakeAuth{signInOutcome: SignInOutcome{Tokens: Tokens{
		UserID: "u4", IDToken: "tok4", RefreshToken: "r4", ExpiresAt: expires,
	}}}
	kv := NewMemKV()
	src := New(auth, kv, nil)
	<-src.SignIn(context.Background())

	require.NoError(t, src.LogOut(context.Background()))
	_, ok := src.Current()
	require.False(t, ok)
	require.Equal(t, 1, auth.logOutCalls)

	v, _ := kv.Get(keyRefreshToken)
	require.Equal(t, "", v)
}

func TestDeleteUserDelegatesToAuthenticator(t *testing.T) {
	auth := &fakeAuth{}
	kv := NewMemKV()
	src := New(auth, kv, nil)

	ok, err := src.DeleteUser(context.Background(), "sometoken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, auth.deleteCalls)
}

func TestAbortCancelsInFlightSignIn(t *testing.T) {
	auth := &fakeAuth{}
	kv := NewMemKV()
	src := New(auth, kv, nil)

	ch := src.SignIn(context.Background())
	src.Abort()

	select {
	case outcome := <-ch:
		require.True(t, outcome.Aborted || !outcome.Failed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aborted sign-in outcome")
	}
}

// memKV is a minimal KVStore stub satisfying the narrow interface credential
// depends on, independent of the kvstore package's concrete FileStore/MemStore.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemKV() *memKV {
	return &memKV{data: map[string]string{}}
}

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
