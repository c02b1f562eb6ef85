package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeviceCodeAuthenticatorSignInCompletesAfterPending(t *testing.T) {
	var polls int32
	var prompted bool
	var promptCode string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login/start":
			json.NewEncoder(w).Encode(loginStartResponse{
				DeviceCode: "dc1", UserCode: "ABCD", VerificationURI: "http://example.invalid/verify",
				ExpiresIn: 60, Interval: 1,
			})
		case "/v1/auth/login/poll":
			n := atomic.AddInt32(&polls, 1)
			if n < 2 {
				json.NewEncoder(w).Encode(loginPollResponse{Status: "pending"})
				return
			}
			userID, idToken, refresh, email := "u1", "idtok", "reftok", "a@b.com"
			expiresAt := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
			json.NewEncoder(w).Encode(loginPollResponse{
				Status: "complete", UserID: &userID, IDToken: &idToken,
				RefreshToken: &refresh, Email: &email, ExpiresAt: &expiresAt,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := NewDeviceCodeAuthenticator(srv.URL, func(uri, code string) {
		prompted = true
		promptCode = code
	})

	outcome := <-a.SignIn(context.Background())
	require.False(t, outcome.Failed)
	require.False(t, outcome.Aborted)
	require.Equal(t, "u1", outcome.Tokens.UserID)
	require.Equal(t, "idtok", outcome.Tokens.IDToken)
	require.Equal(t, "reftok", outcome.Tokens.RefreshToken)
	require.True(t, prompted)
	require.Equal(t, "ABCD", promptCode)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&polls)), 2)
}

func TestDeviceCodeAuthenticatorSignInFailsOnUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login/start":
			json.NewEncoder(w).Encode(loginStartResponse{DeviceCode: "dc1", ExpiresIn: 60, Interval: 1})
		case "/v1/auth/login/poll":
			json.NewEncoder(w).Encode(loginPollResponse{Status: "denied"})
		}
	}))
	defer srv.Close()

	a := NewDeviceCodeAuthenticator(srv.URL, nil)
	outcome := <-a.SignIn(context.Background())
	require.True(t, outcome.Failed)
}

func TestDeviceCodeAuthenticatorSignInAbortsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login/start":
			json.NewEncoder(w).Encode(loginStartResponse{DeviceCode: "dc1", ExpiresIn: 60, Interval: 1})
		case "/v1/auth/login/poll":
			json.NewEncoder(w).Encode(loginPollResponse{Status: "pending"})
		}
	}))
	defer srv.Close()

	a := NewDeviceCodeAuthenticator(srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := a.SignIn(ctx)
	cancel()

	select {
	case outcome := <-ch:
		require.True(t, outcome.Aborted)
	case <-time.After(3 * time.Second):
		t.Fatal("sign-in did not observe cancellation")
	}
}

func TestDeviceCodeAuthenticatorRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/refresh", r.URL.Path)
		json.NewEncoder(w).Encode(refreshResponse{
			IDToken: "fresh-id", ExpiresAt: time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	a := NewDeviceCodeAuthenticator(srv.URL, nil)
	tok, err := a.Refresh(context.Background(), "some-refresh")
	require.NoError(t, err)
	require.Equal(t, "fresh-id", tok.IDToken)
	require.Equal(t, "some-refresh", tok.RefreshToken)
}

func TestDeviceCodeAuthenticatorLogOutAndDeleteUser(t *testing.T) {
	var loggedOut, deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/auth/logout":
			loggedOut = true
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v1/account" && r.Method == http.MethodDelete:
			deleted = true
			require.Equal(t, "Bearer idtok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	a := NewDeviceCodeAuthenticator(srv.URL, nil)
	require.NoError(t, a.LogOut(context.Background()))
	require.True(t, loggedOut)

	ok, err := a.DeleteUser(context.Background(), "idtok")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, deleted)
}
