// Package credential implements the CredentialSource collaborator: it
// produces (user_id, id_token, expires_at) tuples, refreshes them on a
// timer, and falls back to a full sign-in when refresh is unavailable or
// fails. The async sign-in shape is grounded on marcus-td's device-code
// LoginStart/LoginPoll flow (internal/syncclient/client.go).
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tokens is the successful result of a sign-in or refresh.
type Tokens struct {
	UserID       string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
}

// SignInOutcome is the strongly-typed result of an asynchronous sign-in,
// replacing a type-erased future per spec §9.
type SignInOutcome struct {
	Tokens Tokens
	Failed bool
	Reason string
	Aborted bool
}

// Authenticator is the external identity-provider collaborator. Concrete
// implementations (email/password, OAuth, anonymous) are out of scope; this
// package only defines the contract and the refresh/retry policy around it.
type Authenticator interface {
	// SignIn starts an async sign-in, delivering exactly one SignInOutcome
	// on the returned channel, or terminating early if ctx is cancelled.
	SignIn(ctx context.Context) <-chan SignInOutcome
	// Refresh exchanges a refresh token for a fresh Tokens value.
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	// LogOut clears any provider-side cached session.
	LogOut(ctx context.Context) error
	// DeleteUser deletes the account identified by idToken.
	DeleteUser(ctx context.Context, idToken string) (bool, error)
}

// KVStore is the subset of kvstore.Store CredentialSource needs, kept
// narrow so this package has no import-time dependency on the concrete
// file-backed implementation.
type KVStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// refreshMargin is how far ahead of expiry the engine schedules a refresh,
// per spec §4.2 ("expires_at - 1 min, coarse timer").
const refreshMargin = time.Minute

// Source is the CredentialSource implementation. It is safe for concurrent
// use; all state transitions are serialized through mu.
type Source struct {
	auth Authenticator
	kv   KVStore
	log  *slog.Logger

	mu        sync.Mutex
	current   Tokens
	haveToken bool
	timer     *time.Timer
	abortFn   context.CancelFunc
}

// New builds a Source backed by auth and persisting the refresh token and
// expiry under kv's fixed namespace keys.
func New(auth Authenticator, kv KVStore, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{auth: auth, kv: kv, log: log}
}

const (
	keyRefreshToken = "auth/refresh_token"
	keyExpiresAt    = "auth/expires_at"
	keyEmail        = "auth/email"
)

// SignIn starts an asynchronous sign-in. If a refresh token is already
// persisted it attempts a refresh first; on failure it falls through to a
// full interactive sign-in, per spec §4.2.
func (s *Source) SignIn(ctx context.Context) <-chan SignInOutcome {
	out := make(chan SignInOutcome, 1)
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.abortFn = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		if rt, ok := s.kv.Get(keyRefreshToken); ok && rt != "" {
			tok, err := s.auth.Refresh(ctx, rt)
			if err == nil {
				s.adopt(tok)
				out <- SignInOutcome{Tokens: tok}
				return
			}
			s.log.Debug("refresh failed, falling back to full sign-in", "error", err)
		}

		select {
		case outcome, ok := <-s.auth.SignIn(ctx):
			if !ok {
				out <- SignInOutcome{Aborted: true}
				return
			}
			if outcome.Failed || outcome.Aborted {
				out <- outcome
				return
			}
			s.adopt(outcome.Tokens)
			out <- outcome
		case <-ctx.Done():
			out <- SignInOutcome{Aborted: true}
		}
	}()

	return out
}

// adopt stores tok as the current credential set, persists the refresh
// token/expiry, and (re)schedules the refresh timer.
func (s *Source) adopt(tok Tokens) {
	s.mu.Lock()
	s.current = tok
	s.haveToken = true
	s.mu.Unlock()

	if tok.RefreshToken != "" {
		_ = s.kv.Set(keyRefreshToken, tok.RefreshToken)
	}
	_ = s.kv.Set(keyExpiresAt, tok.ExpiresAt.UTC().Format(time.RFC3339))
	if tok.Email != "" {
		_ = s.kv.Set(keyEmail, tok.Email)
	}
	s.scheduleRefresh(tok)
}

// scheduleRefresh arms a coarse timer at expires_at - refreshMargin. A failed
// refresh is only logged: the previously adopted tokens stay current and no
// new SignIn is started.
func (s *Source) scheduleRefresh(tok Tokens) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := time.Until(tok.ExpiresAt.Add(-refreshMargin))
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt, ok := s.kv.Get(keyRefreshToken)
		if !ok || rt == "" {
			return
		}
		fresh, err := s.auth.Refresh(ctx, rt)
		if err != nil {
			s.log.Warn("scheduled token refresh failed", "error", err)
			return
		}
		s.adopt(fresh)
	})
	s.mu.Unlock()
}

// Current returns the last-adopted Tokens, if any.
func (s *Source) Current() (Tokens, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.haveToken
}

// Abort cancels the in-flight SignIn call, if any.
func (s *Source) Abort() {
	s.mu.Lock()
	fn := s.abortFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// LogOut clears cached tokens, both in memory and in the KeyValueStore.
func (s *Source) LogOut(ctx context.Context) error {
	s.mu.Lock()
	s.haveToken = false
	s.current = Tokens{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.auth.LogOut(ctx); err != nil {
		return fmt.Errorf("log out: %w", err)
	}
	_ = s.kv.Set(keyRefreshToken, "")
	return nil
}

// DeleteUser deletes the account identified by idToken.
func (s *Source) DeleteUser(ctx context.Context, idToken string) (bool, error) {
	ok, err := s.auth.DeleteUser(ctx, idToken)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return ok, nil
}

// ErrNoCredential is returned by callers that require an adopted token set.
var ErrNoCredential = errors.New("credential: no token currently adopted")
