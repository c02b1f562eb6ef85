package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/datasync/engine/internal/credential"
)

// loginStartResponse mirrors marcus-td's syncclient.LoginStartResponse:
// POST /v1/auth/login/start.
type loginStartResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// loginPollResponse mirrors syncclient.LoginPollResponse: POST
// /v1/auth/login/poll.
type loginPollResponse struct {
	Status       string  `json:"status"`
	UserID       *string `json:"user_id,omitempty"`
	IDToken      *string `json:"id_token,omitempty"`
	RefreshToken *string `json:"refresh_token,omitempty"`
	Email        *string `json:"email,omitempty"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
}

type refreshResponse struct {
	IDToken   string `json:"id_token"`
	ExpiresAt string `json:"expires_at"`
}

// PromptFunc is given the verification URI and user code so the CLI can
// display them; it is called once per SignIn.
type PromptFunc func(verificationURI, userCode string)

// DeviceCodeAuthenticator implements credential.Authenticator against the
// same device-code login flow marcus-td's `td auth login` drives
// (internal/syncclient.Client.LoginStart/LoginPoll), generalized from the
// td backend's API-key exchange to this engine's (user_id, id_token,
// refresh_token) triple.
type DeviceCodeAuthenticator struct {
	BaseURL string
	HTTP    *http.Client
	Prompt  PromptFunc
}

// NewDeviceCodeAuthenticator builds an Authenticator talking to baseURL.
func NewDeviceCodeAuthenticator(baseURL string, prompt PromptFunc) *DeviceCodeAuthenticator {
	return &DeviceCodeAuthenticator{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Prompt:  prompt,
	}
}

func (a *DeviceCodeAuthenticator) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, body: string(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// SignIn starts the device-code flow and polls until the user completes
// it elsewhere, exactly as `td auth login` does interactively, but
// delivering the outcome asynchronously on a channel per spec §9's
// strongly-typed-future redesign.
func (a *DeviceCodeAuthenticator) SignIn(ctx context.Context) <-chan credential.SignInOutcome {
	out := make(chan credential.SignInOutcome, 1)
	go func() {
		defer close(out)

		var start loginStartResponse
		if err := a.doNoAuth(ctx, http.MethodPost, "/v1/auth/login/start", nil, &start); err != nil {
			if ctx.Err() != nil {
				out <- credential.SignInOutcome{Aborted: true}
				return
			}
			out <- credential.SignInOutcome{Failed: true, Reason: err.Error()}
			return
		}
		if a.Prompt != nil {
			a.Prompt(start.VerificationURI, start.UserCode)
		}

		interval := time.Duration(start.Interval) * time.Second
		if interval < time.Second {
			interval = 5 * time.Second
		}
		deadline := time.Now().Add(time.Duration(start.ExpiresIn) * time.Second)

		for {
			select {
			case <-ctx.Done():
				out <- credential.SignInOutcome{Aborted: true}
				return
			case <-time.After(interval):
			}
			if time.Now().After(deadline) {
				out <- credential.SignInOutcome{Failed: true, Reason: "device code expired"}
				return
			}

			var poll loginPollResponse
			if err := a.doNoAuth(ctx, http.MethodPost, "/v1/auth/login/poll", map[string]string{"device_code": start.DeviceCode}, &poll); err != nil {
				if ctx.Err() != nil {
					out <- credential.SignInOutcome{Aborted: true}
					return
				}
				out <- credential.SignInOutcome{Failed: true, Reason: err.Error()}
				return
			}
			switch poll.Status {
			case "pending":
				continue
			case "complete":
				tok, err := pollToTokens(poll)
				if err != nil {
					out <- credential.SignInOutcome{Failed: true, Reason: err.Error()}
					return
				}
				out <- credential.SignInOutcome{Tokens: tok}
				return
			default:
				out <- credential.SignInOutcome{Failed: true, Reason: "unexpected poll status: " + poll.Status}
				return
			}
		}
	}()
	return out
}

func pollToTokens(p loginPollResponse) (credential.Tokens, error) {
	var tok credential.Tokens
	if p.UserID != nil {
		tok.UserID = *p.UserID
	}
	if p.IDToken != nil {
		tok.IDToken = *p.IDToken
	}
	if p.RefreshToken != nil {
		tok.RefreshToken = *p.RefreshToken
	}
	if p.Email != nil {
		tok.Email = *p.Email
	}
	if p.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *p.ExpiresAt)
		if err != nil {
			return tok, fmt.Errorf("parse expires_at: %w", err)
		}
		tok.ExpiresAt = t
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a fresh id_token/expires_at pair.
func (a *DeviceCodeAuthenticator) Refresh(ctx context.Context, refreshToken string) (credential.Tokens, error) {
	var resp refreshResponse
	if err := a.doNoAuth(ctx, http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": refreshToken}, &resp); err != nil {
		return credential.Tokens{}, err
	}
	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		return credential.Tokens{}, fmt.Errorf("parse expires_at: %w", err)
	}
	return credential.Tokens{IDToken: resp.IDToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}, nil
}

// LogOut invalidates the refresh token server-side, best-effort.
func (a *DeviceCodeAuthenticator) LogOut(ctx context.Context) error {
	return a.doNoAuth(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
}

// DeleteUser deletes the account identified by idToken.
func (a *DeviceCodeAuthenticator) DeleteUser(ctx context.Context, idToken string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.BaseURL+"/v1/account", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+idToken)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return false, &statusError{status: resp.StatusCode, body: string(body)}
	}
	return true, nil
}
