// Package kvstore provides the KeyValueStore collaborator: small persisted
// configuration (device id, refresh token, per-table last-sync mirrors).
// It follows the same config-dir and file-permission conventions as
// marcus-td's internal/syncconfig package.
package kvstore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store is the KeyValueStore contract from spec §4.1. All keys the engine
// reads or writes live under a fixed namespace prefix; Store itself does not
// enforce that — callers (the engine) are expected to never scan outside it.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool)
	// Set persists value under key.
	Set(key, value string) error
	// Remove deletes every key sharing prefix.
	Remove(prefix string) error
	// Sync flushes any buffered state to durable storage.
	Sync() error
}

// FileStore is a JSON-file-backed Store, one file per namespace directory,
// matching syncconfig's LoadConfig/SaveConfig/0600-perms pattern for
// sensitive values (refresh tokens) and 0644 for the rest — this store uses
// 0600 uniformly since device id and refresh token share one file.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// ConfigDir returns the engine's config directory, creating it if needed,
// following syncconfig.ConfigDir's $HOME/.config/<app> layout.
func ConfigDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", appName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Open loads (or creates) the kvstore.json file under dir.
func Open(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create kvstore dir: %w", err)
	}
	path := filepath.Join(dir, "kvstore.json")
	fs := &FileStore{path: path, data: map[string]string{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("read kvstore: %w", err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.data); err != nil {
		return nil, fmt.Errorf("parse kvstore: %w", err)
	}
	return fs, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return s.Sync()
}

func (s *FileStore) Remove(prefix string) error {
	s.mu.Lock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	s.mu.Unlock()
	return s.Sync()
}

// Sync writes the current in-memory map to disk.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(s.data))
	for _, k := range keys {
		ordered[k] = s.data[k]
	}
	raw, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kvstore: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write kvstore: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// MemStore is an in-memory Store for tests and for CredentialSource
// implementations that don't need durability.
type MemStore struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{data: map[string]string{}}
}

func (s *MemStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemStore) Remove(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *MemStore) Sync() error { return nil }

// Namespace keys, fixed per spec §6 "Persisted state".
const (
	KeyDeviceID       = "device_id"
	KeyAuthRefresh    = "auth/refresh_token"
	KeyAuthExpiresAt  = "auth/expires_at"
	KeyAuthEmail      = "auth/email"
	tablesPrefix      = "tables/"
	lastSyncSuffix    = "/last_sync"
)

// TableLastSyncKey builds the `tables/<T>/last_sync` key for table T.
func TableLastSyncKey(table string) string {
	return tablesPrefix + table + lastSyncSuffix
}

// ErrNoDeviceID is returned by DeviceID callers that require one to already
// exist; EnsureDeviceID should be used instead when creation-on-first-use is
// acceptable.
var ErrNoDeviceID = errors.New("kvstore: no device_id persisted")

// EnsureDeviceID returns the persisted device id, generating and persisting
// a fresh UUID on first use (mirrors QtDataSync's AccountManager::deviceId).
func EnsureDeviceID(s Store) (string, error) {
	if v, ok := s.Get(KeyDeviceID); ok && v != "" {
		return v, nil
	}
	id := uuid.New().String()
	if err := s.Set(KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device_id: %w", err)
	}
	return id, nil
}

// NewSessionID returns a fresh random UUID string for use as a session id.
// Nothing in this module calls it; uploads are not tagged with a session id.
func NewSessionID() string {
	return uuid.New().String()
}

// randomHex is kept only as a fallback identifier source when uuid
// generation is undesirable (e.g. short-lived cancellation tokens); mirrors
// syncconfig.GenerateDeviceID's raw crypto/rand+hex approach.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
