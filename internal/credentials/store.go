package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Keys under which the console persists its session.
const (
	KeyAccessKeyID     = "accessKeyId"
	KeySecretAccessKey = "secretAccessKey"
	KeySessionToken    = "sessionToken"
	KeyUsername        = "username"
)

// UsernameTTL is how long the last login name is remembered.
const UsernameTTL = 7 * 24 * time.Hour

// StoreSource is reported as aws.Credentials.Source for stored credentials.
const StoreSource = "S3ConsoleStore"

var ErrNotFound = errors.New("credential not found")

type entry struct {
	Value   string    `yaml:"value"`
	Expires time.Time `yaml:"expires,omitempty"`
}

// Store is a small persisted key/value store holding the console session.
// Entries may carry an expiry after which they read as absent. When a file
// path is configured every mutation is written through atomically.
type Store struct {
	mu      sync.RWMutex
	path    string
	now     func() time.Time
	entries map[string]entry
}

type Option func(*Store)

// WithFile persists the store to path.
func WithFile(path string) Option {
	return func(s *Store) {
		s.path = path
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store and loads any previously persisted entries.
func NewStore(opts ...Option) (*Store, error) {
	s := &Store{
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.path == "" {
		return s, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("decode credential store %s: %w", s.path, err)
		}
	}

	return s, nil
}

// Set stores value under key. A ttl of zero means the entry never expires.
func (s *Store) Set(key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{Value: value}
	if ttl > 0 {
		e.Expires = s.now().Add(ttl).UTC()
	}
	s.entries[key] = e
	return s.persistLocked()
}

// Get returns the value stored under key, or ErrNotFound when it is absent
// or expired.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return e.Value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.persistLocked()
}

// SetCredentials replaces the stored credential triple.
func (s *Store) SetCredentials(creds aws.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[KeyAccessKeyID] = entry{Value: creds.AccessKeyID}
	s.entries[KeySecretAccessKey] = entry{Value: creds.SecretAccessKey}
	if creds.SessionToken != "" {
		s.entries[KeySessionToken] = entry{Value: creds.SessionToken}
	} else {
		delete(s.entries, KeySessionToken)
	}
	if creds.CanExpire {
		for _, k := range []string{KeyAccessKeyID, KeySecretAccessKey, KeySessionToken} {
			if e, ok := s.entries[k]; ok {
				e.Expires = creds.Expires.UTC()
				s.entries[k] = e
			}
		}
	}
	return s.persistLocked()
}

// Clear wipes the access key, secret key and session token. The remembered
// username survives.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, KeyAccessKeyID)
	delete(s.entries, KeySecretAccessKey)
	delete(s.entries, KeySessionToken)
	return s.persistLocked()
}

// Credentials returns the stored credentials. Missing fields are empty.
func (s *Store) Credentials() aws.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := aws.Credentials{Source: StoreSource}
	if e, ok := s.entries[KeyAccessKeyID]; ok && !s.expired(e) {
		creds.AccessKeyID = e.Value
		if !e.Expires.IsZero() {
			creds.CanExpire = true
			creds.Expires = e.Expires
		}
	}
	if e, ok := s.entries[KeySecretAccessKey]; ok && !s.expired(e) {
		creds.SecretAccessKey = e.Value
	}
	if e, ok := s.entries[KeySessionToken]; ok && !s.expired(e) {
		creds.SessionToken = e.Value
	}
	return creds
}

// Retrieve implements aws.CredentialsProvider.
func (s *Store) Retrieve(ctx context.Context) (aws.Credentials, error) {
	creds := s.Credentials()
	if !creds.HasKeys() {
		return aws.Credentials{}, fmt.Errorf("retrieve stored credentials: %w", ErrNotFound)
	}
	return creds, nil
}

func (s *Store) expired(e entry) bool {
	return !e.Expires.IsZero() && !s.now().Before(e.Expires)
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	live := make(map[string]entry, len(s.entries))
	for k, e := range s.entries {
		if !s.expired(e) {
			live[k] = e
		}
	}

	data, err := yaml.Marshal(live)
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write credential store %s: %w", s.path, err)
	}
	return nil
}
