// Package vault provides encrypted, durable persistence for the agent's
// credential record. It is the single source of truth for "am I
// authenticated": tokens and profile are sealed with AES-256-GCM under a key
// derived from an installation-scoped master secret, and every write replaces
// the record atomically.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketCredentials = []byte("credentials")
	bucketKeys        = []byte("keys")
	bucketAlarms      = []byte("alarms")

	recordKey = []byte("current")
)

// Refresher renews an expired credential record in place. It is implemented
// by the auth refresh engine and injected after construction to break the
// store/engine dependency cycle.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Credentials carries the decrypted token material of one session.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Profile is the denormalized user snapshot persisted with the tokens.
type Profile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// record is the persisted shape of the credential record. Sealed holds the
// ciphertext of a secrets bundle; Nonce is the plaintext GCM nonce used for
// this write. ExpiresAt stays in plaintext so validity checks never decrypt.
type record struct {
	Sealed    []byte    `json:"sealed"`
	Nonce     []byte    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// secrets is the plaintext bundle sealed as one message. Sealing the bundle
// whole keeps the record on a single fresh nonce per write without reusing
// that nonce across multiple GCM messages.
type secrets struct {
	Credentials
	Profile *Profile `json:"profile,omitempty"`
}

// Store is the encrypted token store backed by bbolt.
type Store struct {
	db        *bbolt.DB
	key       []byte
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
}

// Open opens (creating if needed) the vault database at path, loads or
// generates the installation master secret, and derives the sealing key.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCredentials, bucketKeys, bucketAlarms} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	master, err := loadOrCreateMasterKey(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	key, err := deriveSealingKey(master)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		key:    key,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetRefresher installs the refresh engine consulted when an expired token is
// requested. Must be called before the store serves traffic.
func (s *Store) SetRefresher(r Refresher) {
	s.refresher = r
}

// Save seals creds and profile under a fresh nonce and replaces the
// credential record wholesale. expiresIn is the server-declared access token
// lifetime; it must be positive.
func (s *Store) Save(ctx context.Context, creds Credentials, profile *Profile, expiresIn time.Duration) error {
	if creds.AccessToken == "" {
		return fmt.Errorf("save credentials: access token is empty")
	}
	if expiresIn <= 0 {
		return fmt.Errorf("save credentials: non-positive lifetime %s", expiresIn)
	}

	plaintext, err := json.Marshal(secrets{Credentials: creds, Profile: profile})
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	sealed, err := Encrypt(plaintext, s.key, nonce)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}

	rec := record{
		Sealed:    sealed,
		Nonce:     nonce,
		ExpiresAt: s.now().Add(expiresIn),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCredentials).Put(recordKey, raw); err != nil {
			return fmt.Errorf("write credential record: %w", err)
		}
		return nil
	})
}

// AccessToken returns the decrypted access token. A valid record decrypts
// directly; a present-but-expired record triggers one refresh through the
// installed engine and returns the renewed token. Absence yields ErrNoToken,
// a failed refresh ErrRefreshFailed.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	rec, err := s.load()
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrNoToken
	}

	if s.now().Before(rec.ExpiresAt) {
		sec, err := s.open(ctx, rec)
		if err != nil {
			return "", err
		}
		return sec.AccessToken, nil
	}

	if s.refresher == nil {
		return "", ErrTokenExpired
	}
	if err := s.refresher.Refresh(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	rec, err = s.load()
	if err != nil {
		return "", err
	}
	if rec == nil || !s.now().Before(rec.ExpiresAt) {
		return "", ErrRefreshFailed
	}
	sec, err := s.open(ctx, rec)
	if err != nil {
		return "", err
	}
	return sec.AccessToken, nil
}

// Tokens returns the decrypted token bundle regardless of expiry. The refresh
// engine uses it to reach the refresh token of an expired record.
func (s *Store) Tokens(ctx context.Context) (Credentials, error) {
	rec, err := s.load()
	if err != nil {
		return Credentials{}, err
	}
	if rec == nil {
		return Credentials{}, ErrNoToken
	}
	sec, err := s.open(ctx, rec)
	if err != nil {
		return Credentials{}, err
	}
	return sec.Credentials, nil
}

// Profile returns the decrypted user profile, or nil when absent or
// unreadable. It never returns an error; the profile is non-critical and
// callers degrade gracefully.
func (s *Store) Profile(ctx context.Context) *Profile {
	rec, err := s.load()
	if err != nil || rec == nil {
		return nil
	}
	sec, err := s.open(ctx, rec)
	if err != nil {
		return nil
	}
	return sec.Profile
}

// Present reports whether any credential record exists, expired or not. A
// present-but-expired record is still eligible for silent refresh.
func (s *Store) Present(ctx context.Context) bool {
	rec, err := s.load()
	return err == nil && rec != nil
}

// IsValid reports whether a record is present and not expired. It is cheap
// and never decrypts.
func (s *Store) IsValid(ctx context.Context) bool {
	rec, err := s.load()
	if err != nil || rec == nil {
		return false
	}
	return s.now().Before(rec.ExpiresAt)
}

// TimeRemaining returns the time until expiry, zero when absent or already
// expired.
func (s *Store) TimeRemaining(ctx context.Context) time.Duration {
	rec, err := s.load()
	if err != nil || rec == nil {
		return 0
	}
	remaining := rec.ExpiresAt.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear deletes the credential record. Idempotent.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCredentials).Delete(recordKey); err != nil {
			return fmt.Errorf("delete credential record: %w", err)
		}
		return nil
	})
}

// load reads the raw record. It returns (nil, nil) when no usable record
// exists; a record that cannot even be parsed is dropped on the spot.
func (s *Store) load() (*record, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketCredentials).Get(recordKey); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read credential record: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("credential record unparseable, discarding", "error", err)
		_ = s.Clear(context.Background())
		return nil, nil
	}
	// A sealed token without an expiry is invalid and treated as absent.
	if len(rec.Sealed) == 0 || rec.ExpiresAt.IsZero() {
		s.logger.Warn("credential record incomplete, discarding")
		_ = s.Clear(context.Background())
		return nil, nil
	}
	return &rec, nil
}

// open unseals the record's secrets bundle. Integrity failures clear the
// record (it is unusable under this key) and surface as ErrNoToken so callers
// fall through to the sign-in path.
func (s *Store) open(ctx context.Context, rec *record) (*secrets, error) {
	plaintext, err := Decrypt(rec.Sealed, s.key, rec.Nonce)
	if err != nil {
		s.logger.Warn("credential record failed integrity check, clearing", "error", err)
		_ = s.Clear(ctx)
		return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	var sec secrets
	if err := json.Unmarshal(plaintext, &sec); err != nil {
		_ = s.Clear(ctx)
		return nil, fmt.Errorf("%w: unmarshal secrets: %v", ErrNoToken, err)
	}
	return &sec, nil
}
