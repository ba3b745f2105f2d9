// Package credential owns the durable account record, the first-run flag and
// the cached session token.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/kv"
	"github.com/kw-pass/kwpass/internal/logging"
	"github.com/kw-pass/kwpass/internal/stream"
	"github.com/kw-pass/kwpass/internal/vault"
)

// Keys in the underlying kv store.
const (
	KeyIdentifier    = "rid"
	KeySecret        = "password"
	KeyContactNumber = "tel"
	KeyFirstRun      = "is_first_run"
	KeySessionToken  = "auth_key"
)

// Store is the single writer of persisted account state. Every field except
// the first-run flag is encrypted through the vault.
type Store struct {
	mu       sync.Mutex
	kv       kv.Store
	vault    *vault.Vault
	logger   *slog.Logger
	cred     *stream.Subject[account.Credential]
	firstRun *stream.Subject[bool]
}

// New builds a store. Call Load before observing to seed persisted values.
func New(store kv.Store, v *vault.Vault, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		kv:       store,
		vault:    v,
		logger:   logger,
		cred:     stream.NewSubject(account.Credential{}),
		firstRun: stream.NewSubject(true),
	}
}

// Load reads persisted values and publishes them to observers.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cred account.Credential
	fields := []struct {
		key string
		dst *string
	}{
		{KeyIdentifier, &cred.Identifier},
		{KeySecret, &cred.Secret},
		{KeyContactNumber, &cred.ContactNumber},
	}
	for _, f := range fields {
		v, err := s.decryptedField(ctx, f.key)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	firstRun := true
	raw, ok, err := s.kv.Get(ctx, KeyFirstRun)
	if err != nil {
		return fmt.Errorf("read %s: %w", KeyFirstRun, err)
	}
	if ok {
		if b, err := strconv.ParseBool(raw); err == nil {
			firstRun = b
		}
	}

	s.cred.Publish(cred)
	s.firstRun.Publish(firstRun)
	return nil
}

// Credential returns the latest stored account.
func (s *Store) Credential() account.Credential {
	return s.cred.Current()
}

// ObserveCredential replays the current account and then every change.
func (s *Store) ObserveCredential(ctx context.Context) <-chan account.Credential {
	return s.cred.Subscribe(ctx)
}

// SaveCredential encrypts each field independently and writes all three in one batch.
func (s *Store) SaveCredential(ctx context.Context, identifier, secret, contactNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]string, 3)
	for key, plain := range map[string]string{
		KeyIdentifier:    identifier,
		KeySecret:        secret,
		KeyContactNumber: contactNumber,
	} {
		ct, err := s.vault.Encrypt(plain)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		entries[key] = ct
	}
	if err := s.kv.Set(ctx, entries); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	s.cred.Publish(account.Credential{Identifier: identifier, Secret: secret, ContactNumber: contactNumber})
	s.logger.Debug("credential saved", "identifier", identifier, "secret_len", len(secret))
	return nil
}

// FirstRun reports whether initial setup is still pending.
func (s *Store) FirstRun() bool {
	return s.firstRun.Current()
}

// ObserveFirstRun replays the current flag and then every change.
func (s *Store) ObserveFirstRun(ctx context.Context) <-chan bool {
	return s.firstRun.Subscribe(ctx)
}

// MarkSetupComplete clears the first-run flag. Repeated calls are no-ops.
func (s *Store) MarkSetupComplete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.firstRun.Current() {
		return nil
	}
	if err := s.kv.Set(ctx, map[string]string{KeyFirstRun: strconv.FormatBool(false)}); err != nil {
		return fmt.Errorf("mark setup complete: %w", err)
	}
	s.firstRun.Publish(false)
	return nil
}

// CachedSessionToken returns the cached token, if any. A present token is
// only a hint; the remote service may have revoked it.
func (s *Store) CachedSessionToken(ctx context.Context) (string, bool, error) {
	token, err := s.decryptedField(ctx, KeySessionToken)
	if err != nil {
		return "", false, err
	}
	return token, token != "", nil
}

// SaveCachedSessionToken replaces the cached token.
func (s *Store) SaveCachedSessionToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ct, err := s.vault.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", KeySessionToken, err)
	}
	if err := s.kv.Set(ctx, map[string]string{KeySessionToken: ct}); err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	return nil
}

// ClearCachedSessionToken removes the cached token.
func (s *Store) ClearCachedSessionToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, KeySessionToken); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	return nil
}

// Ping checks the underlying kv store.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// decryptedField reads key and decrypts it; a missing or undecryptable value is "".
func (s *Store) decryptedField(ctx context.Context, key string) (string, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return s.vault.Decrypt(raw), nil
}
