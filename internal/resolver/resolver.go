// Package resolver turns a stored account into a fresh credential payload.
//
// A resolution first tries the cached session token (fast path). If that is
// absent or rejected it runs the full three-step login. Every failure is
// classified into ErrNetwork, ErrServer, ErrAccount or ErrUnknown. A new
// resolution cancels the one in flight; the cancelled caller gets
// ErrSuperseded and its attempt persists nothing further.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/logging"
	"github.com/kw-pass/kwpass/internal/qrcode"
)

// SessionClient performs the three remote steps. An empty result with a nil
// error is a soft failure.
type SessionClient interface {
	FetchSessionSecret(ctx context.Context, identifier string) (string, error)
	FetchSessionToken(ctx context.Context, identifier, secret, contactNumber, sessionSecret string) (string, error)
	FetchCredentialPayload(ctx context.Context, identifier, token string) (string, error)
}

// TokenCache persists the session token between resolutions.
type TokenCache interface {
	CachedSessionToken(ctx context.Context) (string, bool, error)
	SaveCachedSessionToken(ctx context.Context, token string) error
	ClearCachedSessionToken(ctx context.Context) error
}

// PayloadEncoder renders a payload; nil means it could not.
type PayloadEncoder interface {
	Encode(text string, margin, pixelSize int) *qrcode.Raster
}

// Options tunes a Resolver.
type Options struct {
	// IdentifierPrefix is prepended to the identifier on the wire.
	IdentifierPrefix string
	Margin           int
	PixelSize        int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Credential is a successfully obtained and encoded payload.
type Credential struct {
	Payload  string
	Raster   *qrcode.Raster
	IssuedAt time.Time
}

type attempt struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Resolver serializes resolutions with a cancel-and-replace policy.
type Resolver struct {
	client  SessionClient
	cache   TokenCache
	encoder PayloadEncoder
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	seq     uint64
	current *attempt
}

// New builds a resolver.
func New(client SessionClient, cache TokenCache, encoder PayloadEncoder, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PixelSize <= 0 {
		opts.PixelSize = 1
	}
	return &Resolver{client: client, cache: cache, encoder: encoder, opts: opts, logger: logger}
}

// mode selects how an attempt treats the cache and other attempts.
type mode int

const (
	modeDefault mode = iota
	// modeFresh skips the cached token so the account is verified by login.
	modeFresh
	// modeIfIdle gives up with ErrBusy instead of superseding an attempt in flight.
	modeIfIdle
)

// Obtain resolves acct and encodes the payload.
func (r *Resolver) Obtain(ctx context.Context, acct account.Credential) (Credential, error) {
	return r.obtain(ctx, acct, modeDefault)
}

// ObtainFresh is Obtain without the fast path. Use it for an account that was
// just edited: a token cached for the previous account must not vouch for it.
func (r *Resolver) ObtainFresh(ctx context.Context, acct account.Credential) (Credential, error) {
	return r.obtain(ctx, acct, modeFresh)
}

// ObtainIfIdle is Obtain for background callers. It never cancels an attempt
// in flight and returns ErrBusy instead.
func (r *Resolver) ObtainIfIdle(ctx context.Context, acct account.Credential) (Credential, error) {
	return r.obtain(ctx, acct, modeIfIdle)
}

func (r *Resolver) obtain(ctx context.Context, acct account.Credential, m mode) (Credential, error) {
	payload, err := r.resolve(ctx, acct, m)
	if err != nil {
		return Credential{}, err
	}
	raster := r.encoder.Encode(payload, r.opts.Margin, r.opts.PixelSize)
	if raster == nil {
		r.logger.Error("payload could not be encoded", "payload_len", len(payload))
		return Credential{}, fmt.Errorf("%w: encode payload", ErrUnknown)
	}
	return Credential{Payload: payload, Raster: raster, IssuedAt: r.opts.Now()}, nil
}

// Resolve returns a fresh payload for acct. An invalid account fails with
// *account.ValidationError before any network call.
func (r *Resolver) Resolve(ctx context.Context, acct account.Credential) (string, error) {
	return r.resolve(ctx, acct, modeDefault)
}

func (r *Resolver) resolve(ctx context.Context, acct account.Credential, m mode) (string, error) {
	if err := acct.Validate(); err != nil {
		return "", err
	}

	att, attemptCtx, ok := r.begin(ctx, m == modeIfIdle)
	if !ok {
		return "", ErrBusy
	}
	defer r.end(att)

	start := time.Now()
	payload, path, err := r.run(attemptCtx, r.opts.IdentifierPrefix+acct.Identifier, acct, m == modeFresh)

	if attemptCtx.Err() != nil {
		if r.superseded(att) {
			r.logger.Info("resolution superseded", "attempt", att.id)
			return "", ErrSuperseded
		}
		return "", attemptCtx.Err()
	}
	if err != nil {
		r.logger.Warn("resolution failed", "attempt", att.id, "kind", Kind(err), "error", err, "duration", time.Since(start))
		return "", err
	}
	r.logger.Info("resolution succeeded", "attempt", att.id, "path", path, "payload_len", len(payload), "duration", time.Since(start))
	return payload, nil
}

// Cancel aborts the resolution in flight, if any.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur != nil {
		cur.cancel()
	}
}

func (r *Resolver) run(ctx context.Context, wireID string, acct account.Credential, skipCache bool) (string, string, error) {
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	if !skipCache {
		if payload, ok := r.fastPath(ctx, wireID); ok {
			return payload, "fast", nil
		}
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	payload, err := r.fullProtocol(ctx, wireID, acct)
	return payload, "full", err
}

// fastPath redeems the cached token. Its failures are never surfaced.
func (r *Resolver) fastPath(ctx context.Context, wireID string) (string, bool) {
	token, ok, err := r.cache.CachedSessionToken(ctx)
	if err != nil {
		r.logger.Warn("read cached session token", "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}

	payload, err := r.client.FetchCredentialPayload(ctx, wireID, token)
	if err == nil && payload != "" {
		return payload, true
	}
	if ctx.Err() != nil {
		return "", false
	}
	if err != nil {
		// Transport trouble says nothing about the token; keep it.
		r.logger.Debug("fast path failed", "error", err)
		return "", false
	}
	r.logger.Debug("cached session token rejected")
	if err := r.cache.ClearCachedSessionToken(ctx); err != nil {
		r.logger.Warn("clear cached session token", "error", err)
	}
	return "", false
}

func (r *Resolver) fullProtocol(ctx context.Context, wireID string, acct account.Credential) (string, error) {
	sessionSecret, err := r.client.FetchSessionSecret(ctx, wireID)
	if err != nil {
		return "", classify("fetch session secret", err, ErrServer)
	}
	if sessionSecret == "" {
		return "", fmt.Errorf("%w: no session secret issued", ErrServer)
	}

	token, err := r.client.FetchSessionToken(ctx, wireID, acct.Secret, acct.ContactNumber, sessionSecret)
	if err != nil {
		return "", classify("fetch session token", err, ErrUnknown)
	}
	if token == "" {
		return "", fmt.Errorf("%w: login refused", ErrAccount)
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err := r.cache.SaveCachedSessionToken(ctx, token); err != nil {
		r.logger.Warn("save cached session token", "error", err)
	}

	payload, err := r.client.FetchCredentialPayload(ctx, wireID, token)
	if err != nil {
		return "", classify("fetch credential payload", err, ErrUnknown)
	}
	if payload == "" {
		return "", fmt.Errorf("%w: no credential payload issued", ErrServer)
	}
	return payload, nil
}

// begin cancels the attempt in flight and waits for it to unwind so that two
// attempts never overlap. With idleOnly it instead reports false when an
// attempt is in flight; the check and the registration happen under one lock.
func (r *Resolver) begin(ctx context.Context, idleOnly bool) (*attempt, context.Context, bool) {
	r.mu.Lock()
	if idleOnly && r.current != nil {
		r.mu.Unlock()
		return nil, nil, false
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	r.seq++
	att := &attempt{id: r.seq, cancel: cancel, done: make(chan struct{})}
	prev := r.current
	r.current = att
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	return att, attemptCtx, true
}

func (r *Resolver) end(att *attempt) {
	r.mu.Lock()
	if r.current == att {
		r.current = nil
	}
	r.mu.Unlock()
	att.cancel()
	close(att.done)
}

func (r *Resolver) superseded(att *attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != att
}
