package peersync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/logging"
)

// CredentialSource is the read side of the credential store.
type CredentialSource interface {
	Credential() account.Credential
	ObserveCredential(ctx context.Context) <-chan account.Credential
}

// CredentialSink is the write side the watch mirrors into.
type CredentialSink interface {
	Credential() account.Credential
	SaveCredential(ctx context.Context, identifier, secret, contactNumber string) error
	ClearCachedSessionToken(ctx context.Context) error
}

// PhoneSyncer keeps the watch up to date: it answers refresh requests and
// pushes the account whenever it changes.
type PhoneSyncer struct {
	channel *Channel
	store   CredentialSource
	logger  *slog.Logger
}

// NewPhoneSyncer builds the phone side.
func NewPhoneSyncer(channel *Channel, store CredentialSource, logger *slog.Logger) *PhoneSyncer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PhoneSyncer{channel: channel, store: store, logger: logger}
}

// Run blocks until ctx is done.
func (p *PhoneSyncer) Run(ctx context.Context) error {
	requests, err := p.channel.PeerRefreshRequests(ctx)
	if err != nil {
		return err
	}
	changes := p.store.ObserveCredential(ctx)
	// The first value is the replay of what the watch may already have.
	select {
	case <-changes:
	case <-ctx.Done():
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-requests:
			if !ok {
				return nil
			}
			p.logger.Info("peer requested account")
			p.push(ctx, p.store.Credential())
		case acct, ok := <-changes:
			if !ok {
				return nil
			}
			p.push(ctx, acct)
		}
	}
}

func (p *PhoneSyncer) push(ctx context.Context, acct account.Credential) {
	if acct.Identifier == "" {
		return
	}
	p.channel.PushCredential(ctx, acct)
}

// WatchMirror stores every account the phone pushes.
type WatchMirror struct {
	channel  *Channel
	store    CredentialSink
	logger   *slog.Logger
	onUpdate func(ctx context.Context, acct account.Credential)
}

// NewWatchMirror builds the watch side. onUpdate, if set, runs after each
// mirrored account is saved.
func NewWatchMirror(channel *Channel, store CredentialSink, logger *slog.Logger, onUpdate func(context.Context, account.Credential)) *WatchMirror {
	if logger == nil {
		logger = logging.Discard()
	}
	return &WatchMirror{channel: channel, store: store, logger: logger, onUpdate: onUpdate}
}

// Run blocks until ctx is done. With no stored account it quietly asks the
// phone for one first.
func (w *WatchMirror) Run(ctx context.Context) error {
	updates, err := w.channel.AccountUpdates(ctx)
	if err != nil {
		return err
	}

	if w.store.Credential().Identifier == "" {
		if err := w.channel.RequestPeerRefresh(ctx); err != nil {
			if errors.Is(err, ErrNoPeer) {
				w.logger.Info("no phone connected for initial sync")
			} else {
				w.logger.Warn("initial sync request", "error", err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-updates:
			if !ok {
				return nil
			}
			acct := p.Credential()
			prev := w.store.Credential()
			if err := w.store.SaveCredential(ctx, acct.Identifier, acct.Secret, acct.ContactNumber); err != nil {
				w.logger.Error("mirror account from phone", "error", err)
				continue
			}
			if prev != acct {
				// The cached token belongs to the previous account.
				if err := w.store.ClearCachedSessionToken(ctx); err != nil {
					w.logger.Warn("clear cached session token", "error", err)
				}
			}
			w.logger.Info("account mirrored from phone", "identifier", acct.Identifier, "timestamp", p.Timestamp)
			if w.onUpdate != nil {
				w.onUpdate(ctx, acct)
			}
		}
	}
}
