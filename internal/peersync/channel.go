package peersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/logging"
)

const defaultRequestTimeout = 3 * time.Second

// ChannelOptions tunes a Channel.
type ChannelOptions struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Channel is the account-level view of a Transport.
type Channel struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewChannel wraps transport.
func NewChannel(transport Transport, opts ChannelOptions) *Channel {
	c := &Channel{transport: transport, logger: opts.Logger, timeout: opts.RequestTimeout, now: opts.Now}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.timeout <= 0 {
		c.timeout = defaultRequestTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// PushCredential sends acct to the peer as an urgent data item. Failures are
// logged and dropped.
func (c *Channel) PushCredential(ctx context.Context, acct account.Credential) {
	data, err := EncodeAccount(acct, c.now().UnixMilli())
	if err != nil {
		c.logger.Warn("encode account for peer", "error", err)
		return
	}
	if err := c.transport.PutData(ctx, PathAccount, data, true); err != nil {
		c.logger.Warn("push account to peer", "error", err)
		return
	}
	c.logger.Info("account pushed to peer", "identifier", acct.Identifier)
}

// RequestPeerRefresh asks the phone to resend the account. ErrNoPeer is
// returned as is so callers can tell the user.
func (c *Channel) RequestPeerRefresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.NewString()
	if err := c.transport.SendMessage(ctx, PathRefresh, []byte(id)); err != nil {
		if errors.Is(err, ErrNoPeer) {
			return ErrNoPeer
		}
		return fmt.Errorf("request peer refresh: %w", err)
	}
	c.logger.Info("peer refresh requested", "request_id", id)
	return nil
}

// PeerRefreshRequests emits once per inbound refresh request until ctx is done.
func (c *Channel) PeerRefreshRequests(ctx context.Context) (<-chan struct{}, error) {
	raw, err := c.transport.Subscribe(ctx, PathRefresh)
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range raw {
			// Requests arriving while one is pending collapse into it.
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

// AccountUpdates emits every account pushed by the peer. Malformed payloads
// are logged and skipped.
func (c *Channel) AccountUpdates(ctx context.Context) (<-chan AccountPayload, error) {
	raw, err := c.transport.Subscribe(ctx, PathAccount)
	if err != nil {
		return nil, err
	}
	out := make(chan AccountPayload)
	go func() {
		defer close(out)
		for data := range raw {
			p, err := DecodeAccount(data)
			if err != nil {
				c.logger.Warn("drop malformed account payload", "error", err, "bytes", len(data))
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Status reports the transport state for health checks.
func (c *Channel) Status(ctx context.Context) string {
	return c.transport.Status(ctx)
}
