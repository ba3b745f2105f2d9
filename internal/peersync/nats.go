package peersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kw-pass/kwpass/internal/logging"
)

const natsFlushTimeout = 2 * time.Second

// NATSTransport pairs devices over NATS subjects. Messages are sent as
// requests so an absent peer is detected through the no-responders status.
type NATSTransport struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials url and returns a transport namespaced under pairingID.
func ConnectNATS(url, pairingID string, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	opts := []nats.Option{
		nats.Name("kwpass-" + pairingID),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSTransport(conn, pairingID, logger), nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(conn *nats.Conn, pairingID string, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = logging.Discard()
	}
	return &NATSTransport{conn: conn, prefix: "kwpass." + pairingID, logger: logger}
}

// subject maps "/account" to "kwpass.<pairing>.account".
func (t *NATSTransport) subject(path string) string {
	return t.prefix + "." + strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (t *NATSTransport) PutData(_ context.Context, path string, data []byte, urgent bool) error {
	if err := t.conn.Publish(t.subject(path), data); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	if urgent {
		if err := t.conn.FlushTimeout(natsFlushTimeout); err != nil {
			return fmt.Errorf("flush %s: %w", path, err)
		}
	}
	return nil
}

func (t *NATSTransport) SendMessage(ctx context.Context, path string, data []byte) error {
	_, err := t.conn.RequestWithContext(ctx, t.subject(path), data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return ErrNoPeer
	default:
		return fmt.Errorf("send %s: %w", path, err)
	}
}

// Subscribe acknowledges requests so the sender knows a peer is present.
func (t *NATSTransport) Subscribe(ctx context.Context, path string) (<-chan []byte, error) {
	in := make(chan []byte, 8)
	sub, err := t.conn.Subscribe(t.subject(path), func(msg *nats.Msg) {
		if msg.Reply != "" {
			if err := msg.Respond(nil); err != nil {
				t.logger.Warn("ack peer message", "path", path, "error", err)
			}
		}
		select {
		case in <- msg.Data:
		default:
			t.logger.Warn("peer channel full, dropping message", "path", path)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	if err := t.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-in:
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *NATSTransport) Status(context.Context) string {
	switch t.conn.Status() {
	case nats.CONNECTED:
		return "ok"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}
