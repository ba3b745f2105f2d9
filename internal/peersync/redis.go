package peersync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kw-pass/kwpass/internal/logging"
)

// RedisTransport pairs devices over Redis pub/sub. Data items are also
// stored so they can be inspected.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisTransport namespaces every key and channel under pairingID.
func NewRedisTransport(client *redis.Client, pairingID string, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisTransport{client: client, prefix: "kwpass:" + pairingID + ":", logger: logger}
}

func (t *RedisTransport) channel(path string) string { return t.prefix + "ch:" + path }

func (t *RedisTransport) dataKey(path string) string { return t.prefix + "data:" + path }

func (t *RedisTransport) PutData(ctx context.Context, path string, data []byte, urgent bool) error {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, t.dataKey(path), data, 0)
		pipe.Publish(ctx, t.channel(path), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	t.logger.Debug("data item published", "path", path, "urgent", urgent, "bytes", len(data))
	return nil
}

func (t *RedisTransport) SendMessage(ctx context.Context, path string, data []byte) error {
	n, err := t.client.Publish(ctx, t.channel(path), data).Result()
	if err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	if n == 0 {
		return ErrNoPeer
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server.
func (t *RedisTransport) Subscribe(ctx context.Context, path string) (<-chan []byte, error) {
	sub := t.client.Subscribe(ctx, t.channel(path))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Status(ctx context.Context) string {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return err.Error()
	}
	return "ok"
}

// Close is a no-op; the client is shared.
func (t *RedisTransport) Close() error { return nil }
