package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// KindRefreshFailed is a transient notice that a background refresh failed.
	KindRefreshFailed = "refresh_failed"
	// KindHapticError asks the wearable to play its error vibration pattern.
	KindHapticError = "haptic_error"
	// KindPeerUnavailable reports that the paired phone could not be reached.
	KindPeerUnavailable = "peer_unavailable"
)

// Message describes a notification payload.
type Message struct {
	Kind string
	Body string
}

// Notifier delivers user-facing notices that must not block the current view.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "body", message.Body)
	return nil
}

// Recorder keeps the most recent notices in memory so the local API can show them.
type Recorder struct {
	next  Notifier
	limit int

	mu     sync.Mutex
	recent []Message
}

// NewRecorder wraps next (may be nil) and keeps up to limit messages.
func NewRecorder(next Notifier, limit int) *Recorder {
	if limit <= 0 {
		limit = 20
	}
	return &Recorder{next: next, limit: limit}
}

// Send records message and forwards it.
func (r *Recorder) Send(ctx context.Context, message Message) error {
	r.mu.Lock()
	r.recent = append(r.recent, message)
	if len(r.recent) > r.limit {
		r.recent = r.recent[len(r.recent)-r.limit:]
	}
	r.mu.Unlock()

	if r.next != nil {
		return r.next.Send(ctx, message)
	}
	return nil
}

// Recent returns recorded messages, oldest first.
func (r *Recorder) Recent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.recent...)
}
