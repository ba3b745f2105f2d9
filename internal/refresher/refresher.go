// Package refresher keeps the displayed credential fresh while it is visible.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/logging"
	"github.com/kw-pass/kwpass/internal/notification"
	"github.com/kw-pass/kwpass/internal/resolver"
	"github.com/kw-pass/kwpass/internal/stream"
)

const defaultInterval = 30 * time.Second

// Obtainer produces an encoded credential for an account.
type Obtainer interface {
	Obtain(ctx context.Context, acct account.Credential) (resolver.Credential, error)
}

// IdleObtainer is implemented by obtainers that can decline a background
// request while another resolution is in flight, answering resolver.ErrBusy.
// Periodic refreshes use it so a timer tick never supersedes a user request.
type IdleObtainer interface {
	ObtainIfIdle(ctx context.Context, acct account.Credential) (resolver.Credential, error)
}

// AccountSource supplies the account to resolve.
type AccountSource interface {
	Credential() account.Credential
}

// Snapshot is what the display shows: the last good credential and the
// outcome of the most recent attempt.
type Snapshot struct {
	Credential resolver.Credential
	Err        error
	UpdatedAt  time.Time
}

// Ready reports whether a payload is available.
func (s Snapshot) Ready() bool { return s.Credential.Payload != "" }

// Options tunes a Refresher.
type Options struct {
	Interval time.Duration
	// FailureKind is the notification kind used for background failures.
	FailureKind string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Refresher re-resolves on a fixed interval while visible.
type Refresher struct {
	obtain   Obtainer
	source   AccountSource
	notifier notification.Notifier
	opts     Options
	logger   *slog.Logger

	visible atomic.Bool
	trigger chan struct{}
	resume  chan struct{}
	snap    *stream.Subject[Snapshot]

	// mu orders publishes: a refresh started earlier never overwrites the
	// snapshot of one started later.
	mu        sync.Mutex
	started   uint64
	published uint64
}

// New builds a refresher. It starts hidden.
func New(obtain Obtainer, source AccountSource, notifier notification.Notifier, opts Options) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.FailureKind == "" {
		opts.FailureKind = notification.KindRefreshFailed
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(logger)
	}
	return &Refresher{
		obtain:   obtain,
		source:   source,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		resume:   make(chan struct{}, 1),
		snap:     stream.NewSubject(Snapshot{}),
	}
}

// Run drives periodic refreshes until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.resume:
			ticker.Reset(r.opts.Interval)
			r.background(ctx)
		case <-r.trigger:
			r.background(ctx)
		case <-ticker.C:
			if r.visible.Load() {
				r.background(ctx)
			}
		}
	}
}

// SetVisible pauses or resumes periodic refresh. Becoming visible refreshes
// immediately.
func (r *Refresher) SetVisible(visible bool) {
	was := r.visible.Swap(visible)
	if visible && !was {
		signal(r.resume)
	}
	r.logger.Debug("display visibility changed", "visible", visible)
}

// Visible reports the current display state.
func (r *Refresher) Visible() bool { return r.visible.Load() }

// Trigger schedules a background refresh without waiting for it.
func (r *Refresher) Trigger() { signal(r.trigger) }

// RefreshNow resolves immediately on the caller's goroutine. Failures are
// returned, not notified; a background refresh in flight is superseded.
func (r *Refresher) RefreshNow(ctx context.Context) (resolver.Credential, error) {
	return r.refresh(ctx, false)
}

// Accept publishes a credential obtained elsewhere, such as during account setup.
func (r *Refresher) Accept(cred resolver.Credential) {
	r.publish(r.nextSeq(), func(Snapshot) Snapshot {
		return Snapshot{Credential: cred, UpdatedAt: r.opts.Now()}
	})
}

// Current returns the latest snapshot.
func (r *Refresher) Current() Snapshot { return r.snap.Current() }

// Observe replays the latest snapshot and then every change.
func (r *Refresher) Observe(ctx context.Context) <-chan Snapshot { return r.snap.Subscribe(ctx) }

func (r *Refresher) background(ctx context.Context) {
	r.refresh(ctx, true)
}

func (r *Refresher) refresh(ctx context.Context, background bool) (resolver.Credential, error) {
	acct := r.source.Credential()
	if err := acct.Validate(); err != nil {
		if background {
			r.logger.Debug("skip refresh, account not ready")
		}
		return resolver.Credential{}, err
	}

	seq := r.nextSeq()
	obtain := r.obtain.Obtain
	if idle, ok := r.obtain.(IdleObtainer); ok && background {
		obtain = idle.ObtainIfIdle
	}
	cred, err := obtain(ctx, acct)
	switch {
	case errors.Is(err, resolver.ErrBusy):
		r.logger.Debug("skip refresh, resolution in flight")
		return resolver.Credential{}, err
	case errors.Is(err, resolver.ErrSuperseded), errors.Is(err, context.Canceled):
		return resolver.Credential{}, err
	case err != nil:
		published := r.publish(seq, func(prev Snapshot) Snapshot {
			return Snapshot{Credential: prev.Credential, Err: err, UpdatedAt: r.opts.Now()}
		})
		if background && published {
			if nerr := r.notifier.Send(ctx, notification.Message{Kind: r.opts.FailureKind, Body: resolver.Kind(err)}); nerr != nil {
				r.logger.Warn("notify refresh failure", "error", nerr)
			}
		}
		return resolver.Credential{}, err
	}

	if !r.publish(seq, func(Snapshot) Snapshot {
		return Snapshot{Credential: cred, UpdatedAt: r.opts.Now()}
	}) {
		r.logger.Debug("drop refresh result, a newer one was published", "seq", seq)
	}
	return cred, nil
}

func (r *Refresher) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return r.started
}

// publish stores the snapshot built from the current one unless a refresh
// started after seq has already published.
func (r *Refresher) publish(seq uint64, build func(prev Snapshot) Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq < r.published {
		return false
	}
	r.published = seq
	r.snap.Publish(build(r.snap.Current()))
	return true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
