// Package app assembles the credential pipeline for one device role.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/config"
	"github.com/kw-pass/kwpass/internal/credential"
	"github.com/kw-pass/kwpass/internal/infra"
	"github.com/kw-pass/kwpass/internal/notification"
	"github.com/kw-pass/kwpass/internal/peersync"
	"github.com/kw-pass/kwpass/internal/qrcode"
	"github.com/kw-pass/kwpass/internal/refresher"
	"github.com/kw-pass/kwpass/internal/remote"
	"github.com/kw-pass/kwpass/internal/resolver"
	"github.com/kw-pass/kwpass/internal/routes"
	"github.com/kw-pass/kwpass/internal/server"
	"github.com/kw-pass/kwpass/internal/vault"
)

const recentNotices = 20

// App is the wired daemon.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Store     *credential.Store
	Resolver  *resolver.Resolver
	Refresher *refresher.Refresher
	Peer      *peersync.Channel
	Notices   *notification.Recorder
	Server    *server.Server
}

// New wires every component on top of the opened backends and loads the
// persisted account.
func New(ctx context.Context, cfg config.Config, b *infra.Backends, logger *slog.Logger) (*App, error) {
	store := credential.New(b.Store, vault.New(b.Keys, logger), logger)
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("load credential store: %w", err)
	}

	client, err := remote.NewClient(remote.Options{
		BaseURL: cfg.RemoteBaseURL,
		Timeout: cfg.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build remote client: %w", err)
	}

	res := resolver.New(client, store, qrcode.NewEncoder(), resolver.Options{
		IdentifierPrefix: cfg.IdentifierPrefix,
		Margin:           cfg.QRMargin,
		PixelSize:        cfg.QRPixelSize,
		Logger:           logger,
	})

	failureKind := notification.KindRefreshFailed
	if cfg.IsWatch() {
		failureKind = notification.KindHapticError
	}
	notices := notification.NewRecorder(notification.NewLoggerNotifier(logger), recentNotices)
	ref := refresher.New(res, store, notices, refresher.Options{
		Interval:    cfg.RefreshInterval,
		FailureKind: failureKind,
		Logger:      logger,
	})

	peer := peersync.NewChannel(b.Transport, peersync.ChannelOptions{
		Logger:         logger,
		RequestTimeout: cfg.PeerRequestTimeout,
	})

	a := &App{
		cfg:       cfg,
		logger:    logger,
		Store:     store,
		Resolver:  res,
		Refresher: ref,
		Peer:      peer,
		Notices:   notices,
	}
	a.Server = server.New(routes.Deps{
		Cfg:       cfg,
		Store:     store,
		Resolver:  res,
		Refresher: ref,
		Peer:      peer,
		Notices:   notices,
		Cache:     b.Cache,
		Logger:    logger,
	})
	return a, nil
}

// Run starts the background workers and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				a.logger.Error("worker stopped", "worker", name, "error", err)
			}
		}()
	}

	start("refresher", a.Refresher.Run)
	if a.cfg.IsWatch() {
		mirror := peersync.NewWatchMirror(a.Peer, a.Store, a.logger, func(context.Context, account.Credential) {
			a.Refresher.Trigger()
		})
		start("watch-mirror", mirror.Run)
	} else {
		start("phone-sync", peersync.NewPhoneSyncer(a.Peer, a.Store, a.logger).Run)
	}

	if a.shouldResolveOnStart() {
		a.logger.Info("resolving credential on start")
		a.Refresher.Trigger()
	}

	<-ctx.Done()
	a.Resolver.Cancel()
	wg.Wait()
}

// shouldResolveOnStart gates the cold-start resolution: the phone waits for
// setup to finish, the watch for a complete mirrored account.
func (a *App) shouldResolveOnStart() bool {
	if a.cfg.IsWatch() {
		return a.Store.Credential().Ready()
	}
	return !a.Store.FirstRun() && a.Store.Credential().Ready()
}
