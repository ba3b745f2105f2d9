// Command kwmock serves a local stand-in for the legacy credential service
// so the daemon can be exercised without a real member account.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kw-pass/kwpass/internal/logging"
	"github.com/kw-pass/kwpass/internal/remote/remotetest"
)

func main() {
	addr := flag.String("addr", envOr("KWMOCK_ADDR", ":8788"), "listen address")
	wireID := flag.String("id", envOr("KWMOCK_ID", "00123456789"), "member identifier as sent on the wire")
	secret := flag.String("secret", envOr("KWMOCK_SECRET", "Abcdef1!"), "member secret")
	contact := flag.String("tel", envOr("KWMOCK_TEL", "01012345678"), "member contact number")
	flag.Parse()

	logger := logging.NewWithFormat(envOr("LOG_LEVEL", "info"), "text")

	svc := remotetest.New()
	svc.AddMember(*wireID, *secret, *contact)
	svc.Hook = func(step string) { logger.Info("request", "step", step) }

	srv := &http.Server{
		Addr:              *addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("mock service listening", "addr", *addr, "member", *wireID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
