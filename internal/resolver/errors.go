package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/kw-pass/kwpass/internal/remote"
)

// Failure taxonomy. Callers above the resolver only ever see these.
var (
	// ErrNetwork means the service could not be reached; trying again may help.
	ErrNetwork = errors.New("network error")
	// ErrServer means the service answered with unusable data.
	ErrServer = errors.New("server error")
	// ErrAccount means the identifier, secret or contact number was rejected.
	ErrAccount = errors.New("account rejected")
	// ErrUnknown covers anything else.
	ErrUnknown = errors.New("unknown error")
	// ErrSuperseded is returned to an attempt cancelled by a newer one.
	ErrSuperseded = errors.New("resolution superseded by a newer request")
	// ErrBusy is returned by ObtainIfIdle when another attempt is in flight.
	ErrBusy = errors.New("resolution already in flight")
)

// classify maps a step failure onto the taxonomy. fallback applies to
// failures that are neither transport nor cancellation. Transport errors are
// checked first: an http.Client timeout also matches context.DeadlineExceeded.
// Cancellation of the attempt itself is detected by Resolve before the
// classified error is looked at.
func classify(step string, err error, fallback error) error {
	switch {
	case remote.IsTransport(err):
		return fmt.Errorf("%w: %s: %v", ErrNetwork, step, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", fallback, step, err)
	}
}

// Kind names the taxonomy class of err, for logs and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrAccount):
		return "account"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "unknown"
	}
}
