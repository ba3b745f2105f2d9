// Package peersync moves the account record between a phone and its watch.
package peersync

import (
	"context"
	"errors"
)

// Paths understood by both sides.
const (
	// PathAccount carries the encoded account record.
	PathAccount = "/account"
	// PathRefresh is an empty control message asking the phone to resend PathAccount.
	PathRefresh = "/refresh"
)

// ErrNoPeer reports that no paired device is listening.
var ErrNoPeer = errors.New("no peer connected")

// Transport is the device-to-device byte channel.
//
// PutData publishes a data item that any listening peer receives; it does not
// require a listener. SendMessage delivers a one-off message and fails with
// ErrNoPeer when nobody is listening. Subscribe delivers both kinds for path
// until ctx is done, then closes the channel.
type Transport interface {
	PutData(ctx context.Context, path string, data []byte, urgent bool) error
	SendMessage(ctx context.Context, path string, data []byte) error
	Subscribe(ctx context.Context, path string) (<-chan []byte, error)
	Status(ctx context.Context) string
	Close() error
}

// Disconnected is the transport used when pairing is disabled.
type Disconnected struct{}

func (Disconnected) PutData(context.Context, string, []byte, bool) error { return ErrNoPeer }

func (Disconnected) SendMessage(context.Context, string, []byte) error { return ErrNoPeer }

func (Disconnected) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Disconnected) Status(context.Context) string { return "disabled" }

func (Disconnected) Close() error { return nil }
