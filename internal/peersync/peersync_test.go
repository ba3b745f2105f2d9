package peersync

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/credential"
	"github.com/kw-pass/kwpass/internal/kv"
	"github.com/kw-pass/kwpass/internal/logging"
	"github.com/kw-pass/kwpass/internal/vault"
)

var phoneAccount = account.Credential{Identifier: "0123456789", Secret: "Abcdef1!", ContactNumber: "01012345678"}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func newStore(t *testing.T) *credential.Store {
	t.Helper()
	s := credential.New(kv.NewMemoryStore(), vault.New(vault.NewMemoryKeyFacility(), nil), nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestAccountCodec(t *testing.T) {
	data, err := EncodeAccount(phoneAccount, 1700000000000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodeAccount(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Credential() != phoneAccount || p.Timestamp != 1700000000000 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if _, err := DecodeAccount([]byte("not cbor")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRequestWithoutPeer(t *testing.T) {
	_, client := newRedis(t)
	ch := NewChannel(NewRedisTransport(client, "t1", logging.Discard()), ChannelOptions{})
	if err := ch.RequestPeerRefresh(context.Background()); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}

	disabled := NewChannel(Disconnected{}, ChannelOptions{})
	if err := disabled.RequestPeerRefresh(context.Background()); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer from disconnected transport, got %v", err)
	}
	// Push failures are swallowed.
	disabled.PushCredential(context.Background(), phoneAccount)
}

func TestAccountUpdatesSkipMalformed(t *testing.T) {
	_, client := newRedis(t)
	transport := NewRedisTransport(client, "t2", logging.Discard())
	ch := NewChannel(transport, ChannelOptions{Now: func() time.Time { return time.UnixMilli(42) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := ch.AccountUpdates(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := transport.PutData(ctx, PathAccount, []byte{0xff, 0x00}, true); err != nil {
		t.Fatalf("put garbage: %v", err)
	}
	ch.PushCredential(ctx, phoneAccount)

	select {
	case p := <-updates:
		if p.Credential() != phoneAccount || p.Timestamp != 42 {
			t.Fatalf("unexpected update %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no account update received")
	}
}

func TestPhoneAndWatchOverRedis(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	phoneStore := newStore(t)
	if err := phoneStore.SaveCredential(ctx, phoneAccount.Identifier, phoneAccount.Secret, phoneAccount.ContactNumber); err != nil {
		t.Fatalf("seed phone: %v", err)
	}
	phoneChannel := NewChannel(NewRedisTransport(client, "pair", logging.Discard()), ChannelOptions{})
	go NewPhoneSyncer(phoneChannel, phoneStore, logging.Discard()).Run(ctx)

	watchChannel := NewChannel(NewRedisTransport(client, "pair", logging.Discard()), ChannelOptions{RequestTimeout: time.Second})
	deadline := time.Now().Add(2 * time.Second)
	for watchChannel.RequestPeerRefresh(ctx) != nil {
		if time.Now().After(deadline) {
			t.Fatalf("phone never subscribed to refresh requests")
		}
		time.Sleep(10 * time.Millisecond)
	}

	watchStore := newStore(t)
	mirrored := make(chan account.Credential, 4)
	mirror := NewWatchMirror(watchChannel, watchStore, logging.Discard(), func(_ context.Context, acct account.Credential) {
		mirrored <- acct
	})
	go mirror.Run(ctx)

	select {
	case got := <-mirrored:
		if got != phoneAccount || watchStore.Credential() != phoneAccount {
			t.Fatalf("watch did not mirror the phone account: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch never received the account")
	}

	changed := account.Credential{Identifier: "2024000001", Secret: "Zyxwvu9?", ContactNumber: "01099998888"}
	if err := phoneStore.SaveCredential(ctx, changed.Identifier, changed.Secret, changed.ContactNumber); err != nil {
		t.Fatalf("update phone: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-mirrored:
			if got == changed {
				return
			}
		case <-timeout:
			t.Fatalf("watch never received the changed account")
		}
	}
}

func TestWatchMirrorClearsTokenOnAccountChange(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchStore := newStore(t)
	if err := watchStore.SaveCredential(ctx, phoneAccount.Identifier, phoneAccount.Secret, phoneAccount.ContactNumber); err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	if err := watchStore.SaveCachedSessionToken(ctx, "T-old"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	mirrored := make(chan account.Credential, 16)
	watchChannel := NewChannel(NewRedisTransport(client, "pair-2", logging.Discard()), ChannelOptions{})
	go NewWatchMirror(watchChannel, watchStore, logging.Discard(), func(_ context.Context, acct account.Credential) {
		mirrored <- acct
	}).Run(ctx)

	phone := NewChannel(NewRedisTransport(client, "pair-2", logging.Discard()), ChannelOptions{})
	// Pushes sent before the mirror subscribes are lost, so repeat until one lands.
	push := func(acct account.Credential) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			phone.PushCredential(ctx, acct)
			select {
			case got := <-mirrored:
				if got == acct {
					return
				}
			case <-time.After(20 * time.Millisecond):
			}
			if time.Now().After(deadline) {
				t.Fatalf("watch never mirrored %+v", acct)
			}
		}
	}

	changed := account.Credential{Identifier: "2024000001", Secret: "Zyxwvu9?", ContactNumber: "01099998888"}
	push(changed)
	if _, ok, err := watchStore.CachedSessionToken(ctx); err != nil || ok {
		t.Fatalf("expected token cleared after account change, ok=%v err=%v", ok, err)
	}

	if err := watchStore.SaveCachedSessionToken(ctx, "T-new"); err != nil {
		t.Fatalf("save token: %v", err)
	}
	push(changed)
	token, ok, err := watchStore.CachedSessionToken(ctx)
	if err != nil || !ok || token != "T-new" {
		t.Fatalf("expected token kept for unchanged account, got %q ok=%v err=%v", token, ok, err)
	}
}

func TestNATSTransport(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	transport, err := ConnectNATS(url, "test-"+time.Now().Format("150405.000"), logging.Discard())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Close()
	ch := NewChannel(transport, ChannelOptions{RequestTimeout: 500 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.RequestPeerRefresh(ctx); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}

	requests, err := ch.PeerRefreshRequests(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ch.RequestPeerRefresh(ctx); err != nil {
		t.Fatalf("request with responder: %v", err)
	}
	select {
	case <-requests:
	case <-time.After(time.Second):
		t.Fatalf("refresh request not delivered")
	}
}
