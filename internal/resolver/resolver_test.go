package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kw-pass/kwpass/internal/account"
	"github.com/kw-pass/kwpass/internal/credential"
	"github.com/kw-pass/kwpass/internal/kv"
	"github.com/kw-pass/kwpass/internal/logging"
	"github.com/kw-pass/kwpass/internal/qrcode"
	"github.com/kw-pass/kwpass/internal/remote"
	"github.com/kw-pass/kwpass/internal/vault"
)

var validAccount = account.Credential{Identifier: "0123456789", Secret: "Abcdef1!", ContactNumber: "01012345678"}

type result struct {
	value string
	err   error
}

// fakeClient answers each step from a queue; an exhausted queue repeats the last entry.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	args    []string
	secret  []result
	token   []result
	payload []result
	// block, when set, is consulted at the start of every call.
	block func(ctx context.Context, step string, n int) error
}

func (f *fakeClient) next(ctx context.Context, step, arg string, queue *[]result) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, step)
	f.args = append(f.args, arg)
	n := len(f.calls)
	var r result
	if len(*queue) > 0 {
		r = (*queue)[0]
		if len(*queue) > 1 {
			*queue = (*queue)[1:]
		}
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		if err := block(ctx, step, n); err != nil {
			return "", err
		}
	}
	return r.value, r.err
}

func (f *fakeClient) FetchSessionSecret(ctx context.Context, identifier string) (string, error) {
	return f.next(ctx, "secret", identifier, &f.secret)
}

func (f *fakeClient) FetchSessionToken(ctx context.Context, identifier, secret, contactNumber, sessionSecret string) (string, error) {
	return f.next(ctx, "token", identifier+"|"+secret+"|"+contactNumber+"|"+sessionSecret, &f.token)
}

func (f *fakeClient) FetchCredentialPayload(ctx context.Context, identifier, token string) (string, error) {
	return f.next(ctx, "payload", identifier+"|"+token, &f.payload)
}

func (f *fakeClient) Calls() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

type memCache struct {
	mu      sync.Mutex
	token   string
	saves   int
	clears  int
	readErr error
}

func (m *memCache) CachedSessionToken(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", false, m.readErr
	}
	return m.token, m.token != "", nil
}

func (m *memCache) SaveCachedSessionToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.saves++
	return nil
}

func (m *memCache) ClearCachedSessionToken(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.clears++
	return nil
}

func (m *memCache) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func transportErr(op string) error {
	return &remote.TransportError{Op: op, Err: errors.New("connection refused")}
}

func newResolver(client SessionClient, cache TokenCache) *Resolver {
	return New(client, cache, qrcode.NewEncoder(), Options{IdentifierPrefix: "0", Margin: 2, PixelSize: 1, Logger: logging.Discard()})
}

func happyClient() *fakeClient {
	return &fakeClient{
		secret:  []result{{value: "S1"}},
		token:   []result{{value: "T1"}},
		payload: []result{{value: "QRDATA123"}},
	}
}

func TestValidationBlocksNetwork(t *testing.T) {
	client := happyClient()
	r := newResolver(client, &memCache{})

	_, err := r.Resolve(context.Background(), account.Credential{Identifier: "12345", Secret: "Abcdef1!", ContactNumber: "01012345678"})
	var verr *account.ValidationError
	if !errors.As(err, &verr) || verr.Fields[0] != account.FieldIdentifier {
		t.Fatalf("expected identifier validation error, got %v", err)
	}
	if client.Calls() != "" {
		t.Fatalf("no network calls expected, got %s", client.Calls())
	}
}

func TestFastPathUsesOnlyPayloadStep(t *testing.T) {
	client := &fakeClient{payload: []result{{value: "QRDATA123"}}}
	cache := &memCache{token: "CACHED"}
	r := newResolver(client, cache)

	payload, err := r.Resolve(context.Background(), validAccount)
	if err != nil || payload != "QRDATA123" {
		t.Fatalf("resolve: %q %v", payload, err)
	}
	if client.Calls() != "payload" {
		t.Fatalf("expected only the payload step, got %s", client.Calls())
	}
	if client.args[0] != "00123456789|CACHED" {
		t.Fatalf("unexpected fast path args %q", client.args[0])
	}
}

func TestFastPathFailureFallsThrough(t *testing.T) {
	client := &fakeClient{
		secret:  []result{{value: "S1"}},
		token:   []result{{value: "T1"}},
		payload: []result{{value: ""}, {value: "QRDATA123"}},
	}
	cache := &memCache{token: "STALE"}
	r := newResolver(client, cache)

	payload, err := r.Resolve(context.Background(), validAccount)
	if err != nil || payload != "QRDATA123" {
		t.Fatalf("resolve: %q %v", payload, err)
	}
	if got := client.Calls(); got != "payload,secret,token,payload" {
		t.Fatalf("unexpected call order %s", got)
	}
	if cache.clears != 1 {
		t.Fatalf("rejected token should be cleared once, got %d", cache.clears)
	}
	if cache.Token() != "T1" {
		t.Fatalf("expected new token cached, got %q", cache.Token())
	}
}

func TestFastPathTransportFailureKeepsToken(t *testing.T) {
	client := &fakeClient{
		secret:  []result{{err: transportErr("secret")}},
		payload: []result{{err: transportErr("payload")}},
	}
	cache := &memCache{token: "CACHED"}
	r := newResolver(client, cache)

	_, err := r.Resolve(context.Background(), validAccount)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if cache.clears != 0 || cache.Token() != "CACHED" {
		t.Fatalf("token must survive a transport failure")
	}
	if got := client.Calls(); got != "payload,secret" {
		t.Fatalf("unexpected calls %s", got)
	}
}

func TestStepFailureClassification(t *testing.T) {
	cases := []struct {
		name   string
		client *fakeClient
		want   error
		calls  string
	}{
		{
			name:   "step 1 empty",
			client: &fakeClient{secret: []result{{value: ""}}},
			want:   ErrServer,
			calls:  "secret",
		},
		{
			name:   "step 1 non-transport error",
			client: &fakeClient{secret: []result{{err: errors.New("boom")}}},
			want:   ErrServer,
			calls:  "secret",
		},
		{
			name:   "step 2 empty",
			client: &fakeClient{secret: []result{{value: "S1"}}, token: []result{{value: ""}}},
			want:   ErrAccount,
			calls:  "secret,token",
		},
		{
			name:   "step 2 unexpected error",
			client: &fakeClient{secret: []result{{value: "S1"}}, token: []result{{err: errors.New("boom")}}},
			want:   ErrUnknown,
			calls:  "secret,token",
		},
		{
			name: "step 3 empty",
			client: &fakeClient{
				secret:  []result{{value: "S1"}},
				token:   []result{{value: "T1"}},
				payload: []result{{value: ""}},
			},
			want:  ErrServer,
			calls: "secret,token,payload",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newResolver(tc.client, &memCache{})
			_, err := r.Resolve(context.Background(), validAccount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := tc.client.Calls(); got != tc.calls {
				t.Fatalf("calls %s want %s", got, tc.calls)
			}
		})
	}
}

func TestTransportFailureAtAnyStepIsNetwork(t *testing.T) {
	for step := 1; step <= 3; step++ {
		t.Run(fmt.Sprintf("step %d", step), func(t *testing.T) {
			client := happyClient()
			switch step {
			case 1:
				client.secret = []result{{err: transportErr("secret")}}
			case 2:
				client.token = []result{{err: transportErr("token")}}
			case 3:
				client.payload = []result{{err: transportErr("payload")}}
			}
			_, err := newResolver(client, &memCache{}).Resolve(context.Background(), validAccount)
			if !errors.Is(err, ErrNetwork) {
				t.Fatalf("expected network error, got %v", err)
			}
			if remote.IsTransport(err) {
				t.Fatalf("raw transport error must not leak: %v", err)
			}
		})
	}
}

func TestTokenPersistedBeforeStepThree(t *testing.T) {
	client := happyClient()
	client.payload = []result{{value: ""}}
	cache := &memCache{}

	_, err := newResolver(client, cache).Resolve(context.Background(), validAccount)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if cache.Token() != "T1" {
		t.Fatalf("token from step 2 should be cached, got %q", cache.Token())
	}
	// No retry loop within the attempt.
	if got := client.Calls(); got != "secret,token,payload" {
		t.Fatalf("unexpected calls %s", got)
	}
}

func TestNewerRequestSupersedesInFlight(t *testing.T) {
	entered := make(chan struct{})
	client := happyClient()
	client.token = []result{{value: "T-stale"}, {value: "T2"}}
	client.payload = []result{{value: "QR2"}}
	client.block = func(ctx context.Context, step string, n int) error {
		// The first login hangs until the attempt is cancelled, then still
		// returns a token as if the reply raced the cancellation.
		if step == "token" && n == 2 {
			close(entered)
			<-ctx.Done()
		}
		return nil
	}
	cache := &memCache{}
	r := newResolver(client, cache)

	firstDone := make(chan result, 1)
	go func() {
		v, err := r.Resolve(context.Background(), validAccount)
		firstDone <- result{v, err}
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("first attempt never reached login")
	}

	payload, err := r.Resolve(context.Background(), validAccount)
	if err != nil || payload != "QR2" {
		t.Fatalf("second resolve: %q %v", payload, err)
	}

	first := <-firstDone
	if !errors.Is(first.err, ErrSuperseded) || first.value != "" {
		t.Fatalf("first attempt should be superseded, got %+v", first)
	}
	if cache.Token() != "T2" || cache.saves != 1 {
		t.Fatalf("only the newer attempt may persist a token: token=%q saves=%d", cache.Token(), cache.saves)
	}
}

func TestCallerCancellationIsNotClassified(t *testing.T) {
	client := happyClient()
	client.block = func(ctx context.Context, step string, n int) error {
		<-ctx.Done()
		return &remote.TransportError{Op: step, Err: ctx.Err()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newResolver(client, &memCache{}).Resolve(ctx, validAccount)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClientTimeoutIsNetwork(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()
	defer close(release)

	client, err := remote.NewClient(remote.Options{BaseURL: ts.URL, Timeout: 50 * time.Millisecond, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = newResolver(client, &memCache{}).Resolve(context.Background(), validAccount)
	if !errors.Is(err, ErrNetwork) || Kind(err) != "network" {
		t.Fatalf("expected network error for a client timeout, got %v (kind %q)", err, Kind(err))
	}
}

func TestObtainIfIdleDoesNotSupersede(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	client := happyClient()
	client.block = func(ctx context.Context, step string, n int) error {
		if n == 1 {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	r := newResolver(client, &memCache{})

	firstDone := make(chan result, 1)
	go func() {
		v, err := r.Resolve(context.Background(), validAccount)
		firstDone <- result{v, err}
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("first attempt never started")
	}

	if _, err := r.ObtainIfIdle(context.Background(), validAccount); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while an attempt is in flight, got %v", err)
	}
	close(release)

	first := <-firstDone
	if first.err != nil || first.value != "QRDATA123" {
		t.Fatalf("attempt in flight should complete, got %+v", first)
	}
	if _, err := r.ObtainIfIdle(context.Background(), validAccount); err != nil {
		t.Fatalf("idle obtain: %v", err)
	}
}

func TestObtainFreshSkipsCachedToken(t *testing.T) {
	client := happyClient()
	cache := &memCache{token: "T-cached"}
	r := newResolver(client, cache)

	if _, err := r.ObtainFresh(context.Background(), validAccount); err != nil {
		t.Fatalf("obtain fresh: %v", err)
	}
	if got := client.Calls(); got != "secret,token,payload" {
		t.Fatalf("expected full protocol only, got %s", got)
	}
	if cache.Token() != "T1" {
		t.Fatalf("expected token replaced after login, got %q", cache.Token())
	}
}

func TestObtainFreshFailureKeepsCachedToken(t *testing.T) {
	client := happyClient()
	client.token = []result{{value: ""}}
	cache := &memCache{token: "T-cached"}

	_, err := newResolver(client, cache).ObtainFresh(context.Background(), validAccount)
	if !errors.Is(err, ErrAccount) {
		t.Fatalf("expected account error, got %v", err)
	}
	if cache.Token() != "T-cached" || cache.clears != 0 {
		t.Fatalf("a refused login must not touch the cached token: %q clears=%d", cache.Token(), cache.clears)
	}
}

type nilEncoder struct{}

func (nilEncoder) Encode(string, int, int) *qrcode.Raster { return nil }

func TestObtainEncoderFailureIsUnknown(t *testing.T) {
	r := New(happyClient(), &memCache{}, nilEncoder{}, Options{})
	if _, err := r.Obtain(context.Background(), validAccount); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected unknown error, got %v", err)
	}
}

func TestEndToEndWithPersistentStore(t *testing.T) {
	ctx := context.Background()
	store := credential.New(kv.NewMemoryStore(), vault.New(vault.NewFileKeyFacility(filepath.Join(t.TempDir(), "device.key")), nil), nil)
	if err := store.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	client := happyClient()
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := New(client, store, qrcode.NewEncoder(), Options{IdentifierPrefix: "0", Margin: 2, PixelSize: 1, Now: func() time.Time { return fixed }})

	cred, err := r.Obtain(ctx, validAccount)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if cred.Payload != "QRDATA123" || cred.Raster == nil || !cred.IssuedAt.Equal(fixed) {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if token, ok, _ := store.CachedSessionToken(ctx); !ok || token != "T1" {
		t.Fatalf("expected cached token T1, got %q", token)
	}
	if client.args[1] != "00123456789|Abcdef1!|01012345678|S1" {
		t.Fatalf("unexpected login args %q", client.args[1])
	}

	// The next resolution takes the fast path.
	client.mu.Lock()
	client.calls = nil
	client.mu.Unlock()
	if _, err := r.Resolve(ctx, validAccount); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if client.Calls() != "payload" {
		t.Fatalf("expected fast path, got %s", client.Calls())
	}
}
