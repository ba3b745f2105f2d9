// Package remote talks to the legacy XML mobile ID service.
//
// The client performs the three login steps but never retries. Soft failures
// (a missing field, a rejected request, an unusable session secret) come back
// as an empty string with a nil error; transport failures come back as
// *TransportError.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/kw-pass/kwpass/internal/logging"
)

// DefaultBaseURL is the production service root.
const DefaultBaseURL = "https://mobileid.kw.ac.kr/"

// Endpoint paths, relative to the base URL.
const (
	PathSessionSecret = "mobile/MA/xml_user_key.php"
	PathLogin         = "mobile/MA/xml_login_and.php"
	PathPayload       = "mobile/MA/xml_userInfo_auth.php"
)

const (
	deviceKind     = "A"
	freshnessCheck = "Y"
	maxBodyBytes   = 64 << 10
)

// TransportError is a hard failure: the service could not be reached or
// answered with a body that is not the expected XML document.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err carries a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// HTTPClient overrides the default client; its Jar is replaced when nil.
	HTTPClient *http.Client
}

// Client holds one in-memory cookie jar shared by all three steps.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client for opts.BaseURL (DefaultBaseURL when empty).
func NewClient(opts Options) (*Client, error) {
	raw := opts.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{base: base, http: hc, logger: logger}, nil
}

// FetchSessionSecret asks the service for a per-session secret for identifier.
func (c *Client) FetchSessionSecret(ctx context.Context, identifier string) (string, error) {
	form := url.Values{"user_id": {encodeField(identifier)}}
	item, ok, err := c.post(ctx, "session_secret", PathSessionSecret, form)
	if err != nil || !ok {
		return "", err
	}
	c.logger.Debug("session secret issued", "len", len(item.SecKey))
	return item.SecKey, nil
}

// FetchSessionToken logs in. The secret travels encrypted under sessionSecret.
func (c *Client) FetchSessionToken(ctx context.Context, identifier, secret, contactNumber, sessionSecret string) (string, error) {
	encrypted, err := encryptSecret(secret, sessionSecret)
	if err != nil {
		c.logger.Warn("session secret unusable", "error", err, "len", len(sessionSecret))
		return "", nil
	}
	encodedID := encodeField(identifier)
	form := url.Values{
		"real_id":   {encodedID},
		"rid":       {encodedID},
		"device_gb": {deviceKind},
		"tel_no":    {contactNumber},
		"pass_wd":   {encrypted},
	}
	item, ok, err := c.post(ctx, "session_token", PathLogin, form)
	if err != nil || !ok {
		return "", err
	}
	c.logger.Debug("session token issued", "len", len(item.AuthKey))
	return item.AuthKey, nil
}

// FetchCredentialPayload redeems token for the scannable payload.
func (c *Client) FetchCredentialPayload(ctx context.Context, identifier, token string) (string, error) {
	form := url.Values{
		"real_id":   {encodeField(identifier)},
		"auth_key":  {token},
		"new_check": {freshnessCheck},
	}
	item, ok, err := c.post(ctx, "credential_payload", PathPayload, form)
	if err != nil || !ok {
		return "", err
	}
	c.logger.Debug("credential payload issued", "len", len(item.QRCode))
	return item.QRCode, nil
}

// post sends a form and decodes the XML reply. ok is false for soft failures.
func (c *Client) post(ctx context.Context, op, path string, form url.Values) (item, bool, error) {
	endpoint := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return item{}, false, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return item{}, false, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return item{}, false, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("remote rejected request", "op", op, "status", resp.StatusCode, "duration", time.Since(start))
		return item{}, false, nil
	}

	it, err := parseItem(body)
	if err != nil {
		return item{}, false, &TransportError{Op: op, Err: err}
	}
	c.logger.Debug("remote call completed", "op", op, "status", resp.StatusCode, "duration", time.Since(start))
	return it, true, nil
}

func encodeField(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
