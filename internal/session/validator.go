package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/telemetry"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Status is the verdict of a session check.
type Status string

const (
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
	StatusInvalid Status = "invalid"
)

const settingsPath = "/settings"

// Validator asks the marketplace whether a session is still signed in.
type Validator struct {
	base       *url.URL
	transport  http.RoundTripper
	cookieName string
	timeout    time.Duration
	telemetry  *telemetry.Telemetry
	now        func() time.Time
}

// NewValidator creates a validator probing the account settings page under baseURL.
func NewValidator(baseURL string, transport http.RoundTripper, cookieName string, timeout time.Duration, tel *telemetry.Telemetry) (*Validator, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid marketplace url %q: %w", baseURL, err)
	}

	if cookieName == "" {
		cookieName = DefaultCookieName
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Validator{
		base:       base,
		transport:  transport,
		cookieName: cookieName,
		timeout:    timeout,
		telemetry:  tel,
		now:        time.Now,
	}, nil
}

// Validate checks sess. A session that is expired by its own timestamps is rejected without
// a network call. Transport failures and 5xx replies are returned as errors, not verdicts.
func (v *Validator) Validate(ctx context.Context, sess *Session) (Status, error) {
	status, err := v.validate(ctx, sess)

	switch {
	case err != nil:
		v.telemetry.RecordSessionValidation("error")
	default:
		v.telemetry.RecordSessionValidation(string(status))
	}

	return status, err
}

func (v *Validator) validate(ctx context.Context, sess *Session) (Status, error) {
	logger := logctx.LoggerFromContext(ctx)

	if sess.Expired(v.now(), v.cookieName) {
		logger.DebugContext(ctx, "session expired locally", "captured_at", sess.CapturedAt)

		return StatusExpired, nil
	}

	client, err := sess.HTTPClient(v.base, v.transport)
	if err != nil {
		return "", err
	}

	// The check only needs the first hop.
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	if v.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.base.JoinPath(settingsPath).String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create validation request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}

		return "", &transfer.NetworkError{Operation: "validate_session", Err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusValid, nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		logger.DebugContext(ctx, "session check redirected", "login", IsLoginRedirect(resp))

		return StatusInvalid, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusInvalid, nil
	default:
		return "", &transfer.NetworkError{
			Operation:  "validate_session",
			StatusCode: resp.StatusCode,
			APIMessage: http.StatusText(resp.StatusCode),
		}
	}
}
