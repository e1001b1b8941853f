// Package booth talks to the marketplace web pages: the order history, item download pages
// and the file downloads behind them.
package booth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/html"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/session"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

const maxPageSize = 10 * 1024 * 1024 // 10MB max page size

// Sessions hands out authenticated HTTP clients. *session.Manager implements it.
type Sessions interface {
	Client(ctx context.Context) (*http.Client, error)
	Invalidate()
}

// Client is the marketplace client. It implements transfer.Resolver and transfer.Fetcher.
type Client struct {
	sessions    Sessions
	base        *url.URL
	pageTimeout time.Duration
}

var (
	_ transfer.Resolver = (*Client)(nil)
	_ transfer.Fetcher  = (*Client)(nil)
)

// NewClient creates a client for the marketplace at baseURL. pageTimeout bounds each page
// request; file downloads are bounded by the transport instead.
func NewClient(baseURL string, sessions Sessions, pageTimeout time.Duration) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid marketplace url %q: %w", baseURL, err)
	}

	return &Client{
		sessions:    sessions,
		base:        base,
		pageTimeout: pageTimeout,
	}, nil
}

// NewTransport returns the traced transport used for marketplace requests. A response
// whose headers take longer than timeout fails the request.
func NewTransport(timeout time.Duration) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = timeout

	return otelhttp.NewTransport(base)
}

// page fetches and parses one marketplace page. Rejected sessions become authentication
// errors; any other non-2xx reply is returned to the caller through status.
func (c *Client) page(ctx context.Context, operation, path string, query url.Values) (*html.Node, int, error) {
	logger := logctx.LoggerFromContext(ctx)

	client, err := c.sessions.Client(ctx)
	if err != nil {
		return nil, 0, err
	}

	if c.pageTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.pageTimeout)
		defer cancel()
	}

	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, c.requestError(ctx, operation, err)
	}
	defer resp.Body.Close()

	if err := c.checkAuth(ctx, operation, resp); err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.DebugContext(ctx, "marketplace page returned an error", "path", path, "status", resp.StatusCode)

		return nil, resp.StatusCode, &transfer.NetworkError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			APIMessage: http.StatusText(resp.StatusCode),
		}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, resp.StatusCode, c.requestError(ctx, operation, err)
	}

	return doc, resp.StatusCode, nil
}

// checkAuth maps a rejected session to an authentication error and drops the cached verdict.
func (c *Client) checkAuth(ctx context.Context, operation string, resp *http.Response) error {
	if resp.StatusCode != http.StatusUnauthorized && !session.IsLoginRedirect(resp) {
		return nil
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "marketplace rejected the session",
		"operation", operation, "status", resp.StatusCode)

	c.sessions.Invalidate()

	return &transfer.AuthenticationError{Operation: operation, Reason: transfer.AuthRejected}
}

func (c *Client) requestError(ctx context.Context, operation string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}

	return &transfer.NetworkError{Operation: operation, Err: err}
}

// resolve makes ref absolute against the marketplace base.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	return c.base.ResolveReference(u).String(), nil
}
