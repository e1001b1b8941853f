// Package session keeps the captured marketplace browser session: storage, validation and
// the authenticated HTTP client built from it.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultCookieName is the marketplace session cookie.
const DefaultCookieName = "_plaza_session"

const loginPath = "/users/sign_in"

// Cookie is one captured browser cookie.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
}

// LogValue keeps cookie values out of logs.
func (c Cookie) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("domain", c.Domain),
		slog.String("value", "[redacted]"),
	)
}

// Session is the serialized authenticated browser state.
type Session struct {
	Cookies    []Cookie   `json:"cookies"`
	CapturedAt time.Time  `json:"captured_at"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Cookie returns the named cookie.
func (s *Session) Cookie(name string) (Cookie, bool) {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c, true
		}
	}

	return Cookie{}, false
}

// Expired reports whether the session is known to be unusable at now without asking the
// server: its validity window has passed or the session cookie itself has expired.
func (s *Session) Expired(now time.Time, cookieName string) bool {
	if s.ValidUntil != nil && !now.Before(*s.ValidUntil) {
		return true
	}

	c, ok := s.Cookie(cookieName)
	if !ok {
		return true
	}

	return c.Expires != nil && !now.Before(*c.Expires)
}

// HTTPClient returns a client that replays the session cookies against base. Redirects to
// the login page are not followed so callers can tell a rejected session apart.
func (s *Session) HTTPClient(base *url.URL, transport http.RoundTripper) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	jar.SetCookies(base, s.httpCookies(base))

	return &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if IsLoginURL(req.URL) {
				return http.ErrUseLastResponse
			}

			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}

			return nil
		},
	}, nil
}

// httpCookies converts the cookies that belong to base's host.
func (s *Session) httpCookies(base *url.URL) []*http.Cookie {
	host := base.Hostname()
	cookies := make([]*http.Cookie, 0, len(s.Cookies))

	for _, c := range s.Cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain != "" && host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}

		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}

		// Only domain cookies carry the attribute; host-only cookies stay bound to base.
		if strings.HasPrefix(c.Domain, ".") {
			hc.Domain = domain
		}

		if hc.Path == "" {
			hc.Path = "/"
		}

		if c.Expires != nil {
			hc.Expires = *c.Expires
		}

		cookies = append(cookies, hc)
	}

	return cookies
}

// IsLoginURL reports whether u points at the marketplace login page.
func IsLoginURL(u *url.URL) bool {
	return u != nil && strings.HasPrefix(u.Path, loginPath)
}

// IsLoginRedirect reports whether resp redirects to the login page.
func IsLoginRedirect(resp *http.Response) bool {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return resp.Request != nil && IsLoginURL(resp.Request.URL)
	}

	loc, err := resp.Location()
	if err != nil {
		return false
	}

	return IsLoginURL(loc)
}
