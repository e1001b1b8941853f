package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// ErrNoSessionCookie is returned when an imported cookie dump lacks the session cookie.
var ErrNoSessionCookie = errors.New("session cookie not found in cookie dump")

// browserCookie is one entry of a browser automation cookie dump.
type browserCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// ImportCookies builds a Session from a browser cookie dump: either a bare JSON array of
// cookies or a storage state object with a "cookies" field. Expiry is in seconds since the
// epoch; zero or negative values mark a browser session cookie.
func ImportCookies(r io.Reader, cookieName string, now time.Time) (*Session, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie dump: %w", err)
	}

	var raw []browserCookie

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var state struct {
			Cookies []browserCookie `json:"cookies"`
		}

		if err := json.Unmarshal(trimmed, &state); err != nil {
			return nil, fmt.Errorf("failed to decode storage state: %w", err)
		}

		raw = state.Cookies
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode cookie dump: %w", err)
	}

	sess := &Session{CapturedAt: now.UTC()}

	for _, bc := range raw {
		if bc.Name == "" {
			continue
		}

		c := Cookie{
			Name:     bc.Name,
			Value:    bc.Value,
			Domain:   bc.Domain,
			Path:     bc.Path,
			Secure:   bc.Secure,
			HTTPOnly: bc.HTTPOnly,
		}

		if bc.Expires > 0 {
			sec, frac := math.Modf(bc.Expires)
			exp := time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
			c.Expires = &exp
		}

		sess.Cookies = append(sess.Cookies, c)
	}

	main, ok := sess.Cookie(cookieName)
	if !ok || main.Value == "" {
		return nil, ErrNoSessionCookie
	}

	if main.Expires != nil {
		until := *main.Expires
		sess.ValidUntil = &until
	}

	return sess, nil
}
