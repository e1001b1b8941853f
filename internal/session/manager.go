package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Manager gates marketplace access on a stored, validated session.
type Manager struct {
	store      *Store
	validator  *Validator
	cookieName string
	ttl        time.Duration
	now        func() time.Time

	mu        sync.Mutex
	current   *Session
	client    *http.Client
	checkedAt time.Time
}

// NewManager creates a manager. A positive ttl lets a successful validation be reused
// without probing again.
func NewManager(store *Store, validator *Validator, ttl time.Duration) *Manager {
	return &Manager{
		store:      store,
		validator:  validator,
		cookieName: validator.cookieName,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Authorize returns a session known to be valid, or an AuthenticationError.
func (m *Manager) Authorize(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.authorize(ctx)
}

func (m *Manager) authorize(ctx context.Context) (*Session, error) {
	now := m.now()
	if m.current != nil && now.Sub(m.checkedAt) < m.ttl && !m.current.Expired(now, m.cookieName) {
		return m.current, nil
	}

	m.current, m.client = nil, nil

	sess, ok, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, &transfer.AuthenticationError{Operation: "authorize", Reason: transfer.AuthMissing}
	}

	status, err := m.validator.Validate(ctx, sess)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusExpired:
		return nil, &transfer.AuthenticationError{Operation: "authorize", Reason: transfer.AuthExpired}
	case StatusInvalid:
		return nil, &transfer.AuthenticationError{Operation: "authorize", Reason: transfer.AuthInvalid}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "session validated", "captured_at", sess.CapturedAt)

	m.current, m.checkedAt = sess, now

	return sess, nil
}

// Client returns an HTTP client carrying the validated session cookies.
func (m *Manager) Client(ctx context.Context) (*http.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.authorize(ctx)
	if err != nil {
		return nil, err
	}

	if m.client == nil {
		client, err := sess.HTTPClient(m.validator.base, m.validator.transport)
		if err != nil {
			return nil, err
		}

		m.client = client
	}

	return m.client, nil
}

// BaseURL is the marketplace the session belongs to.
func (m *Manager) BaseURL() *url.URL {
	u := *m.validator.base

	return &u
}

// Invalidate forgets the cached verdict so the next call validates again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current, m.client = nil, nil
}

// Import stores a session built from a browser cookie dump.
func (m *Manager) Import(ctx context.Context, r io.Reader) (*Session, error) {
	sess, err := ImportCookies(r, m.cookieName, m.now())
	if err != nil {
		return nil, err
	}

	if err := m.store.Save(sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.Invalidate()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "session imported",
		"cookies", len(sess.Cookies), "valid_until", sess.ValidUntil)

	return sess, nil
}

// Logout removes the stored session.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.Clear(); err != nil {
		return err
	}

	m.Invalidate()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "session cleared", "path", m.store.Path())

	return nil
}

// Info describes the stored session for status reporting.
type Info struct {
	Present    bool       `json:"present"`
	Status     Status     `json:"status,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Describe loads and validates the stored session without caching the result.
func (m *Manager) Describe(ctx context.Context) (Info, error) {
	sess, ok, err := m.store.Load()
	if err != nil {
		return Info{}, err
	}

	if !ok {
		return Info{}, nil
	}

	captured := sess.CapturedAt
	info := Info{Present: true, CapturedAt: &captured, ValidUntil: sess.ValidUntil}

	status, err := m.validator.Validate(ctx, sess)
	if err != nil {
		info.Error = err.Error()

		return info, nil
	}

	info.Status = status

	return info, nil
}
