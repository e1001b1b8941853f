package booth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/booth_downloader/internal/session"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

const sessionToken = "secret-token"

const cookieDump = `[{"name": "_plaza_session", "value": "secret-token", "domain": "127.0.0.1", "path": "/", "expires": -1}]`

var orderPages = map[string]string{
	"1": `<html><body><div class="orders-list">
		<div class="orders-item">
			<div class="orders-item-title"><a href="/ja/items/1001">Cute Avatar</a></div>
			<div class="orders-item-date">2024/03/05 12:30</div>
			<div class="orders-item-price">¥ 1,500</div>
		</div>
		<div class="orders-item">
			<div class="orders-item-title"><a href="https://booth.pm/items/1002"> Texture Pack </a></div>
			<div class="orders-item-date">2024/02/01</div>
			<div class="orders-item-price">3,000 JPY</div>
		</div>
	</div></body></html>`,
	"2": `<html><body><div class="orders-list">
		<div class="orders-item">
			<div class="orders-item-title"><a href="/items/1003">Shader</a></div>
		</div>
	</div></body></html>`,
}

const emptyOrders = `<html><body><div class="orders-list"></div></body></html>`

// marketplace is a fake marketplace that counts requests per path.
type marketplace struct {
	*httptest.Server

	mu       sync.Mutex
	pages    map[string]string
	requests map[string]int
	ranges   []string
	content  []byte
}

func newMarketplace(t *testing.T) *marketplace {
	t.Helper()

	m := &marketplace{pages: orderPages, requests: map[string]int{}, content: bytes.Repeat([]byte("0123456789"), 100)}

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			m.mu.Lock()
			m.requests[r.URL.Path]++
			m.mu.Unlock()

			if c, err := r.Cookie(session.DefaultCookieName); err != nil || c.Value != sessionToken {
				http.Redirect(w, r, "/users/sign_in", http.StatusFound)

				return
			}

			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /settings", authed(func(w http.ResponseWriter, r *http.Request) {}))
	mux.HandleFunc("GET /orders", authed(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		page, ok := m.pages[r.URL.Query().Get("page")]
		m.mu.Unlock()

		if !ok {
			page = emptyOrders
		}

		io.WriteString(w, page)
	}))
	mux.HandleFunc("GET /items/{id}/downloads", authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "1001":
			io.WriteString(w, `<html><body>
				<div class="download-item">
					<div class="file-name">avatar.zip</div><div class="file-size">1000 B</div>
					<a class="download-link" href="/downloadables/1">download</a>
				</div>
				<div class="download-item">
					<div class="file-name">readme.txt</div>
					<a class="download-link" href="/downloadables/2">download</a>
				</div>
			</body></html>`)
		case "1005":
			io.WriteString(w, `<html><body>
				<div class="download-item">
					<div class="file-name">model.unitypackage</div>
					<a class="download-link" href="/downloadables/3">download</a>
				</div>
				<div class="download-item">
					<div class="file-name">model.unitypackage</div>
					<a class="download-link" href="/downloadables/4">download</a>
				</div>
				<div class="download-item"><div class="file-name">broken row</div></div>
				<div class="download-item">
					<div class="file-name">readme.txt</div>
					<a class="download-link" href="/downloadables/5">download</a>
				</div>
				<div class="download-item">
					<div class="file-name">model.unitypackage</div>
					<a class="download-link" href="/downloadables/6">download</a>
				</div>
			</body></html>`)
		case "1002":
			io.WriteString(w, `<html><body><div class="l-alerts">This item is Not Purchased by you.</div></body></html>`)
		case "1003":
			io.WriteString(w, `<html><body><p>nothing here</p></body></html>`)
		case "1004":
			http.Redirect(w, r, "/users/sign_in", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	mux.HandleFunc("GET /downloadables/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.ranges = append(m.ranges, r.Header.Get("Range"))
		m.mu.Unlock()

		http.ServeContent(w, r, "avatar.zip", time.Time{}, bytes.NewReader(m.content))
	}))
	mux.HandleFunc("/users/sign_in", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>login</html>")
	})

	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)

	return m
}

func (m *marketplace) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[path]
}

func (m *marketplace) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.requests {
		n += c
	}

	return n
}

func newTestClient(t *testing.T, m *marketplace, dump string) (*Client, *session.Manager) {
	t.Helper()

	v, err := session.NewValidator(m.URL, m.Client().Transport, session.DefaultCookieName, time.Second, nil)
	require.NoError(t, err)

	mgr := session.NewManager(session.NewStore(filepath.Join(t.TempDir(), "session.json")), v, time.Hour)

	if dump != "" {
		_, err := mgr.Import(context.Background(), strings.NewReader(dump))
		require.NoError(t, err)
	}

	c, err := NewClient(m.URL, mgr, time.Second)
	require.NoError(t, err)

	return c, mgr
}

func collect(t *testing.T, c *Client) ([]storage.PurchaseRecord, error) {
	t.Helper()

	var out []storage.PurchaseRecord

	for rec, err := range c.ListPurchases(context.Background()) {
		if err != nil {
			return out, err
		}

		out = append(out, rec)
	}

	return out, nil
}

func TestListPurchases(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)

	records, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "1001", records[0].ItemID)
	assert.Equal(t, "Cute Avatar", records[0].Title)
	assert.Equal(t, m.URL+"/ja/items/1001", records[0].PageURL)
	assert.Equal(t, storage.Price{Amount: "1500", Currency: "JPY"}, records[0].Price)
	assert.Equal(t, time.Date(2024, 3, 5, 3, 30, 0, 0, time.UTC), records[0].PurchaseDate.UTC())

	assert.Equal(t, "1002", records[1].ItemID)
	assert.Equal(t, "Texture Pack", records[1].Title)
	assert.Equal(t, "https://booth.pm/items/1002", records[1].PageURL)
	assert.Equal(t, storage.Price{Amount: "3000", Currency: "JPY"}, records[1].Price)

	assert.Equal(t, "1003", records[2].ItemID)
	assert.True(t, records[2].PurchaseDate.IsZero())

	assert.Equal(t, 3, m.count("/orders"))
	assert.Equal(t, 1, m.count("/settings"))
}

func TestListPurchases_StopsWhenCallerStops(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)

	for rec, err := range c.ListPurchases(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, "1001", rec.ItemID)

		break
	}

	assert.Equal(t, 1, m.count("/orders"))
}

func TestListPurchases_RequiresSession(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, "")

	records, err := collect(t, c)
	assert.Empty(t, records)

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, transfer.AuthMissing, authErr.Reason)
	assert.Zero(t, m.total())
}

func TestListPurchases_InvalidSessionOnlyChecksSettings(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, strings.Replace(cookieDump, sessionToken, "stale", 1))

	_, err := collect(t, c)
	assert.ErrorIs(t, err, transfer.ErrAuthRequired)

	assert.Equal(t, 1, m.count("/settings"))
	assert.Equal(t, 1, m.total())
}

func TestListPurchases_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		page string
	}{
		{"missing list", `<html><body><p>maintenance</p></body></html>`},
		{"row without link", `<div class="orders-list"><div class="orders-item"><div class="orders-item-title">x</div></div></div>`},
		{"bad date", `<div class="orders-list"><div class="orders-item">
			<div class="orders-item-title"><a href="/items/1">x</a></div>
			<div class="orders-item-date">yesterday</div></div></div>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarketplace(t)
			c, _ := newTestClient(t, m, cookieDump)

			m.mu.Lock()
			m.pages = map[string]string{"1": tt.page}
			m.mu.Unlock()

			_, err := collect(t, c)

			var parseErr *transfer.ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.False(t, transfer.IsTransient(err))
		})
	}
}

func TestResolve(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)

	links, err := c.Resolve(context.Background(), &storage.Item{ID: "1001"})
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, transfer.Link{URL: m.URL + "/downloadables/1", FileName: "avatar.zip", SizeHint: "1000 B"}, links[0])
	assert.Equal(t, "readme.txt", links[1].FileName)
}

func TestResolve_DuplicateFileNamesGetSuffixes(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)
	ctx := context.Background()

	links, err := c.Resolve(ctx, &storage.Item{ID: "1005"})
	require.NoError(t, err)

	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.FileName)
	}

	assert.Equal(t, []string{"model.unitypackage", "model (2).unitypackage", "readme.txt", "model (3).unitypackage"}, names)
	assert.Equal(t, m.URL+"/downloadables/4", links[1].URL)
	assert.Equal(t, m.URL+"/downloadables/6", links[3].URL)

	again, err := c.Resolve(ctx, &storage.Item{ID: "1005"})
	require.NoError(t, err)
	assert.Equal(t, links, again, "names are stable across resolutions")
}

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{}

	assert.Equal(t, "a.zip", uniqueName(taken, "a.zip"))
	assert.Equal(t, "a (2).zip", uniqueName(taken, "a (2).zip"))
	assert.Equal(t, "a (3).zip", uniqueName(taken, "a.zip"))
	assert.Equal(t, "notes", uniqueName(taken, "notes"))
	assert.Equal(t, "notes (2)", uniqueName(taken, "notes"))
}

func TestResolve_Errors(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)
	ctx := context.Background()

	_, err := c.Resolve(ctx, &storage.Item{ID: "1002"})

	var notEntitled *transfer.NotEntitledError
	require.ErrorAs(t, err, &notEntitled)
	assert.Equal(t, "1002", notEntitled.ItemID)

	_, err = c.Resolve(ctx, &storage.Item{ID: "9999"})
	require.ErrorAs(t, err, &notEntitled)
	assert.Equal(t, http.StatusNotFound, notEntitled.StatusCode)

	_, err = c.Resolve(ctx, &storage.Item{ID: "1003"})

	var parseErr *transfer.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestResolve_RejectedSessionInvalidates(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)
	ctx := context.Background()

	_, err := c.Resolve(ctx, &storage.Item{ID: "1004"})

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, transfer.AuthRejected, authErr.Reason)
	assert.Equal(t, 1, m.count("/settings"))

	_, err = c.Resolve(ctx, &storage.Item{ID: "1001"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.count("/settings"), "a rejected session is validated again")
}

func TestFetch(t *testing.T) {
	m := newMarketplace(t)
	c, _ := newTestClient(t, m, cookieDump)
	ctx := context.Background()

	body, err := c.Fetch(ctx, m.URL+"/downloadables/1", 0)
	require.NoError(t, err)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, m.content, data)
	assert.False(t, body.Partial)
	assert.Equal(t, int64(1000), body.Total)

	body, err = c.Fetch(ctx, m.URL+"/downloadables/1", 400)
	require.NoError(t, err)
	defer body.Close()

	assert.True(t, body.Partial)
	assert.Equal(t, int64(400), body.Offset)
	assert.Equal(t, int64(1000), body.Total)

	m.mu.Lock()
	assert.Equal(t, []string{"", "bytes=400-"}, m.ranges)
	m.mu.Unlock()
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want storage.Price
	}{
		{"¥ 1,500", storage.Price{Amount: "1500", Currency: "JPY"}},
		{"1,500 JPY", storage.Price{Amount: "1500", Currency: "JPY"}},
		{"$4.99", storage.Price{Amount: "4.99", Currency: "USD"}},
		{"Free", storage.Price{Amount: "Free"}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, parsePrice(tt.in))
		})
	}
}
