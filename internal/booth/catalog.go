package booth

import (
	"context"
	"iter"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

const (
	ordersPath = "/orders"
	maxPages   = 1000
)

var (
	itemIDPattern = regexp.MustCompile(`/(?:[a-z]{2}/)?items/(\d+)`)
	amountPattern = regexp.MustCompile(`[0-9][0-9,.]*`)

	dateLayouts = []string{"2006/01/02 15:04", "2006/01/02", "2006-01-02 15:04", "2006-01-02"}

	currencySymbols = map[string]string{"¥": "JPY", "￥": "JPY", "$": "USD", "€": "EUR", "£": "GBP"}
)

// ListPurchases yields every purchased item from the order history, most recent first.
// Pages are requested one at a time as the caller consumes them. The first error is
// yielded once and ends the sequence.
func (c *Client) ListPurchases(ctx context.Context) iter.Seq2[storage.PurchaseRecord, error] {
	return func(yield func(storage.PurchaseRecord, error) bool) {
		logger := logctx.LoggerFromContext(ctx)

		for page := 1; page <= maxPages; page++ {
			records, err := c.ordersPage(ctx, page)
			if err != nil {
				yield(storage.PurchaseRecord{}, err)

				return
			}

			logger.DebugContext(ctx, "fetched orders page", "page", page, "purchases", len(records))

			if len(records) == 0 {
				return
			}

			for _, r := range records {
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) ordersPage(ctx context.Context, page int) ([]storage.PurchaseRecord, error) {
	doc, _, err := c.page(ctx, "list_purchases", ordersPath, url.Values{"page": {strconv.Itoa(page)}})
	if err != nil {
		return nil, err
	}

	pageName := "orders page " + strconv.Itoa(page)

	if findFirst(doc, byClass("orders-list")) == nil {
		return nil, &transfer.ParseError{Page: pageName, Reason: "order list not found"}
	}

	rows := findAll(doc, "orders-item")
	records := make([]storage.PurchaseRecord, 0, len(rows))

	for _, row := range rows {
		rec, err := c.parseOrder(row)
		if err != nil {
			return nil, &transfer.ParseError{Page: pageName, Reason: err.Error(), Err: err}
		}

		records = append(records, rec)
	}

	return records, nil
}

type orderError string

func (e orderError) Error() string { return string(e) }

func (c *Client) parseOrder(row *html.Node) (storage.PurchaseRecord, error) {
	title := findFirst(row, byClass("orders-item-title"))
	if title == nil {
		return storage.PurchaseRecord{}, orderError("order row without title")
	}

	link := findFirst(title, isAnchor)
	if link == nil {
		return storage.PurchaseRecord{}, orderError("order row without item link")
	}

	href := attr(link, "href")

	m := itemIDPattern.FindStringSubmatch(href)
	if m == nil {
		return storage.PurchaseRecord{}, orderError("item link " + strconv.Quote(href) + " has no item id")
	}

	pageURL, err := c.resolve(href)
	if err != nil {
		return storage.PurchaseRecord{}, orderError("invalid item link " + strconv.Quote(href))
	}

	rec := storage.PurchaseRecord{
		ItemID:  m[1],
		Title:   text(link),
		PageURL: pageURL,
	}

	if n := findFirst(row, byClass("orders-item-date")); n != nil {
		date, err := parseDate(text(n))
		if err != nil {
			return storage.PurchaseRecord{}, err
		}

		rec.PurchaseDate = date
	}

	if n := findFirst(row, byClass("orders-item-price")); n != nil {
		rec.Price = parsePrice(text(n))
	}

	return rec, nil
}

// parseDate reads the order date in the marketplace's local time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, jst); err == nil {
			return t, nil
		}
	}

	return time.Time{}, orderError("unparsable purchase date " + strconv.Quote(s))
}

var jst = time.FixedZone("JST", 9*60*60)

// parsePrice splits "¥ 1,500" or "1,500 JPY" into an amount and a currency. Text without
// a number is kept whole as the amount.
func parsePrice(s string) storage.Price {
	s = strings.TrimSpace(s)

	loc := amountPattern.FindStringIndex(s)
	if loc == nil {
		return storage.Price{Amount: s}
	}

	price := storage.Price{Amount: strings.ReplaceAll(s[loc[0]:loc[1]], ",", "")}

	rest := strings.TrimSpace(s[:loc[0]] + " " + s[loc[1]:])
	for symbol, code := range currencySymbols {
		if strings.Contains(rest, symbol) {
			price.Currency = code

			return price
		}
	}

	if fields := strings.Fields(rest); len(fields) > 0 {
		price.Currency = strings.ToUpper(fields[0])
	}

	return price
}
