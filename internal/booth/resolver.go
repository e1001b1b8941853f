package booth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Resolve lists the downloadable files of a purchased item in page order. Links are read
// fresh on every call.
func (c *Client) Resolve(ctx context.Context, item *storage.Item) ([]transfer.Link, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", item.ID)

	doc, status, err := c.page(ctx, "resolve", "/items/"+item.ID+"/downloads", nil)
	if err != nil {
		var netErr *transfer.NetworkError
		if errors.As(err, &netErr) && (status == http.StatusForbidden || status == http.StatusNotFound) {
			return nil, &transfer.NotEntitledError{ItemID: item.ID, StatusCode: status}
		}

		return nil, err
	}

	if alert := findFirst(doc, byClass("l-alerts")); alert != nil {
		msg := text(alert)
		if strings.Contains(strings.ToLower(msg), "not purchased") {
			return nil, &transfer.NotEntitledError{ItemID: item.ID}
		}

		logger.DebugContext(ctx, "download page shows an alert", "alert", msg)
	}

	rows := findAll(doc, "download-item")

	links := make([]transfer.Link, 0, len(rows))
	taken := make(map[string]bool, len(rows))

	for _, row := range rows {
		name := findFirst(row, byClass("file-name"))
		anchor := findFirst(row, byClass("download-link"))

		if name == nil || anchor == nil || attr(anchor, "href") == "" {
			logger.WarnContext(ctx, "skipping download row without name or link")

			continue
		}

		href, err := c.resolve(attr(anchor, "href"))
		if err != nil {
			return nil, &transfer.ParseError{Page: "downloads page of " + item.ID, Reason: "invalid download link", Err: err}
		}

		fileName := path.Base(strings.ReplaceAll(text(name), "\\", "/"))

		link := transfer.Link{
			URL:      href,
			FileName: uniqueName(taken, fileName),
		}

		if link.FileName != fileName {
			logger.InfoContext(ctx, "renamed duplicate file name", "file_name", fileName, "renamed", link.FileName)
		}

		if size := findFirst(row, byClass("file-size")); size != nil {
			link.SizeHint = text(size)
		}

		links = append(links, link)
	}

	if len(links) == 0 {
		return nil, &transfer.ParseError{Page: "downloads page of " + item.ID, Reason: "no downloadable files found"}
	}

	logger.DebugContext(ctx, "resolved download links", "files", len(links))

	return links, nil
}

// uniqueName returns name, or "name (n).ext" with the lowest free n when name is already
// taken, and marks the result as taken. Page order decides which file keeps the plain name.
func uniqueName(taken map[string]bool, name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for n := 2; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}

	taken[candidate] = true

	return candidate
}
