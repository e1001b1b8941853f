package booth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Fetch opens the file behind a download link from offset onwards.
func (c *Client) Fetch(ctx context.Context, url string, offset int64) (*transfer.Body, error) {
	client, err := c.sessions.Client(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, c.requestError(ctx, "fetch", err)
	}

	if err := c.checkAuth(ctx, "fetch", resp); err != nil {
		resp.Body.Close()

		return nil, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download response",
		"status", resp.StatusCode, "offset", offset, "content_length", resp.ContentLength)

	return transfer.BodyFromResponse(resp, offset)
}
