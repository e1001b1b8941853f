package transfer

import (
	"context"

	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/telemetry"
)

// InstrumentedResolver wraps Resolver with telemetry.
type InstrumentedResolver struct {
	resolver   Resolver
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedResolver creates a new instrumented resolver.
func NewInstrumentedResolver(resolver Resolver, tel *telemetry.Telemetry, clientType string) *InstrumentedResolver {
	return &InstrumentedResolver{
		resolver:   resolver,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Resolve resolves download links with telemetry.
func (c *InstrumentedResolver) Resolve(ctx context.Context, item *storage.Item) ([]Link, error) {
	var result []Link

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "resolve", func(ctx context.Context) error {
		var err error

		result, err = c.resolver.Resolve(ctx, item)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher    Fetcher
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, clientType string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:    fetcher,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Fetch opens a file stream with telemetry. Only the request is measured, not the body.
func (c *InstrumentedFetcher) Fetch(ctx context.Context, url string, offset int64) (*Body, error) {
	var result *Body

	operation := "fetch"
	if offset > 0 {
		operation = "fetch_range"
	}

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, operation, func(ctx context.Context) error {
		var err error

		result, err = c.fetcher.Fetch(ctx, url, offset)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
