// Package misp implements the MISP indicator source.
package misp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stacklok/misp-secops-forwarder/internal/httpclient"
)

const (
	searchPath  = "/attributes/restSearch"
	versionPath = "/servers/getVersion"

	pingTimeout = 10 * time.Second
)

var (
	// ErrSourceUnavailable is returned on transport and authentication failures
	ErrSourceUnavailable = errors.New("MISP source unavailable")

	// ErrSourceMalformed is returned when a page cannot be decoded.
	// Indicators yielded before it remain valid.
	ErrSourceMalformed = errors.New("MISP returned a malformed page")

	// ErrSequenceConsumed is yielded when a fetch sequence is ranged over twice
	ErrSequenceConsumed = errors.New("indicator sequence already consumed")
)

// Client fetches published attributes from a MISP instance
type Client struct {
	baseURL string
	apiKey  string
	client  httpclient.Client
}

// NewClient creates a MISP client. baseURL must not carry a trailing slash.
func NewClient(baseURL, apiKey string, client httpclient.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", c.apiKey)
	return h
}

// FetchSince returns the published attributes whose timestamp is at or after since,
// restricted server-side to allowedTypes.
//
// The sequence is lazy: each page is requested only when the previous one has been
// consumed, and paging stops at the first empty page. It may be ranged over once.
// A transport failure yields an error wrapping ErrSourceUnavailable; an undecodable
// page yields an error wrapping ErrSourceMalformed. Either ends the sequence.
func (c *Client) FetchSince(ctx context.Context, since int64, pageSize int, allowedTypes []string) iter.Seq2[Indicator, error] {
	var consumed atomic.Bool

	return func(yield func(Indicator, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Indicator{}, ErrSequenceConsumed)
			return
		}

		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(Indicator{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err))
				return
			}

			attrs, err := c.fetchPage(ctx, since, page, pageSize, allowedTypes)
			if err != nil {
				yield(Indicator{}, err)
				return
			}
			if len(attrs) == 0 {
				slog.Debug("MISP paging complete", "pages", page-1)
				return
			}

			slog.Debug("Fetched MISP page", "page", page, "attributes", len(attrs))
			for _, a := range attrs {
				if !yield(a.toIndicator(), nil) {
					return
				}
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, since int64, page, limit int, types []string) ([]attribute, error) {
	req := searchRequest{
		Page:         page,
		Limit:        limit,
		ReturnFormat: "json",
		Type:         types,
		Published:    1,
		Timestamp:    since,
	}

	body, err := c.client.PostJSON(ctx, c.baseURL+searchPath, req, c.header())
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrSourceUnavailable, page, err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrSourceMalformed, page, err)
	}
	attrs, err := decodeAttributes(resp.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrSourceMalformed, page, err)
	}
	return attrs, nil
}

// Ping checks connectivity and credentials and returns the MISP version
func (c *Client) Ping(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	body, err := c.client.Get(ctx, c.baseURL+versionPath, c.header())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("%w: version response: %w", ErrSourceMalformed, err)
	}
	return v.Version, nil
}
