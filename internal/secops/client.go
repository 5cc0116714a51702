// Package secops implements batched delivery of entities to the Google SecOps entity ingestion API.
package secops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/misp-secops-forwarder/internal/entity"
	"github.com/stacklok/misp-secops-forwarder/internal/httpclient"
)

const (
	// MaxBatchSize is the hard per-request limit of the ingestion API
	MaxBatchSize = 500

	// DefaultMaxTries bounds the attempts made for a single group
	DefaultMaxTries uint = 5

	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 60 * time.Second
	defaultMultiplier      = 2
)

// ErrIngestionFailed is returned when a group could not be delivered within its retry budget
var ErrIngestionFailed = errors.New("entity ingestion failed")

// Option configures the Client
type Option func(*Client)

// WithBackOff sets the backoff policy factory. A fresh policy is built for every group.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// WithMaxTries sets the attempt ceiling per group
func WithMaxTries(tries uint) Option {
	return func(c *Client) {
		if tries > 0 {
			c.maxTries = tries
		}
	}
}

// WithClock sets the clock used for collected_timestamp
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client delivers entity batches. It is safe for sequential use by one cycle at a time.
type Client struct {
	endpoint   string
	customerID string
	client     httpclient.Client
	newBackOff func() backoff.BackOff
	maxTries   uint
	now        func() time.Time
}

// NewClient creates an ingestion client posting to endpoint on behalf of customerID.
// client must already attach credentials, see NewAuthenticatedHTTPClient.
func NewClient(endpoint, customerID string, client httpclient.Client, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		customerID: customerID,
		client:     client,
		newBackOff: defaultBackOff,
		maxTries:   DefaultMaxTries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	b.Multiplier = defaultMultiplier
	return b
}

// Deliver sends entities in source order, in sequential groups of at most min(batchSize, 500).
//
// It returns the number of entities durably delivered. On failure the count covers the
// groups accepted before the failing one, and the error wraps ErrIngestionFailed.
func (c *Client) Deliver(ctx context.Context, entities []entity.Entity, batchSize int) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	groups := (len(entities) + batchSize - 1) / batchSize
	delivered := 0
	for i := 0; i < groups; i++ {
		start := i * batchSize
		end := min(start+batchSize, len(entities))
		group := entities[start:end]

		if err := c.sendGroup(ctx, group); err != nil {
			slog.Error("Entity group delivery failed",
				"group", i+1,
				"groups", groups,
				"delivered", delivered,
				"error", err)
			return delivered, fmt.Errorf("%w: group %d/%d: %w", ErrIngestionFailed, i+1, groups, err)
		}

		delivered += len(group)
		slog.Info("Delivered entity group",
			"group", i+1,
			"groups", groups,
			"entities", len(group))
	}

	return delivered, nil
}

func (c *Client) sendGroup(ctx context.Context, group []entity.Entity) error {
	collected := c.now()
	req := batchRequest{
		CustomerID: c.customerID,
		LogType:    LogType,
		Entities:   make([]entityContext, 0, len(group)),
	}
	for _, e := range group {
		req.Entities = append(req.Entities, encodeEntity(e, collected))
	}

	var lastErr error
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		_, err := c.client.PostJSON(ctx, c.endpoint, req, nil)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err

		if !httpclient.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			return struct{}{}, backoff.RetryAfter(retryAfterSeconds(httpErr.RetryAfter))
		}
		return struct{}{}, err
	}

	notify := func(_ error, wait time.Duration) {
		slog.Warn("Transient ingestion failure, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", lastErr)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// retryAfterSeconds rounds a server-requested delay up to whole seconds, so a
// retry never happens before the server asked for it
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
