package secops

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/stacklok/misp-secops-forwarder/internal/httpclient"
)

// IngestionScope is the OAuth scope required by the entity ingestion API
const IngestionScope = "https://www.googleapis.com/auth/malachite-ingestion"

// NewTokenSource loads a service account key file and returns a caching token source
func NewTokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	// #nosec G304 -- credentials path is supplied by the operator
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account credentials: %w", err)
	}

	conf, err := google.JWTConfigFromJSON(data, IngestionScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
	}

	return conf.TokenSource(ctx), nil
}

// NewAuthenticatedHTTPClient returns an HTTP client that attaches bearer tokens from ts
func NewAuthenticatedHTTPClient(ts oauth2.TokenSource, opts ...httpclient.Option) *httpclient.DefaultClient {
	transport := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, ts),
		Base:   http.DefaultTransport,
	}
	return httpclient.NewDefaultClient(append(opts, httpclient.WithTransport(transport))...)
}
