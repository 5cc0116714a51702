package misp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/misp-secops-forwarder/internal/httpclient"
)

func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func attributeJSON(typ, value string, ts int64) string {
	return fmt.Sprintf(`{"type":%q,"value":%q,"timestamp":"%d","uuid":"u-%s","comment":"c",
"Event":{"info":"Phishing campaign","threat_level_id":"1","Orgc":{"name":"CIRCL"}}}`, typ, value, ts, value)
}

func pageJSON(attrs ...string) string {
	list := "["
	for i, a := range attrs {
		if i > 0 {
			list += ","
		}
		list += a
	}
	list += "]"
	return `{"response":{"Attribute":` + list + `}}`
}

// pagedServer serves the given pages in order, then empty pages.
// The returned function reports the requests received so far.
func pagedServer(t *testing.T, pages []string) (*httptest.Server, func() []searchRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []searchRequest
	)
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, searchPath, r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var req searchRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()

		if n <= len(pages) {
			_, _ = w.Write([]byte(pages[n-1]))
			return
		}
		_, _ = w.Write([]byte(`{"response":{"Attribute":[]}}`))
	}))
	return server, func() []searchRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]searchRequest(nil), requests...)
	}
}

func collect(seq func(yield func(Indicator, error) bool)) ([]Indicator, error) {
	var out []Indicator
	for ind, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ind)
	}
	return out, nil
}

func TestFetchSincePaging(t *testing.T) {
	t.Parallel()

	server, requests := pagedServer(t, []string{
		pageJSON(attributeJSON("ip-src", "10.0.0.1", 100), attributeJSON("domain", "evil.example", 101)),
		pageJSON(attributeJSON("sha256", "abc", 102)),
	})
	defer server.Close()

	client := NewClient(server.URL+"/", "api-key", httpclient.NewDefaultClient())
	types := []string{"ip-src", "domain", "sha256"}
	got, err := collect(client.FetchSince(context.Background(), 99, 2, types))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, Indicator{
		Type:      "ip-src",
		Value:     "10.0.0.1",
		Timestamp: 100,
		UUID:      "u-10.0.0.1",
		Comment:   "c",
		Event: EventMetadata{
			Organization: "CIRCL",
			Description:  "Phishing campaign",
			ThreatLevel:  "1",
		},
	}, got[0])
	assert.Equal(t, int64(102), got[2].Timestamp)

	require.Len(t, requests(), 3, "paging stops at the first empty page")
	for i, req := range requests() {
		assert.Equal(t, i+1, req.Page)
		assert.Equal(t, 2, req.Limit)
		assert.Equal(t, "json", req.ReturnFormat)
		assert.Equal(t, 1, req.Published)
		assert.Equal(t, int64(99), req.Timestamp)
		assert.Equal(t, types, req.Type)
	}
}

func TestFetchSinceIsLazy(t *testing.T) {
	t.Parallel()

	server, requests := pagedServer(t, []string{
		pageJSON(attributeJSON("url", "http://a", 1)),
		pageJSON(attributeJSON("url", "http://b", 2)),
	})
	defer server.Close()

	client := NewClient(server.URL, "api-key", httpclient.NewDefaultClient())
	seq := client.FetchSince(context.Background(), 0, 1, nil)
	for range seq {
		break
	}
	assert.Len(t, requests(), 1, "no further page is requested once the consumer stops")

	_, err := collect(seq)
	assert.ErrorIs(t, err, ErrSequenceConsumed)
}

func TestFetchSinceMalformedKeepsPartialResults(t *testing.T) {
	t.Parallel()

	server, _ := pagedServer(t, []string{
		pageJSON(attributeJSON("ip-dst", "10.0.0.2", 50)),
		`{"response":{"Attribute":[{"type":"ip-dst","value":"x","timestamp":"not-a-number"}]}}`,
	})
	defer server.Close()

	client := NewClient(server.URL, "api-key", httpclient.NewDefaultClient())
	got, err := collect(client.FetchSince(context.Background(), 0, 10, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceMalformed))
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.2", got[0].Value)
}

func TestFetchSinceUnavailable(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-key", httpclient.NewDefaultClient())
	got, err := collect(client.FetchSince(context.Background(), 0, 10, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
	assert.Empty(t, got)

	var httpErr *httpclient.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestFetchSinceCancelled(t *testing.T) {
	t.Parallel()

	server, _ := pagedServer(t, nil)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "api-key", httpclient.NewDefaultClient())
	_, err := collect(client.FetchSince(ctx, 0, 10, nil))
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeAttributes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "empty list form", raw: `[]`, want: 0},
		{name: "null", raw: `null`, want: 0},
		{name: "empty attribute list", raw: `{"Attribute":[]}`, want: 0},
		{name: "numeric timestamp and threat level", raw: `{"Attribute":[{"type":"md5","value":"x","timestamp":17,"Event":{"threat_level_id":3}}]}`, want: 1},
		{name: "unexpected list", raw: `[1]`, wantErr: true},
		{name: "wrong shape", raw: `{"Attribute":"nope"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			attrs, err := decodeAttributes(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, attrs, tt.want)
		})
	}

	attrs, err := decodeAttributes(json.RawMessage(`{"Attribute":[{"type":"md5","value":"x","timestamp":17,"Event":{"threat_level_id":3}}]}`))
	require.NoError(t, err)
	ind := attrs[0].toIndicator()
	assert.Equal(t, int64(17), ind.Timestamp)
	assert.Equal(t, "3", ind.Event.ThreatLevel)
}

func TestPing(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, versionPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"2.4.190"}`))
	}))
	defer server.Close()

	version, err := NewClient(server.URL, "api-key", httpclient.NewDefaultClient()).Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.4.190", version)
}
