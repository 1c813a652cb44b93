// Package upstream translates validated inbound requests into calls against
// the record-storage API. It owns the only secret in the system: the bearer
// token, injected server-side and never accepted from or echoed to clients.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ferro-labs/airgate/internal/policy"
)

// sortPrefix matches sort-by-index query parameter names such as
// "sort[0][field]" and "sort[0][direction]".
const sortPrefix = "sort["

// Result is the relayed upstream outcome. Body is passed through
// byte-for-byte; the proxy never interprets the payload.
type Result struct {
	Status int
	Body   []byte
}

// Client forwards requests to a single fixed upstream API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for baseURL authenticating with token. Every outbound
// call is bounded by timeout; there is no retry.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// URL builds the upstream URL for a validated resource. The table segment is
// normalized to a single URL-encoded form regardless of which accepted
// spelling the client sent; the record ID is appended verbatim.
func (c *Client) URL(res policy.ResourcePath) string {
	table := res.Table
	if decoded, err := url.PathUnescape(table); err == nil {
		table = decoded
	}
	u := c.baseURL + "/" + res.Base + "/" + url.PathEscape(table)
	if res.Record != "" {
		u += "/" + res.Record
	}
	return u
}

// Do forwards one request and relays the upstream status and body. A nil
// error with a non-2xx Result is a normal outcome; an error is returned only
// for request construction or transport failures (including timeout), which
// the caller surfaces as a 502 without leaking transport internals.
func (c *Client) Do(ctx context.Context, method string, res policy.ResourcePath, query url.Values, body []byte) (*Result, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(res), reader)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &Result{Status: resp.StatusCode, Body: data}, nil
}

// FilterQuery copies the allow-listed parameters from q, plus any name with
// the "sort[" prefix. Everything else is silently dropped, never an error.
func FilterQuery(q url.Values, allow []string) url.Values {
	allowed := make(map[string]struct{}, len(allow))
	for _, name := range allow {
		allowed[name] = struct{}{}
	}

	filtered := url.Values{}
	for name, values := range q {
		_, ok := allowed[name]
		if !ok && !strings.HasPrefix(name, sortPrefix) {
			continue
		}
		for _, v := range values {
			filtered.Add(name, v)
		}
	}
	return filtered
}
