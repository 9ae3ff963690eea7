package monitor

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/httputil"
)

// Client talks to a running monitor server.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8090". A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Status fetches the latest snapshot view.
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var v StatusView
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.base+"/api/status", nil, &v)
	return v, err
}

// Relocalize requests a manual relocalization.
func (c *Client) Relocalize(ctx context.Context) error {
	return httputil.DoJSON(ctx, c.http, http.MethodPost, c.base+"/api/relocalize", nil, nil)
}

// Events fetches events newer than since.
func (c *Client) Events(ctx context.Context, since float64, limit int) ([]control.Event, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatFloat(since, 'f', -1, 64))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []control.Event
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.base+"/api/events?"+q.Encode(), nil, &out)
	return out, err
}
