/*
client.go - HTTP client for the central sync server

Authentication is a bearer token plus an X-Device-Id header on every
request. The standard net/http client is all this needs: two JSON
endpoints and a health probe.
*/
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/core"
)

// Client talks to the central sync server.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	http     *http.Client
	log      zerolog.Logger
}

func NewClient(baseURL, token, deviceID string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		token:    token,
		deviceID: deviceID,
		http:     &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "sync.client").Logger(),
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, core.SyncError("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Device-Id", c.deviceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Push uploads a batch of local events.
func (c *Client) Push(ctx context.Context, events []Event) (*PushResponse, error) {
	wire := make([]WireEvent, 0, len(events))
	for _, e := range events {
		wire = append(wire, toWire(e))
	}
	body, err := json.Marshal(PushRequest{DeviceID: c.deviceID, Events: wire})
	if err != nil {
		return nil, core.SyncError("marshal push batch: %v", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/sync/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.SyncError("push: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.SyncError("push: server returned %d", resp.StatusCode)
	}
	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.SyncError("decode push response: %v", err)
	}
	return &out, nil
}

// Pull fetches events the server accumulated since the watermark,
// excluding this device's own. The returned time is the server's clock
// at pull time, used as the next watermark.
func (c *Client) Pull(ctx context.Context, since *time.Time) ([]Event, time.Time, error) {
	q := url.Values{}
	q.Set("device_id", c.deviceID)
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/sync/events?"+q.Encode(), nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, core.SyncError("pull: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, core.SyncError("pull: server returned %d", resp.StatusCode)
	}
	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, time.Time{}, core.SyncError("decode pull response: %v", err)
	}

	events := make([]Event, 0, len(out.Events))
	for _, w := range out.Events {
		events = append(events, fromWire(w))
	}
	return events, out.ServerTimestamp, nil
}

// Ping probes server reachability.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) String() string {
	return fmt.Sprintf("sync.Client{%s, device=%s}", c.baseURL, c.deviceID)
}
