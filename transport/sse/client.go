package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	kiterr "github.com/c0deZ3R0/peersync/errors"
)

// Client reads a change stream served by Server.
type Client struct {
	URL    string
	Client *http.Client
}

// NewClient creates a client for the feed at url
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{URL: url, Client: httpClient}
}

// Subscribe calls handler for every change until ctx is cancelled, the
// stream ends or handler returns an error.
func (c *Client) Subscribe(ctx context.Context, handler func(Change) error) error {
	const op = "sse.Subscribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return kiterr.E(kiterr.Op(op), kiterr.Component("transport/sse"), kiterr.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.Client.Do(req)
	if err != nil {
		return kiterr.E(kiterr.Op(op), kiterr.Component("transport/sse"), kiterr.KindUnavailable, err, "http request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kiterr.E(kiterr.Op(op), kiterr.Component("transport/sse"), kiterr.KindUnavailable, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var event string
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			event = ""
		case bytes.HasPrefix(line, []byte("event: ")):
			event = string(bytes.TrimPrefix(line, []byte("event: ")))
		case bytes.HasPrefix(line, []byte("data: ")) && event == EventChange:
			var ch Change
			if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ch); err != nil {
				return kiterr.E(kiterr.Op(op), kiterr.Component("transport/sse"), kiterr.KindInvalid, err, "decode change")
			}
			if err := handler(ch); err != nil {
				return kiterr.E(kiterr.Op(op), kiterr.Component("transport/sse"), err, "handler")
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return kiterr.E(kiterr.Op(op), kiterr.Component("transport/sse"), err, "scan")
	}
	return nil
}
