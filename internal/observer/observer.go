// Package observer implements ObserverClient: fetching another peer's
// self-reported cluster view over HTTP and rejecting responses whose clock
// looks too far out of sync to trust.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/willibrandon/pgward/internal/clusterstate"
	"github.com/willibrandon/pgward/internal/logger"
)

// DefaultTimeout is the total request budget for an observer fetch.
const DefaultTimeout = 5 * time.Second

// MaxClockSkew is how far apart the observer's advertised HTTP Date and the
// local clock may be before the response is discarded outright.
const MaxClockSkew = 5 * time.Second

// Client fetches observer state snapshots over HTTP.
type Client struct {
	http *http.Client
}

// New returns a Client whose requests are bounded by timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Fetch retrieves {baseURI}/state.json and decodes it into an
// ObserverState's nested peer map. It returns (nil, nil) — not an error —
// when the response is discarded for clock skew, since that is an expected
// outcome rather than a failure worth logging as such by the caller.
func (c *Client) Fetch(ctx context.Context, peerID, baseURI string) (*clusterstate.ObserverState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURI+"/state.json", nil)
	if err != nil {
		return nil, fmt.Errorf("observer: building request for %s: %w", peerID, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &clusterstate.ObserverState{FetchTime: time.Now().UTC(), Connection: false}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &clusterstate.ObserverState{FetchTime: time.Now().UTC(), Connection: false}, nil
	}

	if dateHeader := resp.Header.Get("Date"); dateHeader != "" {
		remoteTime, err := http.ParseTime(dateHeader)
		if err == nil {
			skew := time.Since(remoteTime)
			if skew < 0 {
				skew = -skew
			}
			if skew > MaxClockSkew {
				logger.Warn("discarding observer response: clock skew exceeds threshold",
					"peer_id", peerID, "skew_seconds", skew.Seconds())
				return nil, nil
			}
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &clusterstate.ObserverState{FetchTime: time.Now().UTC(), Connection: false}, nil
	}

	var peers map[string]clusterstate.DBState
	if err := json.Unmarshal(body, &peers); err != nil {
		return &clusterstate.ObserverState{FetchTime: time.Now().UTC(), Connection: false}, nil
	}

	return &clusterstate.ObserverState{
		FetchTime:  time.Now().UTC(),
		Connection: true,
		Peers:      peers,
	}, nil
}
