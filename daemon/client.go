package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client talks to one run's daemon.Server over its unix socket,
// grounded on MuxClient.doRequest's "http over unix" pattern.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// Dial builds a Client bound to socketPath. It does not connect yet;
// the first request fails if no daemon is listening.
func Dial(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = strings.NewReader(string(raw))
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon: not running at %q: %w", c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("daemon: HTTP %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// Ping checks the daemon is reachable and responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/ping", nil, nil)
}

// Status fetches the run's current whole-run snapshot.
func (c *Client) Status(ctx context.Context) (RunStatus, error) {
	var status RunStatus
	err := c.doRequest(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// Attach requests connection details for one Instance, certifying
// clientPubKey (authorized_keys format) for SSH access when the caller
// has a key to offer; pass "" to fall back to the bare control socket.
func (c *Client) Attach(ctx context.Context, instance, clientPubKey string) (AttachInfo, error) {
	var info AttachInfo
	err := c.doRequest(ctx, http.MethodPost, "/attach", map[string]string{"instance": instance, "pub_key": clientPubKey}, &info)
	return info, err
}

// Shutdown asks the daemon to stop serving, for use when a run is
// cancelled out from under an attached CLI.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// Reachable reports whether a daemon is currently listening at
// socketPath, without going through the full HTTP round trip.
func Reachable(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
