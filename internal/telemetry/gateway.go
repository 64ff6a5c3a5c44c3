package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ControlClient talks to the gateway's built-in control server.
type ControlClient struct {
	baseURL string
	client  *http.Client
}

// NewControlClient creates a client for baseURL. Every request is bounded by timeout.
func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ControlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// TunnelStatus returns the tunnel state reported by the control server, e.g. "running".
func (c *ControlClient) TunnelStatus(ctx context.Context) (string, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/v1/openvpn/status", &body); err != nil {
		return "", err
	}
	return body.Status, nil
}

// PublicIP returns the egress address seen by the gateway.
func (c *ControlClient) PublicIP(ctx context.Context) (string, error) {
	var body struct {
		PublicIP string `json:"public_ip"`
	}
	if err := c.getJSON(ctx, "/v1/publicip/ip", &body); err != nil {
		return "", err
	}
	return body.PublicIP, nil
}

func (c *ControlClient) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("control server %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(target)
}

// latestHandshake returns the most recent handshake across the peers listed by
// `wg show <iface> latest-handshakes`. Zero means no handshake yet.
func latestHandshake(text string) time.Time {
	var newest int64
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if ts > newest {
			newest = ts
		}
	}
	if newest == 0 {
		return time.Time{}
	}
	return time.Unix(newest, 0)
}

// formatAgo renders a handshake age the way the dashboard shows it.
func formatAgo(handshake, now time.Time) string {
	if handshake.IsZero() {
		return "Never"
	}
	age := now.Sub(handshake)
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	}
}
