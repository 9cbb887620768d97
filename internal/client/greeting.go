package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type helloResponse struct {
	Message string `json:"message"`
}

// helloURL turns the relay websocket URL into the URL of its greeting
// endpoint: ws becomes http, wss becomes https and a trailing /ws is dropped
func helloURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/api/hello"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Greet fetches the relay's greeting and shows it as the first incoming
// message. Nothing is appended when the fetch fails.
func (c *Client) Greet(ctx context.Context) error {
	endpoint, err := helloURL(c.cfg.URL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch greeting: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("greeting error: %s - %s", resp.Status, string(body))
	}

	var hello helloResponse
	if err := json.Unmarshal(body, &hello); err != nil {
		return fmt.Errorf("failed to unmarshal greeting: %w", err)
	}
	if hello.Message == "" {
		return nil
	}

	c.log.Append(hello.Message, Incoming, KindTurn)
	return nil
}
