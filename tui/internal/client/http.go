package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient makes REST calls to the registry server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ListSessions fetches /api/sessions, already filtered to what the token's
// viewer may see.
func (c *HTTPClient) ListSessions() ([]Session, error) {
	var out []Session
	if err := c.get("/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats fetches /api/stats.
func (c *HTTPClient) GetStats() (*Stats, error) {
	var s Stats
	if err := c.get("/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CloseSession sends DELETE /api/sessions/{id}.
func (c *HTTPClient) CloseSession(sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("close failed (%d): %s", resp.StatusCode, errorText(resp.Body))
	}
	return nil
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, errorText(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// errorText extracts the "error" field of a JSON error body, falling back to
// the raw text.
func errorText(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
