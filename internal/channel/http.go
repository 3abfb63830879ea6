package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient makes REST calls to the preview service.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Chat creates the session, or attaches to it when sessionID exists.
// created reports whether the server created it.
func (c *HTTPClient) Chat(ctx context.Context, sessionID, message string) (st Status, created bool, err error) {
	body := map[string]string{"sessionId": sessionID, "message": message}
	code, err := c.do(ctx, http.MethodPost, "/api/chat", body, &st)
	return st, code == http.StatusCreated, err
}

// Status fetches GET /api/sessions/{id}. It is a bootstrap read; once
// the event stream is open the stream is authoritative.
func (c *HTTPClient) Status(ctx context.Context, sessionID string) (Status, error) {
	var st Status
	_, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &st)
	return st, err
}

func (c *HTTPClient) Sessions(ctx context.Context) ([]Status, error) {
	var out []Status
	_, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// SubmitTurn sends POST /api/sessions/{id}/turns.
func (c *HTTPClient) SubmitTurn(ctx context.Context, sessionID, message string) (Status, error) {
	var st Status
	_, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/turns"), map[string]string{"message": message}, &st)
	return st, err
}

// Close sends POST /api/sessions/{id}/close.
func (c *HTTPClient) Close(ctx context.Context, sessionID string) (Status, error) {
	var st Status
	_, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/close"), nil, &st)
	return st, err
}

// Delete sends DELETE /api/sessions/{id}.
func (c *HTTPClient) Delete(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
	return err
}

// Events fetches the recorded events after the given sequence.
func (c *HTTPClient) Events(ctx context.Context, sessionID string, after uint64) ([]Message, error) {
	path := sessionPath(sessionID, "/events")
	if after > 0 {
		path += "?after=" + strconv.FormatUint(after, 10)
	}
	var out []Message
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Health fetches /health. A degraded server answers 503 with a body, which
// is returned without an error.
func (c *HTTPClient) Health(ctx context.Context) (Health, error) {
	var h Health
	code, err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	if code == http.StatusServiceUnavailable && h.Status != "" {
		return h, nil
	}
	return h, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil {
			apiErr.Code, apiErr.Message = wrapped.Error.Code, wrapped.Error.Message
		}
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(data, out)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}
