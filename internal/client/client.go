// Package client talks to a running restyle server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/style"
)

// APIError is a non-2xx response carrying the server's detail message.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil hc uses http.DefaultClient; it must
// not set a Timeout since streams stay open for the whole session.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Process(ctx context.Context, text string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.postJSON(ctx, "/process", map[string]string{"text": text}, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Cancel returns the server's status: "cancelling" or "not_found".
func (c *Client) Cancel(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.postJSON(ctx, "/cancel", map[string]string{"session_id": sessionID}, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) Styles(ctx context.Context) ([]style.Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/styles", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Styles []style.Definition `json:"styles"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Styles, nil
}

// Stream subscribes to sessionID and calls fn for every event until the
// session terminal event, which is passed to fn too.
func (c *Client) Stream(ctx context.Context, sessionID string, fn func(protocol.Event) error) error {
	endpoint := c.baseURL + "/stream?session=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		ev, err := protocol.ParseEvent([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.SessionTerminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Detail string `json:"detail"`
	}
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		detail = body.Detail
	}
	return &APIError{Status: resp.StatusCode, Detail: detail}
}
