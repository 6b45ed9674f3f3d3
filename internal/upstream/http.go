package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ent0n29/restyle/internal/reliability"
)

// HTTPDialer opens connections to a chat-completions endpoint.
type HTTPDialer struct {
	url    string
	apiKey string
	retry  reliability.Policy
}

func NewHTTPDialer(url, apiKey string) *HTTPDialer {
	return &HTTPDialer{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		retry:  reliability.DefaultPolicy(),
	}
}

// WithRetry replaces the policy applied when a request fails with a
// retryable status before the stream starts.
func (d *HTTPDialer) WithRetry(p reliability.Policy) *HTTPDialer {
	d.retry = p
	return d
}

func (d *HTTPDialer) Mode() string { return "http" }

// Dial returns a connection with its own transport so that closing it only
// tears down the sockets of one session.
func (d *HTTPDialer) Dial() Conn {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	ctx, cancel := context.WithCancel(context.Background())
	return &httpConn{
		url:    d.url,
		apiKey: d.apiKey,
		retry:  d.retry,
		// No client timeout: completions stream for as long as the model generates.
		client:    &http.Client{Transport: transport},
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
}

type httpConn struct {
	url       string
	apiKey    string
	retry     reliability.Policy
	client    *http.Client
	transport *http.Transport

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *httpConn) Open(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if c.ctx.Err() != nil {
		return nil, ErrConnClosed
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts(); attempt++ {
		if attempt > 1 {
			if err := c.waitRetry(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		body, status, err := c.open(ctx, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !reliability.IsRetryableHTTPStatus(status) {
			break
		}
	}
	return nil, lastErr
}

func (c *httpConn) waitRetry(ctx context.Context, n int) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	if err := c.retry.Wait(waitCtx, n); err != nil {
		if ctx.Err() == nil && c.ctx.Err() != nil {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

// open issues one request. status is zero when no response was received.
func (c *httpConn) open(ctx context.Context, payload []byte) (io.ReadCloser, int, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		release()
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		release()
		if c.ctx.Err() != nil && ctx.Err() == nil {
			return nil, 0, ErrConnClosed
		}
		return nil, 0, fmt.Errorf("send request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		_ = res.Body.Close()
		release()
		return nil, res.StatusCode, fmt.Errorf("upstream http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	return &streamBody{ReadCloser: res.Body, release: release}, res.StatusCode, nil
}

func (c *httpConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.transport.CloseIdleConnections()
	})
	return nil
}

type streamBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
