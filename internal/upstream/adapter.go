// Package upstream talks to an OpenAI-compatible chat-completions endpoint
// in streaming mode and decodes its server-sent event frames.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ent0n29/restyle/internal/reliability"
)

// ErrConnClosed is returned by Open after the connection handle was closed.
var ErrConnClosed = errors.New("upstream connection closed")

// Message is one chat message of the request payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the streaming chat-completions request body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// Conn is a session-scoped connection handle. It is shared by every style
// worker of one session; each Open returns an independent response stream.
// Close aborts in-flight streams and may be called more than once.
type Conn interface {
	Open(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
	Close() error
}

// Dialer hands out one Conn per session.
type Dialer interface {
	Dial() Conn
	Mode() string
}

// Config controls dialer construction.
type Config struct {
	Mode          string
	URL           string
	APIKey        string
	MockChunkWait time.Duration
	// MaxAttempts bounds tries of a request rejected with a retryable status.
	// Zero keeps the default policy.
	MaxAttempts   int
}

func NewDialer(cfg Config) (Dialer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" && strings.TrimSpace(cfg.URL) != "" {
			return newHTTPDialer(cfg), nil
		}
		return NewMockDialer(cfg.MockChunkWait), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("upstream url is required for http mode")
		}
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for http mode")
		}
		return newHTTPDialer(cfg), nil
	case "mock":
		return NewMockDialer(cfg.MockChunkWait), nil
	default:
		return nil, fmt.Errorf("unsupported upstream mode %q", cfg.Mode)
	}
}

func newHTTPDialer(cfg Config) *HTTPDialer {
	d := NewHTTPDialer(cfg.URL, cfg.APIKey)
	if cfg.MaxAttempts > 0 {
		policy := reliability.DefaultPolicy()
		policy.MaxAttempts = cfg.MaxAttempts
		d.WithRetry(policy)
	}
	return d
}
