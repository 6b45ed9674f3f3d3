package rephrase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/restyle/internal/upstream"
)

// scriptedConn answers each Open with the scripted stream of the style whose
// name appears in the prompt. A style mapped to an error fails at Open. Styles
// without a script block until the request or the connection is cancelled.
// A style listed in panics crashes inside Open.
type scriptedConn struct {
	streams map[string]string
	errs    map[string]error
	panics  map[string]bool

	mu       sync.Mutex
	requests []upstream.ChatRequest
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32
}

func newScriptedConn(streams map[string]string, errs map[string]error) *scriptedConn {
	return &scriptedConn{streams: streams, errs: errs, closed: make(chan struct{})}
}

func (c *scriptedConn) Open(ctx context.Context, req upstream.ChatRequest) (io.ReadCloser, error) {
	select {
	case <-c.closed:
		return nil, upstream.ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	tag := styleOf(req)
	if c.panics[tag] {
		panic("scripted crash for " + tag)
	}
	if err, ok := c.errs[tag]; ok {
		return nil, err
	}
	if body, ok := c.streams[tag]; ok {
		return io.NopCloser(strings.NewReader(body)), nil
	}

	pr, pw := io.Pipe()
	go func() {
		select {
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
		case <-c.closed:
			_ = pw.CloseWithError(upstream.ErrConnClosed)
		}
	}()
	return pr, nil
}

func (c *scriptedConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func styleOf(req upstream.ChatRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	prompt := req.Messages[0].Content
	for _, tag := range []string{"professional", "casual", "polite", "social"} {
		if strings.Contains(prompt, tag) {
			return tag
		}
	}
	return ""
}

type connDialer struct {
	conn upstream.Conn
}

func (d connDialer) Dial() upstream.Conn { return d.conn }

func (d connDialer) Mode() string { return "scripted" }

var errBoom = errors.New("boom")
