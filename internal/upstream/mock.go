package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MockDialer streams the submitted text back word by word using the same
// event-stream framing as the real endpoint. Used when no API key is configured.
type MockDialer struct {
	wait time.Duration
}

func NewMockDialer(wait time.Duration) *MockDialer {
	return &MockDialer{wait: wait}
}

func (d *MockDialer) Mode() string { return "mock" }

func (d *MockDialer) Dial() Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockConn{wait: d.wait, ctx: ctx, cancel: cancel}
}

type mockConn struct {
	wait      time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *mockConn) Open(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if c.ctx.Err() != nil {
		return nil, ErrConnClosed
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("mock upstream: request has no messages")
	}

	pr, pw := io.Pipe()
	go c.emit(ctx, pw, mockReply(req.Messages[len(req.Messages)-1].Content))
	return pr, nil
}

func (c *mockConn) emit(ctx context.Context, pw *io.PipeWriter, reply string) {
	write := func(s string) bool {
		select {
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
			return false
		case <-c.ctx.Done():
			_ = pw.CloseWithError(ErrConnClosed)
			return false
		default:
		}
		if _, err := io.WriteString(pw, s); err != nil {
			return false
		}
		return true
	}
	pause := func() bool {
		if c.wait <= 0 {
			return true
		}
		t := time.NewTimer(c.wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
			return false
		case <-c.ctx.Done():
			_ = pw.CloseWithError(ErrConnClosed)
			return false
		case <-t.C:
			return true
		}
	}

	if !write(": mock upstream\n\n") {
		return
	}
	for _, piece := range splitWords(reply) {
		if !pause() || !write(dataFrame(piece, nil)) {
			return
		}
	}
	stop := "stop"
	if !write(dataFrame("", &stop)) || !write("data: " + DoneToken + "\n\n") {
		return
	}
	_ = pw.Close()
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// mockReply echoes the user text, i.e. whatever follows the style template.
func mockReply(prompt string) string {
	if _, text, ok := strings.Cut(prompt, "\n\n"); ok {
		return text
	}
	return prompt
}

// splitWords keeps the trailing whitespace with each word so the pieces concatenate back to s.
func splitWords(s string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range s {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !isSpace {
			out = append(out, s[start:i])
			start = i
		}
		inSpace = isSpace
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func dataFrame(content string, finishReason *string) string {
	type delta struct {
		Content string `json:"content,omitempty"`
	}
	type choice struct {
		Index        int     `json:"index"`
		Delta        delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}
	raw, _ := json.Marshal(struct {
		Choices []choice `json:"choices"`
	}{Choices: []choice{{Delta: delta{Content: content}, FinishReason: finishReason}}})
	return "data: " + string(raw) + "\n\n"
}
