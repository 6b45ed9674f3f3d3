package rephrase

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/restyle/internal/observability"
	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/style"
	"github.com/ent0n29/restyle/internal/upstream"
)

// Job is one style's share of a session.
type Job struct {
	Style       style.Style
	Text        string
	Prompt      string
	Temperature float64
}

type worker struct {
	conn    upstream.Conn
	model   string
	events  chan<- protocol.Event
	metrics *observability.Metrics
	logger  *log.Logger
	out     *transcript
}

// run streams one style and pushes exactly one final event for it, carrying the
// error message when streaming fails. Cancellation returns ctx.Err() and may
// skip the final event.
func (w *worker) run(ctx context.Context, job Job) error {
	err := w.stream(ctx, job)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	tag := string(job.Style)
	w.metrics.ObserveUpstreamError(tag)
	w.metrics.ObserveStyleEvent(tag, "error")
	w.out.fail(tag, err.Error())
	w.logger.Warn("style stream failed", "style", tag, "err", err)
	return w.push(ctx, protocol.ErrorEvent(tag, err.Error()))
}

func (w *worker) stream(ctx context.Context, job Job) error {
	tag := string(job.Style)
	started := time.Now()

	body, err := w.conn.Open(ctx, upstream.ChatRequest{
		Model:       w.model,
		Messages:    []upstream.Message{{Role: "user", Content: job.Prompt}},
		Temperature: job.Temperature,
		Stream:      true,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	frames := upstream.NewFrameReader(body)
	defer func() {
		if n := frames.Dropped(); n > 0 {
			w.logger.Debug("dropped malformed frames", "style", tag, "count", n)
		}
	}()

	sawDelta := false
	for {
		frame, err := frames.Next()
		if errors.Is(err, io.EOF) {
			// Stream ended without a terminator; treat it as completion.
			return w.finish(ctx, tag)
		}
		if err != nil {
			return err
		}
		if frame.Kind == upstream.FrameDone {
			return w.finish(ctx, tag)
		}

		if delta := frame.Chunk.Delta; delta != "" {
			if !sawDelta {
				sawDelta = true
				w.metrics.ObserveFirstDeltaLatency(time.Since(started))
			}
			w.out.append(tag, delta)
			w.metrics.ObserveStyleEvent(tag, "delta")
			if err := w.push(ctx, protocol.DeltaEvent(tag, delta)); err != nil {
				return err
			}
		}
		if frame.Chunk.FinishReason != nil {
			return w.finish(ctx, tag)
		}
	}
}

func (w *worker) finish(ctx context.Context, tag string) error {
	w.metrics.ObserveStyleEvent(tag, "final")
	return w.push(ctx, protocol.FinalEvent(tag))
}

func (w *worker) push(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
