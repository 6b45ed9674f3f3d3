// Package rephrase fans one input text out to a streaming worker per style and
// supervises the session until every worker has settled.
package rephrase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/restyle/internal/history"
	"github.com/ent0n29/restyle/internal/logging"
	"github.com/ent0n29/restyle/internal/observability"
	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/redact"
	"github.com/ent0n29/restyle/internal/session"
	"github.com/ent0n29/restyle/internal/style"
	"github.com/ent0n29/restyle/internal/upstream"
)

var ErrTextRequired = errors.New("text field is required")

type CancelStatus string

const (
	StatusCancelling CancelStatus = "cancelling"
	StatusNotFound   CancelStatus = "not_found"
)

const (
	defaultEventBuffer = 256
	archiveTimeout     = 5 * time.Second
)

type Config struct {
	Model       string
	EventBuffer int
	Styles      style.Table
}

type Orchestrator struct {
	cfg      Config
	registry *session.Registry
	dialer   upstream.Dialer
	history  history.Store
	metrics  *observability.Metrics
	logger   *log.Logger

	supervisors sync.WaitGroup
}

// New wires an orchestrator. store, metrics and logger may be nil.
func New(cfg Config, registry *session.Registry, dialer upstream.Dialer, store history.Store, metrics *observability.Metrics, logger *log.Logger) *Orchestrator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Styles.Len() == 0 {
		cfg.Styles = style.Default(0.7)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		dialer:   dialer,
		history:  store,
		metrics:  metrics,
		logger:   logger,
	}
}

func (o *Orchestrator) Styles() style.Table { return o.cfg.Styles }

// Start registers a new session for text and returns its id. The session
// outlives ctx; only Cancel, the relay or the janitor end it early.
func (o *Orchestrator) Start(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrTextRequired
	}

	id := uuid.NewString()
	events := make(chan protocol.Event, o.cfg.EventBuffer)
	conn := o.dialer.Dial()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	rec := session.NewRecord(id, events, conn, cancel)
	if err := o.registry.Register(rec); err != nil {
		cancel()
		_ = conn.Close()
		o.logger.Error("session registration refused", "session_id", id, "err", err)
		return "", fmt.Errorf("register session: %w", err)
	}
	o.metrics.ObserveSessionEvent("started")
	o.metrics.SetActiveSessions(o.registry.ActiveCount())
	o.logger.Info("session started", "session_id", id, "styles", o.cfg.Styles.Len(), "chars", len(text))
	o.logger.Debug("session input", "session_id", id, "preview", redact.Preview(text, 80))

	o.supervisors.Add(1)
	go func() {
		defer o.supervisors.Done()
		o.supervise(sctx, rec, conn, events, text)
	}()
	return id, nil
}

// Cancel stops every work unit of the session and closes its connection. It
// does not wait for them to settle.
func (o *Orchestrator) Cancel(id string) CancelStatus {
	rec, err := o.registry.Lookup(id)
	if err != nil {
		return StatusNotFound
	}
	rec.Cancel()
	o.metrics.ObserveSessionEvent("cancel_requested")
	o.logger.Info("session cancel requested", "session_id", id)
	return StatusCancelling
}

// Wait blocks until every supervisor started so far has returned.
func (o *Orchestrator) Wait() {
	o.supervisors.Wait()
}

func (o *Orchestrator) supervise(ctx context.Context, rec *session.Record, conn upstream.Conn, events chan protocol.Event, text string) {
	logger := o.logger.With("session_id", rec.ID)
	out := newTranscript()

	var g errgroup.Group
	for _, def := range o.cfg.Styles.Definitions() {
		job := Job{Style: def.Name, Text: text, Prompt: def.Prompt(text), Temperature: def.Temperature}
		w := &worker{
			conn:    conn,
			model:   o.cfg.Model,
			events:  events,
			metrics: o.metrics,
			logger:  logger,
			out:     out,
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("style worker panicked", "style", job.Style, "panic", r)
					err = fmt.Errorf("style %s panicked: %v", job.Style, r)
				}
			}()
			return w.run(ctx, job)
		})
	}

	settled := make(chan error, 1)
	go func() { settled <- g.Wait() }()

	select {
	case <-ctx.Done():
		o.pushTerminal(rec, events, protocol.CancelledEvent())
		<-settled
		_ = conn.Close()
		o.metrics.ObserveSessionEvent("cancelled")
		logger.Info("session cancelled")
	case err := <-settled:
		_ = conn.Close()
		if ctx.Err() != nil {
			o.pushTerminal(rec, events, protocol.CancelledEvent())
			o.metrics.ObserveSessionEvent("cancelled")
			logger.Info("session cancelled")
			return
		}
		if err != nil {
			logger.Warn("style worker aborted", "err", err)
		}
		o.pushTerminal(rec, events, protocol.DoneEvent())
		o.metrics.ObserveSessionEvent("done")
		logger.Info("session done")
		o.archive(rec, text, out)
	}
}

// pushTerminal delivers the session-level terminal event unless the session
// was already removed.
func (o *Orchestrator) pushTerminal(rec *session.Record, events chan<- protocol.Event, ev protocol.Event) {
	select {
	case events <- ev:
	case <-rec.Done():
	}
}

func (o *Orchestrator) archive(rec *session.Record, text string, out *transcript) {
	if o.history == nil {
		return
	}
	outputs, errs := out.snapshot()
	input := redact.Text(text)
	outputs, outChanged := redact.Map(outputs)
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := o.history.Save(ctx, history.Record{
		SessionID:   rec.ID,
		InputText:   input,
		Outputs:     outputs,
		Errors:      errs,
		PIIRedacted: outChanged || input != text,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("archive session failed", "session_id", rec.ID, "err", err)
	}
}
