// Package relay forwards a session's events to its single stream subscriber.
package relay

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/restyle/internal/logging"
	"github.com/ent0n29/restyle/internal/observability"
	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/session"
)

// Sink writes events to one subscriber.
type Sink interface {
	Send(ev protocol.Event) error
	Transport() string
}

type Relay struct {
	registry *session.Registry
	metrics  *observability.Metrics
	logger   *log.Logger
}

func New(registry *session.Registry, metrics *observability.Metrics, logger *log.Logger) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{registry: registry, metrics: metrics, logger: logger}
}

// Open claims the subscriber slot of session id. It fails with
// session.ErrNotFound or session.ErrAlreadySubscribed.
func (r *Relay) Open(id string) (*session.Record, error) {
	return r.registry.Claim(id)
}

// Stream opens session id and forwards its events to sink.
func (r *Relay) Stream(ctx context.Context, id string, sink Sink) error {
	rec, err := r.Open(id)
	if err != nil {
		return err
	}
	return r.Forward(ctx, rec, sink)
}

// Forward sends every event of rec to sink up to and including the session
// terminal event. The session is removed from the registry on every exit path.
func (r *Relay) Forward(ctx context.Context, rec *session.Record, sink Sink) error {
	logger := r.logger.With("session_id", rec.ID, "transport", sink.Transport())
	r.metrics.ObserveSessionEvent("subscribed")
	defer func() {
		r.registry.Remove(rec.ID)
		r.metrics.SetActiveSessions(r.registry.ActiveCount())
		logger.Debug("subscriber released")
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("subscriber disconnected")
			return ctx.Err()
		case <-rec.Done():
			return r.flush(rec, sink)
		case ev := <-rec.Events():
			if err := r.send(sink, ev); err != nil {
				logger.Warn("relay write failed", "err", err)
				return err
			}
			if ev.SessionTerminal() {
				return nil
			}
		}
	}
}

// flush delivers what is already buffered after the session was removed by
// someone else.
func (r *Relay) flush(rec *session.Record, sink Sink) error {
	for {
		select {
		case ev := <-rec.Events():
			if err := r.send(sink, ev); err != nil {
				return err
			}
			if ev.SessionTerminal() {
				return nil
			}
		default:
			return nil
		}
	}
}

func (r *Relay) send(sink Sink, ev protocol.Event) error {
	if err := sink.Send(ev); err != nil {
		r.metrics.ObserveRelayWriteError(sink.Transport())
		return fmt.Errorf("relay %s event: %w", sink.Transport(), err)
	}
	return nil
}

// Release drops a claimed session that will never be forwarded, for example
// when the transport handshake fails.
func (r *Relay) Release(rec *session.Record) {
	r.registry.Remove(rec.ID)
	r.metrics.SetActiveSessions(r.registry.ActiveCount())
}
