package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/restyle/internal/protocol"
)

// Record is the live state of one session: the event channel shared by its
// workers, the upstream connection handle and the cancel func covering every
// work unit (style workers and supervisor).
type Record struct {
	ID        string
	CreatedAt time.Time

	events chan protocol.Event
	conn   io.Closer
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

func NewRecord(id string, events chan protocol.Event, conn io.Closer, cancel context.CancelFunc) *Record {
	return &Record{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		events:    events,
		conn:      conn,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Events is the receive side of the shared channel.
func (r *Record) Events() <-chan protocol.Event { return r.events }

// Done is closed once the record has been removed from its registry.
func (r *Record) Done() <-chan struct{} { return r.done }

// Cancel asks every work unit to stop and closes the upstream connection.
// It does not wait for the units to settle and may be called repeatedly.
func (r *Record) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *Record) markRemoved() {
	r.closeOnce.Do(func() { close(r.done) })
}
