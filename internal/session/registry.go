package session

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadySubscribed = errors.New("session already has a subscriber")
	ErrDuplicate         = errors.New("session id already used")
)

const (
	DefaultRetiredTTL = 10 * time.Minute
	retiredCleanup    = time.Minute
)

type entry struct {
	rec        *Record
	subscribed bool
}

// Registry maps session ids to live records. It starts empty and Close drops
// every session. Removed ids are kept as tombstones for a while so a stale id
// can never be registered again.
type Registry struct {
	mu                sync.RWMutex
	records           map[string]*entry
	retired           *gocache.Cache
	inactivityTimeout time.Duration
	onExpire          func(*Record)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		records:           make(map[string]*entry),
		retired:           gocache.New(DefaultRetiredTTL, retiredCleanup),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook is called for every session the janitor expires.
func (r *Registry) SetExpireHook(hook func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register inserts rec. An id that is live or was retired is refused and the
// existing entry is left untouched.
func (r *Registry) Register(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return ErrDuplicate
	}
	if _, retired := r.retired.Get(rec.ID); retired {
		return ErrDuplicate
	}
	r.records[rec.ID] = &entry{rec: rec}
	return nil
}

func (r *Registry) Lookup(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.rec, nil
}

// Claim marks the session as having its one stream subscriber.
func (r *Registry) Claim(id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.subscribed {
		return nil, ErrAlreadySubscribed
	}
	e.subscribed = true
	return e.rec, nil
}

// Remove deletes the session and tears it down: work units are cancelled, the
// connection is closed and Done is closed. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.records[id]
	if ok {
		delete(r.records, id)
		r.retired.SetDefault(id, struct{}{})
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.rec.Cancel()
	e.rec.markRemoved()
	return true
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Close removes every session.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

// StartJanitor periodically expires sessions that nobody subscribed to within
// the inactivity timeout.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireUnclaimed()
			}
		}
	}()
}

func (r *Registry) expireUnclaimed() {
	now := time.Now().UTC()
	var expired []*Record

	r.mu.Lock()
	for id, e := range r.records {
		if e.subscribed {
			continue
		}
		if now.Sub(e.rec.CreatedAt) < r.inactivityTimeout {
			continue
		}
		delete(r.records, id)
		r.retired.SetDefault(id, struct{}{})
		expired = append(expired, e.rec)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, rec := range expired {
		rec.Cancel()
		rec.markRemoved()
		if hook != nil {
			hook(rec)
		}
	}
}
