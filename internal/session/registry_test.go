package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/restyle/internal/protocol"
)

type countingCloser struct {
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

func newTestRecord() (*Record, *countingCloser, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &countingCloser{}
	rec := NewRecord(uuid.NewString(), make(chan protocol.Event, 4), conn, cancel)
	return rec, conn, ctx
}

func TestRegistry_RegisterLookupRemove(t *testing.T) {
	reg := NewRegistry(time.Minute)
	rec, conn, ctx := newTestRecord()

	require.NoError(t, reg.Register(rec))
	require.Equal(t, 1, reg.ActiveCount())

	got, err := reg.Lookup(rec.ID)
	require.NoError(t, err)
	require.Same(t, rec, got)

	require.True(t, reg.Remove(rec.ID))
	require.Equal(t, 0, reg.ActiveCount())

	_, err = reg.Lookup(rec.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Removal tears the session down.
	require.Error(t, ctx.Err())
	require.Equal(t, int32(1), conn.closes.Load())
	select {
	case <-rec.Done():
	default:
		t.Fatalf("Done() not closed after Remove")
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry(time.Minute)
	rec, _, _ := newTestRecord()
	require.NoError(t, reg.Register(rec))

	require.True(t, reg.Remove(rec.ID))
	require.False(t, reg.Remove(rec.ID))
	require.False(t, reg.Remove("never-registered"))
}

func TestRegistry_RegisterRejectsDuplicateAndRetired(t *testing.T) {
	reg := NewRegistry(time.Minute)
	rec, _, _ := newTestRecord()
	require.NoError(t, reg.Register(rec))

	dup := NewRecord(rec.ID, make(chan protocol.Event), nil, func() {})
	require.ErrorIs(t, reg.Register(dup), ErrDuplicate)

	got, err := reg.Lookup(rec.ID)
	require.NoError(t, err)
	require.Same(t, rec, got, "existing entry must not be overwritten")

	reg.Remove(rec.ID)
	require.ErrorIs(t, reg.Register(dup), ErrDuplicate, "retired id must not be revived")
	_, err = reg.Lookup(rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ClaimAllowsOneSubscriber(t *testing.T) {
	reg := NewRegistry(time.Minute)
	rec, _, _ := newTestRecord()
	require.NoError(t, reg.Register(rec))

	got, err := reg.Claim(rec.ID)
	require.NoError(t, err)
	require.Same(t, rec, got)

	_, err = reg.Claim(rec.ID)
	require.ErrorIs(t, err, ErrAlreadySubscribed)

	_, err = reg.Claim("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_JanitorExpiresUnclaimedOnly(t *testing.T) {
	reg := NewRegistry(30 * time.Millisecond)
	var expired atomic.Int32
	reg.SetExpireHook(func(*Record) { expired.Add(1) })

	idle, _, idleCtx := newTestRecord()
	claimed, _, _ := newTestRecord()
	require.NoError(t, reg.Register(idle))
	require.NoError(t, reg.Register(claimed))
	_, err := reg.Claim(claimed.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartJanitor(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := reg.Lookup(idle.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	require.Error(t, idleCtx.Err(), "expired session must be cancelled")
	require.Equal(t, int32(1), expired.Load())
	_, err = reg.Lookup(claimed.ID)
	require.NoError(t, err)
}

func TestRegistry_CloseDropsAll(t *testing.T) {
	reg := NewRegistry(time.Minute)
	var ctxs []context.Context
	for i := 0; i < 5; i++ {
		rec, _, ctx := newTestRecord()
		require.NoError(t, reg.Register(rec))
		ctxs = append(ctxs, ctx)
	}

	reg.Close()
	require.Equal(t, 0, reg.ActiveCount())
	for _, ctx := range ctxs {
		require.Error(t, ctx.Err())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _, _ := newTestRecord()
			if err := reg.Register(rec); err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			_, _ = reg.Lookup(rec.ID)
			_, _ = reg.Claim(rec.ID)
			reg.Remove(rec.ID)
			reg.Remove(rec.ID)
		}()
	}
	wg.Wait()
	require.Equal(t, 0, reg.ActiveCount())
}

func TestRegistry_PropertyBased_RemovedNeverResolves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := NewRegistry(time.Minute)
		live := make(map[string]bool)
		var removed []string
		var ids []string

		numOps := rapid.IntRange(1, 60).Draw(t, "numOps")
		for i := 0; i < numOps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				rec, _, _ := newTestRecord()
				if err := reg.Register(rec); err != nil {
					t.Fatalf("Register() error = %v", err)
				}
				live[rec.ID] = true
				ids = append(ids, rec.ID)
			case 1:
				if len(ids) == 0 {
					continue
				}
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(t, "removeIdx")]
				wasLive := live[id]
				if got := reg.Remove(id); got != wasLive {
					t.Fatalf("Remove(%s) = %v, want %v", id, got, wasLive)
				}
				if wasLive {
					delete(live, id)
					removed = append(removed, id)
				}
			case 2:
				if len(removed) == 0 {
					continue
				}
				id := removed[rapid.IntRange(0, len(removed)-1).Draw(t, "reviveIdx")]
				if err := reg.Register(NewRecord(id, nil, nil, nil)); err == nil {
					t.Fatalf("Register(%s) revived a removed id", id)
				}
			}
		}

		if reg.ActiveCount() != len(live) {
			t.Fatalf("ActiveCount() = %d, want %d", reg.ActiveCount(), len(live))
		}
		for _, id := range removed {
			if _, err := reg.Lookup(id); err == nil {
				t.Fatalf("Lookup(%s) resolved a removed id", id)
			}
		}
	})
}
