package rephrase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/restyle/internal/history"
	"github.com/ent0n29/restyle/internal/logging"
	"github.com/ent0n29/restyle/internal/protocol"
	"github.com/ent0n29/restyle/internal/session"
	"github.com/ent0n29/restyle/internal/style"
	"github.com/ent0n29/restyle/internal/upstream"
)

func newTestOrchestrator(dialer upstream.Dialer, store history.Store) (*Orchestrator, *session.Registry) {
	reg := session.NewRegistry(time.Minute)
	o := New(Config{Model: "test-model", EventBuffer: 64, Styles: style.Default(0.7)}, reg, dialer, store, nil, logging.Discard())
	return o, reg
}

type fatalfer interface {
	Fatalf(format string, args ...any)
}

// drain collects events until the session-level terminal event.
func drain(t fatalfer, rec *session.Record) []protocol.Event {
	var out []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-rec.Events():
			out = append(out, ev)
			if ev.SessionTerminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event, got %+v", out)
			return nil
		}
	}
}

func byStyle(events []protocol.Event) (map[string]string, map[string]int) {
	text := map[string]string{}
	finals := map[string]int{}
	for _, ev := range events {
		if ev.Style == "" {
			continue
		}
		text[ev.Style] += ev.Delta
		if ev.Final {
			finals[ev.Style]++
		}
	}
	return text, finals
}

func sessionTerminals(events []protocol.Event) int {
	n := 0
	for _, ev := range events {
		if ev.SessionTerminal() {
			n++
		}
	}
	return n
}

func TestOrchestratorStreamsEveryStyleThenDone(t *testing.T) {
	store := history.NewInMemoryStore(10)
	o, reg := newTestOrchestrator(upstream.NewMockDialer(0), store)

	id, err := o.Start(context.Background(), "Hello World")
	require.NoError(t, err)
	rec, err := reg.Lookup(id)
	require.NoError(t, err)

	events := drain(t, rec)
	require.True(t, events[len(events)-1].Done)
	require.Equal(t, 1, sessionTerminals(events))

	text, finals := byStyle(events)
	for _, def := range style.Default(0.7).Definitions() {
		tag := string(def.Name)
		require.Equal(t, "Hello World", text[tag], "style %s", tag)
		require.Equal(t, 1, finals[tag], "style %s", tag)
	}

	o.Wait()
	saved, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, id, saved[0].SessionID)
	require.Equal(t, "Hello World", saved[0].Outputs["professional"])
	require.Empty(t, saved[0].Errors)
	require.False(t, saved[0].PIIRedacted)
}

func TestOrchestratorArchivesRedactedText(t *testing.T) {
	store := history.NewInMemoryStore(10)
	o, reg := newTestOrchestrator(upstream.NewMockDialer(0), store)

	id, err := o.Start(context.Background(), "mail sam@example.com today")
	require.NoError(t, err)
	rec, err := reg.Lookup(id)
	require.NoError(t, err)

	// The live stream is not redacted.
	text, _ := byStyle(drain(t, rec))
	require.Equal(t, "mail sam@example.com today", text["casual"])

	o.Wait()
	saved, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.True(t, saved[0].PIIRedacted)
	require.Equal(t, "mail [email] today", saved[0].InputText)
	for tag, out := range saved[0].Outputs {
		require.NotContains(t, out, "sam@example.com", "style %s", tag)
	}
}

func TestOrchestratorRejectsEmptyText(t *testing.T) {
	o, reg := newTestOrchestrator(upstream.NewMockDialer(0), nil)
	for _, text := range []string{"", "   \n\t"} {
		_, err := o.Start(context.Background(), text)
		require.ErrorIs(t, err, ErrTextRequired)
	}
	require.Equal(t, 0, reg.ActiveCount())
}

func TestOrchestratorIssuesFreshIDs(t *testing.T) {
	o, reg := newTestOrchestrator(upstream.NewMockDialer(time.Second), nil)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := o.Start(context.Background(), "hi")
		require.NoError(t, err)
		require.False(t, seen[id], "id %s issued twice", id)
		seen[id] = true
		_, err = reg.Lookup(id)
		require.NoError(t, err)
	}
	reg.Close()
	o.Wait()
}

func TestOrchestratorWorkerErrorDoesNotAbortSiblings(t *testing.T) {
	ok := "data: {\"choices\":[{\"delta\":{\"content\":\"fine\"}}]}\n\ndata: [DONE]\n\n"
	conn := newScriptedConn(
		map[string]string{"casual": ok, "polite": ok, "social": ok},
		map[string]error{"professional": errBoom},
	)
	store := history.NewInMemoryStore(10)
	o, reg := newTestOrchestrator(connDialer{conn: conn}, store)

	id, err := o.Start(context.Background(), "hi")
	require.NoError(t, err)
	rec, err := reg.Lookup(id)
	require.NoError(t, err)

	events := drain(t, rec)
	require.True(t, events[len(events)-1].Done)

	var errEvents []protocol.Event
	for _, ev := range events {
		if ev.Error != "" {
			errEvents = append(errEvents, ev)
		}
	}
	require.Len(t, errEvents, 1)
	require.Equal(t, "professional", errEvents[0].Style)
	require.Equal(t, "boom", errEvents[0].Error)
	require.True(t, errEvents[0].Final)

	text, finals := byStyle(events)
	for _, tag := range []string{"casual", "polite", "social"} {
		require.Equal(t, "fine", text[tag])
		require.Equal(t, 1, finals[tag])
	}

	o.Wait()
	require.GreaterOrEqual(t, conn.closes.Load(), int32(1))
	saved, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "boom", saved[0].Errors["professional"])
}

func TestOrchestratorRecoversPanickingWorker(t *testing.T) {
	ok := "data: {\"choices\":[{\"delta\":{\"content\":\"fine\"}}]}\n\ndata: [DONE]\n\n"
	conn := newScriptedConn(map[string]string{"casual": ok, "polite": ok, "social": ok}, nil)
	conn.panics = map[string]bool{"professional": true}
	store := history.NewInMemoryStore(10)
	o, reg := newTestOrchestrator(connDialer{conn: conn}, store)

	id, err := o.Start(context.Background(), "hi")
	require.NoError(t, err)
	rec, err := reg.Lookup(id)
	require.NoError(t, err)

	events := drain(t, rec)
	require.True(t, events[len(events)-1].Done)
	require.Equal(t, 1, sessionTerminals(events))

	text, finals := byStyle(events)
	for _, tag := range []string{"casual", "polite", "social"} {
		require.Equal(t, "fine", text[tag], "style %s", tag)
		require.Equal(t, 1, finals[tag], "style %s", tag)
	}
	require.Zero(t, finals["professional"])

	o.Wait()
	saved, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, "fine", saved[0].Outputs["casual"])
}

func TestOrchestratorSendsOnePromptPerStyle(t *testing.T) {
	done := "data: [DONE]\n\n"
	conn := newScriptedConn(map[string]string{"professional": done, "casual": done, "polite": done, "social": done}, nil)
	o, reg := newTestOrchestrator(connDialer{conn: conn}, nil)

	id, err := o.Start(context.Background(), "hi")
	require.NoError(t, err)
	rec, err := reg.Lookup(id)
	require.NoError(t, err)
	_, finals := byStyle(drain(t, rec))
	o.Wait()

	var prompts []string
	conn.mu.Lock()
	for _, req := range conn.requests {
		prompts = append(prompts, req.Messages[0].Content)
	}
	conn.mu.Unlock()

	defs := style.Default(0.7).Definitions()
	require.Len(t, prompts, len(defs))
	for _, d := range defs {
		require.Contains(t, prompts, d.Prompt("hi"))
		require.Equal(t, 1, finals[string(d.Name)], "style %s", d.Name)
	}
}

func TestOrchestratorCancelYieldsSingleCancelled(t *testing.T) {
	conn := newScriptedConn(nil, nil)
	store := history.NewInMemoryStore(10)
	o, reg := newTestOrchestrator(connDialer{conn: conn}, store)

	id, err := o.Start(context.Background(), "hi")
	require.NoError(t, err)
	rec, err := reg.Lookup(id)
	require.NoError(t, err)

	require.Equal(t, StatusCancelling, o.Cancel(id))
	events := drain(t, rec)
	require.True(t, events[len(events)-1].Cancelled)
	require.Equal(t, 1, sessionTerminals(events))
	for _, ev := range events {
		require.Empty(t, ev.Error, "cancellation must not surface as an error")
		require.False(t, ev.Done)
	}

	o.Wait()
	require.GreaterOrEqual(t, conn.closes.Load(), int32(1))
	select {
	case ev := <-rec.Events():
		t.Fatalf("event after cancelled: %+v", ev)
	default:
	}

	saved, err := store.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, saved, "cancelled sessions are not archived")
}

func TestOrchestratorCancelUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(upstream.NewMockDialer(0), nil)
	require.Equal(t, StatusNotFound, o.Cancel("nope"))
}

func TestOrchestratorRemovedSessionStopsWorkers(t *testing.T) {
	conn := newScriptedConn(nil, nil)
	o, reg := newTestOrchestrator(connDialer{conn: conn}, nil)

	id, err := o.Start(context.Background(), "hi")
	require.NoError(t, err)
	require.True(t, reg.Remove(id))

	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not settle after removal")
	}
	require.Equal(t, StatusNotFound, o.Cancel(id))
}

type terminator int

const (
	byFinishReason terminator = iota
	byDoneToken
	byEOF
	byError
)

func scriptFor(deltas []string, end terminator) string {
	var b strings.Builder
	for i, d := range deltas {
		choice := map[string]any{"index": 0, "delta": map[string]any{"content": d}}
		if end == byFinishReason && i == len(deltas)-1 {
			choice["finish_reason"] = "stop"
		}
		raw, _ := json.Marshal(map[string]any{"choices": []any{choice}})
		fmt.Fprintf(&b, "data: %s\n\n", raw)
	}
	if end == byFinishReason && len(deltas) == 0 {
		b.WriteString("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	}
	if end == byDoneToken {
		b.WriteString("data: [DONE]\n\n")
	}
	return b.String()
}

func TestOrchestratorPropertyOneFinalPerStyleAndDoneLast(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		streams := map[string]string{}
		errs := map[string]error{}
		want := map[string]string{}
		for _, tag := range []string{"professional", "casual", "polite", "social"} {
			deltas := rapid.SliceOfN(rapid.StringMatching(`[a-z ]{1,6}`), 0, 8).Draw(t, tag+"Deltas")
			end := terminator(rapid.IntRange(0, 3).Draw(t, tag+"End"))
			if end == byError {
				errs[tag] = errors.New(tag + " failed")
				continue
			}
			streams[tag] = scriptFor(deltas, end)
			want[tag] = strings.Join(deltas, "")
		}

		o, reg := newTestOrchestrator(connDialer{conn: newScriptedConn(streams, errs)}, nil)
		id, err := o.Start(context.Background(), "hi")
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		rec, err := reg.Lookup(id)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}

		events := drain(t, rec)
		if !events[len(events)-1].Done || sessionTerminals(events) != 1 {
			t.Fatalf("terminal events wrong: %+v", events)
		}
		text, finals := byStyle(events)
		for tag := range errs {
			if finals[tag] != 1 {
				t.Fatalf("style %s finals = %d, want 1", tag, finals[tag])
			}
		}
		for tag, w := range want {
			if finals[tag] != 1 {
				t.Fatalf("style %s finals = %d, want 1", tag, finals[tag])
			}
			if text[tag] != w {
				t.Fatalf("style %s text = %q, want %q", tag, text[tag], w)
			}
		}
		o.Wait()
	})
}
