package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/restyle/internal/client"
	"github.com/ent0n29/restyle/internal/protocol"
)

type benchOptions struct {
	server         string
	sessions       int
	concurrency    int
	text           string
	sessionTimeout time.Duration
	verbose        bool
}

// sessionTiming is what one replayed session measured.
type sessionTiming struct {
	firstDelta time.Duration
	done       time.Duration
	errors     int
}

func newBenchCmd() *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Replay sessions against a running server over the websocket stream and report latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.sessions <= 0 {
				return fmt.Errorf("sessions must be > 0")
			}
			if opts.concurrency <= 0 {
				return fmt.Errorf("concurrency must be > 0")
			}
			if strings.TrimSpace(opts.text) == "" {
				return fmt.Errorf("text is required")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runBench(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://127.0.0.1:8000", "restyle server base URL")
	cmd.Flags().IntVar(&opts.sessions, "sessions", 10, "number of sessions to replay")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 2, "sessions in flight at once")
	cmd.Flags().StringVar(&opts.text, "text", "Could you send me the report by Friday?", "input text for every session")
	cmd.Flags().DurationVar(&opts.sessionTimeout, "session-timeout", 30*time.Second, "timeout per session")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print every session")
	return cmd
}

func runBench(ctx context.Context, opts benchOptions, out io.Writer) error {
	c := client.New(opts.server, nil)
	timings := make([]sessionTiming, opts.sessions)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.sessions; i++ {
		i := i
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, opts.sessionTimeout)
			defer cancel()
			timing, err := replaySession(sctx, c, opts.server, opts.text)
			if err != nil {
				return fmt.Errorf("session %d: %w", i+1, err)
			}
			mu.Lock()
			defer mu.Unlock()
			timings[i] = timing
			if opts.verbose {
				fmt.Fprintf(out, "bench: session %d/%d first_delta=%s done=%s errors=%d\n", i+1, opts.sessions, timing.firstDelta, timing.done, timing.errors)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	first := make([]time.Duration, 0, len(timings))
	done := make([]time.Duration, 0, len(timings))
	errs := 0
	for _, t := range timings {
		if t.firstDelta > 0 {
			first = append(first, t.firstDelta)
		}
		done = append(done, t.done)
		errs += t.errors
	}
	fmt.Fprintf(out, "sessions=%d style_errors=%d\n", opts.sessions, errs)
	fmt.Fprintf(out, "first_delta p50=%s p95=%s max=%s\n", percentile(first, 50), percentile(first, 95), percentile(first, 100))
	fmt.Fprintf(out, "done        p50=%s p95=%s max=%s\n", percentile(done, 50), percentile(done, 95), percentile(done, 100))
	return nil
}

func replaySession(ctx context.Context, c *client.Client, baseURL, text string) (sessionTiming, error) {
	started := time.Now()
	id, err := c.Process(ctx, text)
	if err != nil {
		return sessionTiming{}, fmt.Errorf("process: %w", err)
	}

	wsURL, err := wsURLForSession(baseURL, id)
	if err != nil {
		return sessionTiming{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return sessionTiming{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var timing sessionTiming
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return timing, fmt.Errorf("ws read: %w", err)
		}
		if ev.Delta != "" && timing.firstDelta == 0 {
			timing.firstDelta = time.Since(started)
		}
		if ev.Error != "" {
			timing.errors++
		}
		if ev.Cancelled {
			return timing, fmt.Errorf("session %s was cancelled", id)
		}
		if ev.Done {
			timing.done = time.Since(started)
			return timing, nil
		}
	}
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("server host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream/ws"
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// percentile uses the nearest-rank method; p=100 is the maximum.
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
