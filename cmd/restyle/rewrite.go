package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/restyle/internal/client"
	"github.com/ent0n29/restyle/internal/protocol"
)

const cancelGrace = 10 * time.Second

func newRewriteCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "rewrite [text]",
		Short: "Rewrite text through a running server and print every style",
		Long:  "Rewrite text through a running server. Without an argument the text is read from stdin. Ctrl-C cancels the session.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt)
			defer signal.Stop(interrupts)

			res, err := rewrite(ctx, client.New(server, nil), text, interrupts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res.render(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8000", "restyle server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func inputText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

// rewrite starts a session and streams it to completion. A value on
// interrupts asks the server to cancel; streaming then continues until the
// cancelled event arrives.
func rewrite(ctx context.Context, c *client.Client, text string, interrupts <-chan os.Signal, status io.Writer) (*result, error) {
	id, err := c.Process(ctx, text)
	if err != nil {
		return nil, err
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-interrupts:
		case <-finished:
			return
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		st, err := c.Cancel(cancelCtx, id)
		if err != nil {
			fmt.Fprintf(status, "cancel failed: %v\n", err)
			stopStream()
			return
		}
		fmt.Fprintf(status, "cancel requested: %s\n", st)
		select {
		case <-interrupts:
			stopStream()
		case <-time.After(cancelGrace):
			stopStream()
		case <-finished:
		}
	}()

	res := newResult()
	err = c.Stream(streamCtx, id, func(ev protocol.Event) error { return res.add(ev) })
	if err != nil && !(errors.Is(err, context.Canceled) && res.cancelled) {
		return res, err
	}
	return res, nil
}
