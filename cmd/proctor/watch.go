package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"proctor/internal/alert"
	"proctor/internal/config"
	"proctor/internal/framechan"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the alert state file and frame channel of a running session",
		Long: `Print every change of the published alert vector. With --frames the
frame channel header is sampled once per second as well. --kind limits the
output to the named alerts and may be repeated.

This is the consumer side of a session: it only reads the files that
"proctor run" publishes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			names, _ := cmd.Flags().GetStringSlice("kind")
			kinds, err := parseKinds(names)
			if err != nil {
				return err
			}
			frames, _ := cmd.Flags().GetBool("frames")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd.OutOrStdout(), cfg, watchOptions{frames: frames, kinds: kinds})
		},
	}
	cmd.Flags().Bool("frames", false, "also report frame channel activity")
	cmd.Flags().StringSlice("kind", nil, "only report these alerts (e.g. phone_detected)")
	return cmd
}

type watchOptions struct {
	frames bool
	// kinds filters the vector; empty means every kind
	kinds []alert.Kind
}

func parseKinds(names []string) ([]alert.Kind, error) {
	kinds := make([]alert.Kind, 0, len(names))
	for _, name := range names {
		k, ok := alert.ParseKind(strings.TrimSpace(name))
		if !ok {
			valid := make([]string, 0, alert.NumKinds)
			for _, k := range alert.Kinds() {
				valid = append(valid, k.String())
			}
			return nil, fmt.Errorf("unknown alert kind %q (valid: %s)", name, strings.Join(valid, ", "))
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// mask zeroes every slot not listed in kinds.
func mask(state alert.State, kinds []alert.Kind) alert.State {
	if len(kinds) == 0 {
		return state
	}
	var out alert.State
	for _, k := range kinds {
		out[k] = state[k]
	}
	return out
}

func watch(ctx context.Context, out io.Writer, cfg *config.Config, opts watchOptions) error {
	w, err := alert.NewWatcher(cfg.Alerts.StateFile)
	if err != nil {
		return err
	}
	defer w.Close()

	// An existing file arrives as the watcher's first update.
	if _, err := os.Stat(cfg.Alerts.StateFile); err != nil {
		fmt.Fprintf(out, "waiting for %s\n", cfg.Alerts.StateFile)
	}

	var ticker <-chan time.Time
	if opts.frames {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		ticker = t.C
	}

	var (
		last      alert.State
		printed   bool
		lastFrame time.Time
	)
	for {
		select {
		case state := <-w.Updates():
			state = mask(state, opts.kinds)
			if printed && state == last {
				continue
			}
			last, printed = state, true
			fmt.Fprintln(out, formatState(time.Now(), state))
		case err := <-w.Errors():
			fmt.Fprintf(out, "watch error: %v\n", err)
		case <-ticker:
			info, ok := peekFrame(cfg.FrameChan.Path)
			if !ok {
				fmt.Fprintln(out, "frame channel: no frame")
				continue
			}
			if info.Timestamp.Equal(lastFrame) {
				fmt.Fprintf(out, "frame channel: stalled, last frame %s\n", humanize.Time(info.Timestamp))
				continue
			}
			lastFrame = info.Timestamp
			fmt.Fprintf(out, "frame channel: %dx%dx%d, %s\n",
				info.Width, info.Height, info.Channels, humanize.Bytes(uint64(info.PayloadLength)))
		case <-ctx.Done():
			return nil
		}
	}
}

func peekFrame(path string) (framechan.Info, bool) {
	buf, err := framechan.Open(path, 0)
	if err != nil {
		return framechan.Info{}, false
	}
	defer buf.Close()
	return buf.ReadFrameInfo()
}

func formatState(now time.Time, state alert.State) string {
	active := state.Active()
	if len(active) == 0 {
		return fmt.Sprintf("%s  clear", now.Format("15:04:05"))
	}
	names := make([]string, 0, len(active))
	for _, k := range active {
		names = append(names, k.DisplayName())
	}
	return fmt.Sprintf("%s  ALERT  %s", now.Format("15:04:05"), strings.Join(names, ", "))
}
