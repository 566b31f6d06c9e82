package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/abr"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
)

type playOptions struct {
	quality     string
	native      bool
	out         string
	interactive bool
}

func newPlayCmd(root *rootOptions) *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play <master-url>",
		Short: "Play an HLS master manifest with adaptive rendition switching",
		Long: `Play downloads segments in order, estimating bandwidth as it goes.

With --interactive, each line read from stdin selects a rendition by name
(for example "480p") or re-enables automatic switching with "auto".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPlay(ctx, cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.quality, "quality", "q", abr.AutoName, `rendition to pin, or "auto"`)
	cmd.Flags().BoolVar(&opts.native, "native", false, "let the first variant play without adaptive switching")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "append downloaded segments to this file")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "read rendition selections from stdin")

	return cmd
}

// controllerOptions maps player configuration onto controller tuning
func controllerOptions(cfg config.PlayerConfig, native bool) abr.Options {
	return abr.Options{
		DefaultEstimate:   float64(cfg.DefaultEstimate),
		BandwidthFactor:   cfg.BandwidthFactor,
		BandwidthUpFactor: cfg.BandwidthUpFactor,
		FastHalfLife:      cfg.FastHalfLife,
		SlowHalfLife:      cfg.SlowHalfLife,
		Native:            native,
	}
}

func runPlay(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *playOptions, masterURL string) error {
	// switches are reported from both the download loop and stdin
	stdout := &lockedWriter{w: cmd.OutOrStdout()}
	logger := root.logger.WithField("master_url", masterURL)

	ctrlOpts := controllerOptions(root.cfg.Player, opts.native)
	ctrlOpts.Logger = logger
	ctrlOpts.OnSwitch = func(ev abr.SwitchEvent) {
		from := "-"
		if ev.From != nil {
			from = ev.From.String()
		}
		fmt.Fprintf(stdout, "switch %s -> %s (%s, estimate %.0f bps)\n", from, ev.To.String(), ev.Reason, ev.Estimate)
	}
	ctrl := abr.NewController(ctrlOpts)

	session, err := abr.NewSession(masterURL, ctrl, abr.SessionOptions{
		Client:            &http.Client{Timeout: root.cfg.Player.RequestTimeout},
		MaxSegmentRetries: root.cfg.Player.MaxSegmentRetries,
		RetryDelay:        root.cfg.Player.RetryDelay,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if err := session.Load(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(ctrl.Levels()))
	for _, level := range ctrl.Levels() {
		names = append(names, level.String())
	}
	fmt.Fprintf(stdout, "levels: %s\n", strings.Join(names, ", "))

	if !strings.EqualFold(opts.quality, abr.AutoName) {
		if err := ctrl.SelectName(opts.quality); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	inputCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()
	if opts.interactive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readSelections(inputCtx, cmd.InOrStdin(), ctrl, stdout)
		}()
	}

	var sink io.Writer = io.Discard
	if opts.out != "" {
		f, err := os.OpenFile(opts.out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open output: %w", err)
		}
		defer f.Close()
		sink = f
	}

	var segments int
	var bytes int64
	err = session.Run(ctx, func(seg abr.Segment, data []byte) error {
		if _, err := sink.Write(data); err != nil {
			return fmt.Errorf("failed to write segment: %w", err)
		}
		segments++
		bytes += int64(len(data))
		return nil
	})

	level, _ := ctrl.CurrentLevel()
	fmt.Fprintf(stdout, "played %s in %d segments (%d bytes), last level %s, state %s\n",
		session.Position(), segments, bytes, level.String(), ctrl.State())
	return err
}

// readSelections applies one rendition name per input line until the
// input ends, ctx is done or the session closes
func readSelections(ctx context.Context, in io.Reader, ctrl *abr.Controller, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			name := strings.TrimSpace(line)
			if name == "" {
				continue
			}
			if err := ctrl.SelectName(name); err != nil {
				fmt.Fprintf(out, "cannot select %q: %v\n", name, err)
				if ctrl.State().Terminal() {
					return
				}
			}
		}
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
