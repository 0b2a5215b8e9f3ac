// File: cmd/watch.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/realtime"
	"github.com/xkilldash9x/forensync/internal/service"
	"github.com/xkilldash9x/forensync/internal/store"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		archive     bool
		forward     bool
		asJSON      bool
		showState   bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch <network|memory|file> <analysis-id>",
		Short: "Follow the realtime updates of an analysis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := realtime.AnalysisTarget(args[0], args[1])
			if err != nil {
				return err
			}

			components, err := a.components(cmd, service.Options{Archive: archive, Sink: forward})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics().Addr
			}
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, components.Metrics, observability.GetLogger())
				defer stop()
			}

			followErr := followChannel(cmd, components, target, asJSON)
			if showState {
				if state, ok := components.ViewState.Snapshot(target.Key); ok {
					if err := printJSON(cmd.OutOrStdout(), state); err != nil {
						return err
					}
				}
			}
			return followErr
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "store every envelope in the PostgreSQL archive")
	cmd.Flags().BoolVar(&forward, "forward", false, "forward every envelope to NATS")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print envelopes as JSON lines")
	cmd.Flags().BoolVar(&showState, "state", false, "print the folded analysis state on exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (overrides metrics.addr)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <channel-key>",
		Short: "List archived envelopes of a channel, newest first",
		Long:  "List archived envelopes of a channel, newest first. Channel keys are \"dashboard\" or \"<domain>:<analysis-id>\".",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd, service.Options{Archive: true})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			records, err := components.Archive.Recent(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultRecentLimit, "maximum number of envelopes")
	return cmd
}

// followChannel prints envelopes from target until the command context ends
// or the channel gives up.
func followChannel(cmd *cobra.Command, c *service.Components, target realtime.Target, asJSON bool) error {
	ctx := cmd.Context()
	ch, unsubscribe, err := c.Watch(ctx, target, printEnvelope(cmd.OutOrStdout(), asJSON))
	if err != nil {
		if errors.Is(err, realtime.ErrNoToken) {
			return errNotLoggedIn
		}
		return err
	}
	defer unsubscribe()
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop).\n", target.Key)

	select {
	case <-ctx.Done():
	case <-ch.Done():
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("channel %s closed", target.Key)
}

// printEnvelope returns a handler that writes one line per envelope.
func printEnvelope(w io.Writer, asJSON bool) realtime.Handler {
	return func(env realtime.Envelope) {
		if asJSON {
			data, err := jsonAPI.Marshal(env)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "%s\n", data)
			return
		}
		ts := env.Timestamp
		if ts == "" {
			ts = time.Now().UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %-14s %s\n", ts, env.Type, env.Body())
	}
}

func printRecords(w io.Writer, records []store.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tTYPE\tBODY")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ReceivedAt.UTC().Format(time.RFC3339), r.Envelope.Type, r.Envelope.Body())
	}
	tw.Flush()
}

// serveMetrics exposes m on addr until the returned func is called.
func serveMetrics(addr string, m *observability.Metrics, logger *zap.Logger) (stop func()) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics.", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed.", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Metrics server shutdown failed.", zap.Error(err))
		}
	}
}
