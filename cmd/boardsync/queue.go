package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/boardsync/internal/api"
	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/config"
	"github.com/agentworkforce/boardsync/internal/connectivity"
	"github.com/agentworkforce/boardsync/internal/drain"
	"github.com/agentworkforce/boardsync/internal/logging"
	"github.com/agentworkforce/boardsync/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued offline writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		ops, err := q.Snapshot(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		return writeOperations(cmd.OutOrStdout(), ops, format)
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued operations against the server once",
	Long: `Replay every queued operation in order, then exit. A running client
sharing the same queue is told to refresh through the drain marker file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		result, err := drainOnce(cmd.Context(), cfg, q, func(message string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", message)
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), describeResult(result))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		n, err := q.Len(cmd.Context())
		if err != nil {
			return err
		}
		if err := q.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		if cfg.DrainMarkerFile != "" {
			if err := drain.TouchMarker(cfg.DrainMarkerFile); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "discarded %d queued operation(s)\n", n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().StringP("format", "o", "text", "output format: text, json or yaml")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)
}

func openQueue(cfg config.Config) (queue.Queue, error) {
	q, err := queue.BuildFromDSN(cfg.QueueDSN, cfg.SessionID, cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", cfg.QueueDSN, err)
	}
	return q, nil
}

// drainOnce checks server health, replays q if it is reachable and touches the
// drain marker when anything was replayed.
func drainOnce(ctx context.Context, cfg config.Config, q queue.Queue, warn func(string)) (drain.Result, error) {
	var httpClient *http.Client
	if cfg.RequestTimeout > 0 {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	client := api.NewClient(cfg.BaseURL, cfg.Token, httpClient)
	detector := connectivity.NewDetector(false)
	checker := connectivity.NewHealthChecker(client, detector, connectivity.HealthCheckerOptions{
		Interval: cfg.HealthInterval,
		Timeout:  cfg.HealthTimeout,
		Logger:   logging.WithComponent("connectivity"),
	})
	if !checker.CheckOnce(ctx) {
		return drain.Result{}, fmt.Errorf("server %s is unreachable", cfg.BaseURL)
	}
	c := drain.NewController(q, client, detector, bus.New(logging.WithComponent("bus")), drain.Options{
		ReplayRate: cfg.ReplayRate,
		Warn:       warn,
		Logger:     logging.WithComponent("drain"),
	})
	result, err := c.Drain(ctx)
	if err != nil {
		return result, err
	}
	if result.Succeeded > 0 && cfg.DrainMarkerFile != "" {
		if err := drain.TouchMarker(cfg.DrainMarkerFile); err != nil {
			return result, err
		}
	}
	return result, nil
}

func describeResult(r drain.Result) string {
	switch {
	case r.Skipped:
		return "nothing to replay"
	case r.Interrupted:
		return fmt.Sprintf("replayed %d, rejected %d, stopped with %d remaining (server unreachable)", r.Succeeded, r.Failed, r.Remaining)
	default:
		return fmt.Sprintf("replayed %d, rejected %d", r.Succeeded, r.Failed)
	}
}

type operationRow struct {
	Position   int    `json:"position" yaml:"position"`
	Method     string `json:"method" yaml:"method"`
	URL        string `json:"url" yaml:"url"`
	Body       string `json:"body,omitempty" yaml:"body,omitempty"`
	EnqueuedAt string `json:"enqueuedAt" yaml:"enqueuedAt"`
}

func writeOperations(w io.Writer, ops []queue.Operation, format string) error {
	rows := make([]operationRow, 0, len(ops))
	for i, op := range ops {
		rows = append(rows, operationRow{
			Position:   i + 1,
			Method:     op.Method,
			URL:        op.URL,
			Body:       string(op.Body),
			EnqueuedAt: op.EnqueuedAt.UTC().Format(time.RFC3339),
		})
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		if len(rows) == 0 {
			_, err := fmt.Fprintln(w, "queue is empty")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tMETHOD\tURL\tENQUEUED")
		for _, row := range rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", row.Position, row.Method, row.URL, row.EnqueuedAt)
		}
		return tw.Flush()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
