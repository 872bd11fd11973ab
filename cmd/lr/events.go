package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lakereg/internal/events"
	"lakereg/internal/registry"
)

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Append to and read the event log",
		Long:  "Event types: " + strings.Join(events.Types(), ", ") + ". Appended events become visible to readers after the next index rebuild.",
	}
	ev.AddCommand(eventAppendCmd())
	ev.AddCommand(eventTailCmd())
	return ev
}

func eventAppendCmd() *cobra.Command {
	var evtType, data, file string
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one typed event",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(data)
			if file != "" {
				b, err := readInput(file)
				if err != nil {
					return err
				}
				raw = b
			}
			payload, err := events.DecodePayload(evtType, raw)
			if err != nil {
				return err
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				written, err := reg.Events.Append(ctx, events.Event{Payload: payload})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"event_id":     written.EventID,
					"event_type":   written.EventType,
					"timestamp_ms": written.TimestampMs,
				})
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&data, "data", "{}", "payload fields as a JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read payload fields from a file (- for stdin)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventTailCmd() *cobra.Command {
	var q events.EventQuery
	var types []string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Read indexed events in log order",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Types = types
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Indexer.Events(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Type", "ID", "Time", "Payload")
				for _, e := range items {
					ts := time.UnixMilli(e.TimestampMs).UTC().Format(time.RFC3339)
					tw.AppendRow(table.Row{e.Seq, e.EventType, e.EventID, ts, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "event type filter (comma separated or repeatable)")
	cmd.Flags().StringVar(&q.Since, "since", "", "first day to include, YYYY-MM-DD")
	cmd.Flags().Int64Var(&q.AfterSeq, "after-seq", 0, "only events after this sequence number")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "number of events (0 for all)")
	return cmd
}

func indexCmd() *cobra.Command {
	idx := &cobra.Command{Use: "index", Short: "Maintain the event index"}
	idx.AddCommand(indexRebuildCmd())
	idx.AddCommand(indexWatchCmd())
	return idx
}

func indexRebuildCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the event index",
		Long:  "Rebuilds from --since onward; days before it are carried over from the live index. Without --since the whole log is replayed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				start := time.Now()
				if err := reg.Indexer.Rebuild(ctx, since); err != nil {
					return err
				}
				statuses, err := reg.Indexer.RunStatuses(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"since":       since,
					"runs":        len(statuses),
					"duration_ms": time.Since(start).Milliseconds(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first day to rebuild, YYYY-MM-DD")
	return cmd
}

func indexWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the event log and re-index changed days",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRegistry(ctx, func(ctx context.Context, reg *registry.Registry) error {
				if interval <= 0 {
					interval = reg.Config.WatchInterval()
				}
				fmt.Printf("Watching %s every %s\n", reg.EventFacts.Dir(), interval)
				err := reg.Watcher.Run(ctx, interval, func(days []string, err error) {
					if err != nil {
						return
					}
					reg.Log.Info("events re-indexed", "days", strings.Join(days, ","))
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval; defaults to index.watch_interval_seconds")
	return cmd
}
