package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"proctor/internal/sessionlog"
)

// NewSummaryCmd creates the summary command.
func NewSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <session_alerts.json>",
		Short: "Print a session summary document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := sessionlog.ReadDocument(args[0])
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			limit, _ := cmd.Flags().GetInt("events")
			printSummary(cmd.OutOrStdout(), doc, limit)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the raw document")
	cmd.Flags().Int("events", 10, "number of most recent events to list")
	return cmd
}

func printSummary(out io.Writer, doc *sessionlog.Document, limit int) {
	fmt.Fprintf(out, "Session %s\n", doc.SessionID)
	fmt.Fprintf(out, "  started:  %s\n", doc.StartTime.Format("2006-01-02 15:04:05"))
	if doc.EndTime != nil {
		d := doc.EndTime.Sub(doc.StartTime).Round(time.Second)
		fmt.Fprintf(out, "  ended:    %s (%s)\n", doc.EndTime.Format("2006-01-02 15:04:05"), d)
	} else {
		fmt.Fprintln(out, "  ended:    still running or not closed cleanly")
	}
	fmt.Fprintf(out, "  frames:   %s\n", humanize.Comma(int64(doc.Statistics.TotalFrames)))
	fmt.Fprintf(out, "  alerts:   %s\n", humanize.Comma(int64(doc.Statistics.TotalAlerts)))

	types := make([]string, 0, len(doc.Statistics.AlertTypes))
	for t := range doc.Statistics.AlertTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		ci, cj := doc.Statistics.AlertTypes[types[i]], doc.Statistics.AlertTypes[types[j]]
		if ci != cj {
			return ci > cj
		}
		return types[i] < types[j]
	})
	for _, t := range types {
		fmt.Fprintf(out, "    %-26s %s\n", t, humanize.Comma(int64(doc.Statistics.AlertTypes[t])))
	}

	if limit <= 0 || len(doc.Alerts) == 0 {
		return
	}
	events := doc.Alerts
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	fmt.Fprintf(out, "  last %d events:\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(out, "    %s  %-8s %s\n", ev.Timestamp.Format("15:04:05"), ev.Severity, ev.Message)
	}
}
