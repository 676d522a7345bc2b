package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kon-rad/sessionmirror/internal/actor"
	"github.com/kon-rad/sessionmirror/internal/procstat"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database row counts and per-day usage totals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Stop() }()

		client := rt.Client()
		eventsQ, err := client.Query(ctx, actor.QueryArgs{Kind: actor.QueryEventCount})
		if err != nil {
			return err
		}
		watermarksQ, err := client.Query(ctx, actor.QueryArgs{Kind: actor.QueryWatermarks})
		if err != nil {
			return err
		}
		usageQ, err := client.Query(ctx, actor.QueryArgs{Kind: actor.QueryUsageByDay})
		if err != nil {
			return err
		}
		if eventsQ.EventCount == nil {
			return errors.New("event count query returned no result")
		}

		out := cmd.OutOrStdout()
		heading := color.New(color.FgCyan, color.Bold)
		value := color.New(color.FgGreen)

		heading.Fprintln(out, "sessionmirror status")
		fmt.Fprintf(out, "  events:     %s\n", value.Sprintf("%d", *eventsQ.EventCount))
		fmt.Fprintf(out, "  workspaces: %s\n", value.Sprintf("%d", len(watermarksQ.Watermarks)))
		if rss, err := procstat.CurrentRSSBytes(); err == nil {
			fmt.Fprintf(out, "  rss:        %s\n", value.Sprintf("%d bytes", rss))
		}

		if len(usageQ.UsageByDay) > 0 {
			heading.Fprintln(out, "usage by day")
			for _, day := range usageQ.UsageByDay {
				label := day.Day
				if label == "" {
					label = "(no date)"
				}
				fmt.Fprintf(out, "  %-12s events=%-5d in=%-9d out=%-9d cost=$%.4f\n",
					label, day.Events, day.InputTokens, day.OutputTokens, day.TotalCostUSD)
			}
		}
		return nil
	},
}
