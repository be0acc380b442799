// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/olivere/filequeue"
)

type queueStatsOutput struct {
	Queue   string                  `json:"queue"`
	Stats   *filequeue.QueueStats   `json:"stats"`
	Metrics *filequeue.QueueMetrics `json:"metrics"`
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts and metrics of the stage queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer ctx.close()

			var out []queueStatsOutput
			for _, queue := range a.manager.Queues() {
				stats, err := a.manager.GetQueueStats(cmd.Context(), queue)
				if err != nil {
					return err
				}
				m, err := a.manager.GetQueueMetrics(cmd.Context(), queue)
				if err != nil {
					return err
				}
				out = append(out, queueStatsOutput{Queue: queue, Stats: stats, Metrics: m})
			}
			if asJSON {
				return writeJSON(cmd, out)
			}

			rows := make([][]string, 0, len(out))
			for _, q := range out {
				rows = append(rows, []string{
					q.Queue,
					strconv.Itoa(q.Stats.Waiting),
					strconv.Itoa(q.Stats.Delayed),
					strconv.Itoa(q.Stats.Active),
					strconv.Itoa(q.Stats.Completed),
					strconv.Itoa(q.Stats.Failed),
					strconv.FormatBool(q.Stats.Paused),
					fmt.Sprintf("%.2f", q.Metrics.Throughput),
					fmt.Sprintf("%.1f%%", q.Metrics.ErrorRate*100),
					q.Metrics.AvgProcessingTime.Round(time.Millisecond).String(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Queue", "Waiting", "Delayed", "Active", "Completed", "Failed", "Paused", "Jobs/min", "Errors", "Avg time"},
				rows,
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
