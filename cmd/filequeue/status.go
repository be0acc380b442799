// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <fileId>",
		Short: "Show the processing status of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer ctx.close()

			st, err := a.aggregator.GetOverallProcessingStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, st)
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <fileId>",
		Short: "Cancel the pending processing of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer ctx.close()

			cancelled, cerr := a.aggregator.CancelFileProcessing(cmd.Context(), args[0])
			out := struct {
				FileID    string `json:"fileId"`
				Cancelled bool   `json:"cancelled"`
			}{args[0], cancelled}
			if err := writeJSON(cmd, out); err != nil {
				return err
			}
			return cerr
		},
	}
}
