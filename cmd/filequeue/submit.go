// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"fmt"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/olivere/filequeue/pipeline"
)

type submitOutput struct {
	FileID string `json:"fileId"`
	*pipeline.Submission
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var fd pipeline.FileDescriptor

	cmd := &cobra.Command{
		Use:   "submit <path>",
		Short: "Submit an uploaded file for processing",
		Long:  "Submit an uploaded file for processing. The path is relative to the storage root.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer ctx.close()

			fd.FilePath = args[0]
			info, err := a.storage.Stat(cmd.Context(), fd.FilePath)
			if err != nil {
				return err
			}
			fd.Size = info.Size()
			if fd.FileID == "" {
				fd.FileID = uuid.NewString()
			}
			if fd.OriginalName == "" {
				fd.OriginalName = path.Base(fd.FilePath)
			}
			if fd.MimeType == "" {
				r, err := a.storage.Open(cmd.Context(), fd.FilePath)
				if err != nil {
					return err
				}
				m, err := mimetype.DetectReader(r)
				r.Close()
				if err != nil {
					return fmt.Errorf("detect type of %s: %w", fd.FilePath, err)
				}
				fd.MimeType, _, _ = strings.Cut(m.String(), ";")
			}

			sub, err := a.orchestrator.ProcessFileUpload(cmd.Context(), fd)
			if err != nil {
				return err
			}
			return writeJSON(cmd, submitOutput{FileID: fd.FileID, Submission: sub})
		},
	}

	cmd.Flags().StringVar(&fd.FileID, "file-id", "", "File identifier (default: random UUID)")
	cmd.Flags().StringVar(&fd.OriginalName, "name", "", "Original file name (default: base name of path)")
	cmd.Flags().StringVar(&fd.MimeType, "mime-type", "", "Declared MIME type (default: detected from content)")
	cmd.Flags().StringVar(&fd.EntityType, "entity-type", "", "Entity type selecting the processing profile, e.g. product")
	cmd.Flags().StringVar(&fd.EntityID, "entity-id", "", "Entity identifier")
	return cmd
}
