// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command filequeue runs and operates the file processing pipeline.
//
// Use "filequeue serve" to run the workers together with the WebSocket
// and metrics endpoints. The submit, status, cancel and stats commands
// talk to the configured broker directly; they need a shared broker
// (redis, mysql or mongodb) and a shared metadata store to see the
// state of a running server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
