// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command sessiond runs many independent chat bot sessions in one process.
// Each session holds its own platform connection through the protocol
// gateway, and sessions are created, inspected and deleted over a small HTTP
// control surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "Multi-session chat bot manager",
	Long: `sessiond hosts many independent bot sessions in one process. Sessions
are started from a session token or by scanning a pairing code, survive
transient disconnects and are restored from disk on startup.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
