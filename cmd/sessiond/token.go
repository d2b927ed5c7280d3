// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aiku/sessiond/pkg/config"
	"github.com/aiku/sessiond/pkg/credentials"
)

var tokenMarker string

var encodeTokenCmd = &cobra.Command{
	Use:   "encode-token <creds.json>",
	Short: "Print a session token for a credential file",
	Long: `encode-token packs a credential file into a session token that can be
passed to the create endpoint to move a session to another host.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read credential file: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("credential file %s is empty", args[0])
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), credentials.Encode(tokenMarker, data))
		return err
	},
}

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print the example config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), config.ExampleConfig)
		return err
	},
}

func init() {
	rootCmd.AddCommand(encodeTokenCmd, exampleConfigCmd)
	encodeTokenCmd.Flags().StringVar(&tokenMarker, "marker", credentials.DefaultMarker, "Token marker")
}
