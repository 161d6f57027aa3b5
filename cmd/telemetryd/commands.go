// Copyright (C) 2026 Cdesk Labs (eng@cdesk.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cdeskhq/cdesk-telemetry/services/telemetry/config"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "telemetryd",
		Short: "Activity telemetry middleware for the cdesk desktop assistant",
		Long: `telemetryd sits between the cdesk assistant's tool calls and the
data warehouse. It records activity events to a local append-only log,
serves customer context with caching, and runs analytical queries
asynchronously behind credential failover and circuit breaking.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry service",
		RunE:  runServe,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	configExampleCmd = &cobra.Command{
		Use:   "example",
		Short: "Print a commented example configuration",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.ExampleYAML)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the telemetryd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"telemetry.yaml", "path to the configuration file")

	configCmd.AddCommand(configExampleCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}
