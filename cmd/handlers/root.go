/*
Copyright © 2025 Your Name

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package handlers

import (
	"fmt"
	"os"

	"genpost/internal/config"
	"genpost/internal/logger"

	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "genpost",
		Short: "genpost generates, critiques and publishes articles from message contracts.",
		Long: `genpost turns message contracts into articles with an LLM.

Each article is drafted, scored by a critic and regenerated once when the
score is too low. Failed generations fall back to a shorter prompt and then
to a backup model. Schedules expand into publish jobs that a worker drains,
checking for duplicates before posting to WordPress.`,
		SilenceUsage: true,
	}

	// Initialize configuration
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.genpost.yaml)")

	rootCmd.AddCommand(NewMigrateCmd())
	rootCmd.AddCommand(NewGenerateCmd())
	rootCmd.AddCommand(NewBatchCmd())
	rootCmd.AddCommand(NewContractCmd())
	rootCmd.AddCommand(NewScheduleCmd())
	rootCmd.AddCommand(NewWorkerCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewBanditCmd())
	rootCmd.AddCommand(NewRAGCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout carries command output
	logger.Configure(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	if cfg.App.ConfigFile != "" {
		logger.Debug("Using config file", map[string]any{"file": cfg.App.ConfigFile})
	}
}
