// Package main implements the learnd CLI, the thin wrapper agent processes
// invoke to append a learning record to the shared knowledge base.
//
// The write path itself lives in internal/record; this wrapper only parses
// flags, loads configuration, and maps the error taxonomy to exit codes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/learnd/internal/record"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information, injected at build time.
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "learnd:", err)
		os.Exit(record.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "learnd",
	Short: "Append learning records to a shared agent knowledge base",
	Long: `learnd coordinates concurrent writes to a knowledge base shared by many
agent processes: a SQLite index, a Markdown document tree, and a Git history.

Exit codes:
  0  success
  2  validation error (input rejected, nothing written)
  3  security error (symlink/hardlink detected, write aborted)
  4  storage error (index database failure, rolled back)
  5  filesystem error (document write failure, rolled back)
  6  lock timeout (history lock contended, rolled back)
  7  history error (commit failed after retry, rolled back)
  1  anything else`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the learnd config file")
	rootCmd.AddCommand(recordCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/.config/learnd/config.yaml", home)
}
