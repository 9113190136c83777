// Package cmd provides CLI commands for the steamvet tool.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "steamvet",
	Short:   "Steam profile validator with rate-limit-aware dispatch",
	Version: Version,
	Long: `steamvet validates queued Steam profiles against a fixed set of
eligibility checks, routing upstream calls across direct and SOCKS5
proxy connections while tracking per-connection per-endpoint cooldowns.

Run 'steamvet serve' to start the daemon; the other commands inspect
and edit the JSON state files in the data directory.`,
	SilenceUsage: true,
}

// dataDir is the shared --data-dir flag: where the JSON state files live.
var dataDir string

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default from config)")
}

// resolveDataDir applies precedence: --data-dir flag, then config.
func resolveDataDir(configured string) string {
	if dataDir != "" {
		return dataDir
	}
	if configured != "" {
		return configured
	}
	return "."
}
