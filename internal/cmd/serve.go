package cmd

import (
	"github.com/spf13/cobra"

	"github.com/steamvet/steamvet/internal/config"
	"github.com/steamvet/steamvet/internal/daemon"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the validation daemon",
	Long: `Serve starts the full service: the admission API, the queue
processing loop, and the periodic cooldown reactivation loop. Only one
daemon may own a data directory at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.DataDir = resolveDataDir(cfg.DataDir)
		if serveListenAddr != "" {
			cfg.ListenAddr = serveListenAddr
		}
		return daemon.Run(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "admission API bind address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
