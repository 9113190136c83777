package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steamvet/steamvet/internal/config"
	"github.com/steamvet/steamvet/internal/domain"
	"github.com/steamvet/steamvet/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the profile queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <steam_id> <username>",
	Short: "Enqueue a profile for validation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		result, err := q.Add(args[0], args[1])
		if err != nil {
			return err
		}
		if result == queue.AlreadyPresent {
			fmt.Printf("%s already queued\n", args[0])
			return nil
		}
		fmt.Printf("queued %s (%s)\n", args[0], args[1])
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued profiles with per-check status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		profiles, err := q.All()
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, p := range profiles {
			enqueued := time.UnixMilli(p.EnqueuedAt).Format(time.RFC3339)
			fmt.Printf("%s  %s  (enqueued %s)\n", p.SteamID, p.Username, enqueued)
			for _, check := range domain.AllChecks {
				fmt.Printf("    %-22s %s\n", check, p.Checks[check])
			}
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue aggregate counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		stats, err := q.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("total      %d\n", stats.Total)
		fmt.Printf("to_check   %d\n", stats.ToCheck)
		fmt.Printf("in_flight  %d\n", stats.InFlight)
		fmt.Printf("deferred   %d\n", stats.Deferred)
		fmt.Printf("completed  %d\n", stats.Completed)
		return nil
	},
}

func openQueue() (*queue.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return queue.Open(resolveDataDir(cfg.DataDir)), nil
}

func init() {
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}
