package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/steamvet/steamvet/internal/cooldown"
	"github.com/steamvet/steamvet/internal/endpoint"
	"github.com/steamvet/steamvet/internal/registry"
)

// Color palette
var (
	colorBlocked   = lipgloss.Color("196") // bright red
	colorCooling   = lipgloss.Color("214") // orange
	colorAvailable = lipgloss.Color("76")  // green
	colorMuted     = lipgloss.Color("242") // gray
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	connStyle = lipgloss.NewStyle().
			Bold(true)

	availableStyle = lipgloss.NewStyle().
			Foreground(colorAvailable)

	coolingStyle = lipgloss.NewStyle().
			Foreground(colorCooling)

	blockedStyle = lipgloss.NewStyle().
			Foreground(colorBlocked).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)
)

var cooldownsCmd = &cobra.Command{
	Use:   "cooldowns",
	Short: "Show the connection/endpoint cooldown matrix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, cds, err := openState()
		if err != nil {
			return err
		}
		renderCooldowns(reg, cds)
		return nil
	},
}

func renderCooldowns(reg *registry.Registry, cds *cooldown.Store) {
	now := time.Now()

	// Index snapshot cells by (connection, class) for the matrix walk.
	active := make(map[int]map[endpoint.Class]cooldown.Record)
	for _, cell := range cds.Snapshot() {
		if active[cell.Connection] == nil {
			active[cell.Connection] = make(map[endpoint.Class]cooldown.Record)
		}
		active[cell.Connection][cell.Class] = cell.Record
	}

	fmt.Println(headerStyle.Render("Cooldown matrix"))
	for _, conn := range reg.Connections() {
		label := "direct"
		if conn.Kind == registry.KindSOCKS5 {
			label = fmt.Sprintf("socks5 %s", conn.URL)
		}
		fmt.Printf("\n%s\n", connStyle.Render(fmt.Sprintf("connection %d  %s", conn.Index, label)))

		for _, class := range endpoint.All {
			rec, cooled := active[conn.Index][class]
			name := fmt.Sprintf("  %-22s", class)

			if !cooled {
				fmt.Printf("%s %s", name, availableStyle.Render("available"))
				if level := cds.BackoffLevel(conn.Index, class); level >= 0 {
					fmt.Printf("  %s", mutedStyle.Render(fmt.Sprintf("(backoff level %d held)", level)))
				}
				fmt.Println()
				continue
			}

			remaining := rec.Until.Sub(now).Round(time.Second)
			style := coolingStyle
			if remaining >= 30*time.Minute {
				style = blockedStyle
			}
			line := fmt.Sprintf("%s for %s", rec.Reason, remaining)
			if rec.BackoffLevel != nil {
				line += fmt.Sprintf(" (level %d)", *rec.BackoffLevel)
			}
			fmt.Printf("%s %s\n", name, style.Render(line))
		}
	}
}

func init() {
	rootCmd.AddCommand(cooldownsCmd)
}
