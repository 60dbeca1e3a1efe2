package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the client every subcommand uses to call the admin API.
	httpClient *http.Client

	serverAddr string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:   "rendezvousctl",
	Short: "Admin CLI for the rendezvous server",
	Long:  "rendezvousctl calls the rendezvous server's bearer-token-gated /admin endpoints to list, create, and remove IP bans.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = &http.Client{Timeout: 10 * time.Second}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:3000", "rendezvous server base URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("RENDEZVOUSCTL_TOKEN"), "admin bearer token (defaults to $RENDEZVOUSCTL_TOKEN)")

	rootCmd.AddCommand(bansCmd())
	rootCmd.AddCommand(healthCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
