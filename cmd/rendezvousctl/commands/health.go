package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type healthResponse struct {
	Status            string  `json:"status"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
	QueueSizes        []struct {
		Mode   string `json:"mode"`
		Tier   string `json:"tier"`
		Length int    `json:"length"`
	} `json:"queue_sizes"`
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the server's /health status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := doRequest(http.MethodGet, "/health", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}

			var health healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}

			fmt.Printf("status:             %s\n", health.Status)
			fmt.Printf("uptime:             %.0fs\n", health.UptimeSeconds)
			fmt.Printf("active connections: %d\n", health.ActiveConnections)
			for _, q := range health.QueueSizes {
				fmt.Printf("queue %s/%s:        %d\n", q.Mode, q.Tier, q.Length)
			}
			return nil
		},
	}
}
