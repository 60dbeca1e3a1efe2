package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type banRecord struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func bansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bans",
		Short: "Manage IP bans",
	}
	cmd.AddCommand(bansListCmd())
	cmd.AddCommand(bansAddCmd())
	cmd.AddCommand(bansRemoveCmd())
	return cmd
}

func bansListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List currently banned IPs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := doRequest(http.MethodGet, "/admin/bans", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}

			var bans []banRecord
			if err := json.NewDecoder(resp.Body).Decode(&bans); err != nil {
				return fmt.Errorf("decode ban list: %w", err)
			}
			if len(bans) == 0 {
				fmt.Println("no active bans")
				return nil
			}
			for _, b := range bans {
				fmt.Printf("%s\t%s\n", b.IP, b.Reason)
			}
			return nil
		},
	}
}

func bansAddCmd() *cobra.Command {
	var reason, duration string
	cmd := &cobra.Command{
		Use:   "add <ip>",
		Short: "Ban an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodPost, "/admin/bans", map[string]string{
				"ip":       args[0],
				"reason":   reason,
				"duration": duration,
			})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			fmt.Printf("banned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual ban", "ban reason")
	cmd.Flags().StringVar(&duration, "duration", "", "ban duration (e.g. 1h); empty uses the server's configured default")
	return cmd
}

func bansRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <ip>",
		Short: "Remove an IP ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodDelete, "/admin/bans/"+args[0], nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			fmt.Printf("unbanned %s\n", args[0])
			return nil
		},
	}
}
