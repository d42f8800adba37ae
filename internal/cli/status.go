package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/valetd/valet/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get("http://" + cfg.Server.Listen + "/api/v1/status")
		if err != nil {
			fmt.Printf("Gateway: %s (%s)\n", color.RedString("offline"), cfg.Server.Listen)
			return nil
		}
		defer resp.Body.Close()

		var status struct {
			Version       string `json:"version"`
			Environment   string `json:"environment"`
			UptimeSeconds int    `json:"uptime_seconds"`
			Connections   int    `json:"connections"`
			BusQueue      int    `json:"bus_queue"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		fmt.Printf("Gateway:     %s (%s)\n", color.GreenString("online"), cfg.Server.Listen)
		fmt.Printf("Version:     %s\n", status.Version)
		fmt.Printf("Environment: %s\n", status.Environment)
		fmt.Printf("Uptime:      %ds\n", status.UptimeSeconds)
		fmt.Printf("Clients:     %d\n", status.Connections)
		fmt.Printf("Bus queue:   %d\n", status.BusQueue)
		return nil
	},
}
