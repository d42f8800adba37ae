package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/valetd/valet/internal/agent"
	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/store"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent definitions",
}

var agentAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		manager, closeFn, err := openManager()
		if err != nil {
			return err
		}
		defer closeFn()

		a, err := manager.CreateAgent(context.Background(), id, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created agent %s (%s)\n", color.CyanString(a.Name), a.ID)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, closeFn, err := openManager()
		if err != nil {
			return err
		}
		defer closeFn()

		agents, err := manager.ListAgents(context.Background())
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}
		for _, a := range agents {
			fmt.Printf("%-36s  %-20s  %s\n", a.ID, a.Name, colorStatus(a.Status))
		}
		return nil
	},
}

func openManager() (*agent.Manager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Server.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return agent.NewManager(st.DB()), func() { st.Close() }, nil
}

func colorStatus(status string) string {
	switch status {
	case agent.AgentActive:
		return color.GreenString(status)
	case agent.AgentIdle:
		return color.YellowString(status)
	default:
		return color.RedString(status)
	}
}

func init() {
	agentAddCmd.Flags().String("id", "", "explicit agent id (defaults to a generated uuid)")
	agentCmd.AddCommand(agentAddCmd)
	agentCmd.AddCommand(agentListCmd)
}
