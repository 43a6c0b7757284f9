package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/switchboard/internal/coordination"
	"github.com/Iron-Ham/switchboard/internal/errors"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent directory",
		Long: `The agent directory maps agent ids to transport addresses: an inbox name
for the file transport, or a tmux target (session:window.pane) for tmux.`,
	}
	cmd.AddCommand(newAgentRegisterCmd(), newAgentListCmd(), newAgentUnregisterCmd())
	return cmd
}

func newAgentRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <id> [address]",
		Short: "Add or update an agent",
		Long:  `Add or update an agent. The address defaults to the id.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return nil
			}
			return exactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, address := args[0], args[0]
			if len(args) == 2 {
				address = args[1]
			}
			return withHub(func(hub *coordination.Hub) error {
				if err := hub.Registry().Register(id, address); err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).Successf("Registered %s at %s", id, address)
				return nil
			})
		},
	}
}

func newAgentUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <id>",
		Short: "Remove an agent",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				removed, err := hub.Registry().Unregister(args[0])
				if err != nil {
					return err
				}
				if !removed {
					return errors.NewNotFoundError("agent", args[0])
				}
				newPrinter(cmd.OutOrStdout()).Successf("Unregistered %s", args[0])
				return nil
			})
		},
	}
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				agents, err := hub.Registry().Agents()
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(agents)
				}
				if len(agents) == 0 {
					p.Mutedf("No agents registered")
					return nil
				}
				rows := make([]table.Row, 0, len(agents))
				for _, a := range agents {
					rows = append(rows, table.Row{a.ID, a.Address, timestamp(a.Registered)})
				}
				p.Table(table.Row{"ID", "Address", "Registered"}, rows)
				return nil
			})
		},
	}
}
