package migratectl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the migratectl command tree. Every subcommand
// talks to a running migration host over the Unix socket named by
// --socket.
func NewRootCmd() *cobra.Command {
	var socket string

	root := &cobra.Command{
		Use:           "migratectl",
		Short:         "Control a running RAM migration session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&socket, "socket", "", "path to the migration control socket (required)")

	root.AddCommand(
		newMigrateCmd(&socket),
		newCancelCmd(&socket),
		newSetSpeedCmd(&socket),
		newSetDowntimeCmd(&socket),
		newStopRawLiveCmd(&socket),
		newIterateRawLiveCmd(&socket),
		newQueryCmd(&socket),
		newWatchCmd(&socket),
	)

	return root
}

func requireSocket(socket string) error {
	if socket == "" {
		return fmt.Errorf("migratectl: --socket is required")
	}

	return nil
}

func newMigrateCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <uri>",
		Short: "Start a migration to the given destination URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			reply, err := SendCommand(*socket, "MIGRATE "+args[0])
			if err != nil {
				return err
			}

			cmd.Println(reply)

			return nil
		},
	}
}

func newCancelCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active migration session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			reply, err := SendCommand(*socket, "CANCEL")
			if err != nil {
				return err
			}

			cmd.Println(reply)

			return nil
		},
	}
}

func newSetSpeedCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-speed <bytes-per-sec>",
		Short: "Update the active session's bandwidth limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("migratectl: bad bytes-per-sec %q: %w", args[0], err)
			}

			reply, err := SendCommand(*socket, "SET-SPEED "+args[0])
			if err != nil {
				return err
			}

			cmd.Println(reply)

			return nil
		},
	}
}

func newSetDowntimeCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-downtime <milliseconds>",
		Short: "Update the active session's downtime convergence target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("migratectl: bad milliseconds %q: %w", args[0], err)
			}

			reply, err := SendCommand(*socket, "SET-DOWNTIME "+args[0])
			if err != nil {
				return err
			}

			cmd.Println(reply)

			return nil
		},
	}
}

func newStopRawLiveCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-raw-live",
		Short: "Finalize an active raw-live session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			reply, err := SendCommand(*socket, "STOP-RAW-LIVE")
			if err != nil {
				return err
			}

			cmd.Println(reply)

			return nil
		},
	}
}

func newIterateRawLiveCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "iterate-raw-live",
		Short: "Run one more bottom-half pass of an active raw-live session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			reply, err := SendCommand(*socket, "ITERATE-RAW-LIVE")
			if err != nil {
				return err
			}

			cmd.Println(reply)

			return nil
		},
	}
}

func newQueryCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "Report the active session's status and byte counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			reply, err := SendCommand(*socket, "QUERY")
			if err != nil {
				return err
			}

			cmd.Println(formatQueryReply(reply))

			return nil
		},
	}
}

// formatQueryReply turns the wire reply "OK <status> <xfer> <remain>
// <total>" into a human-readable line.
func formatQueryReply(reply string) string {
	fields := strings.Fields(reply)
	if len(fields) != 5 {
		return reply
	}

	return fmt.Sprintf("status=%s transferred=%s remaining=%s total=%s", fields[1], fields[2], fields[3], fields[4])
}
