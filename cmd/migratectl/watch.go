package migratectl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ramvm/migrate/migration"
	"github.com/ramvm/migrate/tui"
)

func newWatchCmd(socket *string) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the active session's status in a live-updating screen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSocket(*socket); err != nil {
				return err
			}

			s := *socket

			poll := func() (migration.Info, error) {
				reply, err := SendCommand(s, "QUERY")
				if err != nil {
					return migration.Info{}, err
				}

				return parseQueryReply(reply)
			}

			m := tui.NewWatchModel(poll, interval)

			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()

			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "polling interval")

	return cmd
}

// parseQueryReply parses a "OK <status> <xfer> <remain> <total>" QUERY
// reply into a migration.Info.
func parseQueryReply(reply string) (migration.Info, error) {
	fields := strings.Fields(reply)
	if len(fields) != 5 || fields[0] != "OK" {
		return migration.Info{}, fmt.Errorf("migratectl: malformed query reply %q", reply)
	}

	status, err := parseState(fields[1])
	if err != nil {
		return migration.Info{}, err
	}

	xfer, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return migration.Info{}, fmt.Errorf("migratectl: bad transferred count in %q: %w", reply, err)
	}

	remain, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return migration.Info{}, fmt.Errorf("migratectl: bad remaining count in %q: %w", reply, err)
	}

	total, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return migration.Info{}, fmt.Errorf("migratectl: bad total count in %q: %w", reply, err)
	}

	return migration.Info{
		Status: status,
		Ram: migration.RamInfo{
			Transferred: xfer,
			Remaining:   remain,
			Total:       total,
		},
	}, nil
}

func parseState(s string) (migration.State, error) {
	switch s {
	case "none":
		return migration.StateSetup, nil
	case "active":
		return migration.StateActive, nil
	case "completed":
		return migration.StateCompleted, nil
	case "cancelled":
		return migration.StateCancelled, nil
	case "failed":
		return migration.StateError, nil
	default:
		return migration.State(0), fmt.Errorf("migratectl: unknown status %q", s)
	}
}
