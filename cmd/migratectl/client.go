package migratectl

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// SendCommand dials the control socket at path, writes line followed
// by a newline, and returns the single-line reply with its trailing
// newline stripped.
func SendCommand(path, line string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("migratectl: dial %q: %w", path, err)
	}
	defer conn.Close() //nolint:errcheck

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("migratectl: write command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("migratectl: read reply: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "ERROR") {
		return "", fmt.Errorf("migratectl: %s", strings.TrimPrefix(reply, "ERROR "))
	}

	return reply, nil
}
