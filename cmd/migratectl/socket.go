// Package migratectl implements the newline-terminated control
// protocol a running migration host listens on, and the client
// helpers the CLI subcommands use to talk to it.
package migratectl

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ramvm/migrate/migration"
)

// Server wraps a migration.Controller with a Unix-socket control
// protocol: a line in, a line out, one connection per command.
//
// Supported commands:
//
//	MIGRATE <uri>           start a migration to uri
//	CANCEL                  cancel the active session
//	SET-SPEED <bytes/sec>   update the active session's bandwidth limit
//	SET-DOWNTIME <ms>       update the active session's downtime target
//	STOP-RAW-LIVE           finalize an active raw-live session
//	ITERATE-RAW-LIVE        run one more raw-live bottom-half pass
//	QUERY                   report status and byte counts
type Server struct {
	ctrl *migration.Controller
	cfg  migration.Defaults
	path string
}

// NewServer builds a Server driving ctrl, using cfg as the base
// Migrate configuration for every MIGRATE command it receives.
func NewServer(ctrl *migration.Controller, cfg migration.Defaults) *Server {
	return &Server{ctrl: ctrl, cfg: cfg}
}

// Listen opens the control socket at path and serves commands on a
// background goroutine. Server has no method that closes the listener;
// it serves until the listener fails.
func (s *Server) Listen(path string) error {
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("migratectl: listen %q: %w", path, err)
	}

	s.path = path

	go func() {
		defer os.Remove(path) //nolint:errcheck

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go s.handle(conn)
		}
	}()

	return nil
}

// Path returns the socket path this server is listening on.
func (s *Server) Path() string { return s.path }

func (s *Server) handle(conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	line, err := readLine(conn)
	if err != nil {
		return
	}

	reply := s.dispatch(line)

	_, _ = conn.Write([]byte(reply + "\n"))
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR empty command"
	}

	switch fields[0] {
	case "MIGRATE":
		if len(fields) != 2 {
			return "ERROR MIGRATE requires exactly one URI argument"
		}

		if err := s.ctrl.Migrate(context.Background(), fields[1], nil, s.cfg); err != nil {
			return "ERROR " + err.Error()
		}

		return "OK"

	case "CANCEL":
		if err := s.ctrl.Cancel(); err != nil {
			return "ERROR " + err.Error()
		}

		return "OK"

	case "SET-SPEED":
		if len(fields) != 2 {
			return "ERROR SET-SPEED requires a bytes/sec argument"
		}

		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return "ERROR bad bytes/sec: " + err.Error()
		}

		s.ctrl.SetSpeed(n)

		return "OK"

	case "SET-DOWNTIME":
		if len(fields) != 2 {
			return "ERROR SET-DOWNTIME requires a milliseconds argument"
		}

		ms, err := strconv.Atoi(fields[1])
		if err != nil {
			return "ERROR bad downtime: " + err.Error()
		}

		s.ctrl.SetDowntime(time.Duration(ms) * time.Millisecond)

		return "OK"

	case "STOP-RAW-LIVE":
		s.ctrl.StopRawLive()

		return "OK"

	case "ITERATE-RAW-LIVE":
		s.ctrl.IterateRawLive()

		return "OK"

	case "QUERY":
		info := s.ctrl.Query()

		return fmt.Sprintf("OK %s %d %d %d", info.Status, info.Ram.Transferred, info.Ram.Remaining, info.Ram.Total)

	default:
		return "ERROR unknown command " + fields[0]
	}
}

func readLine(conn net.Conn) (string, error) {
	var b strings.Builder

	tmp := make([]byte, 256)

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			b.Write(tmp[:n])
		}

		if strings.Contains(b.String(), "\n") {
			break
		}

		if err != nil {
			return "", fmt.Errorf("migratectl: read command: %w", err)
		}
	}

	return strings.TrimSpace(b.String()), nil
}
