package migratectl_test

import (
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ramvm/migrate/cmd/migratectl"
	"github.com/ramvm/migrate/dirty"
	"github.com/ramvm/migrate/migration"
	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
)

func newTestController(t *testing.T) *migration.Controller {
	t.Helper()

	r, err := region.New("ram", page.Size)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	t.Cleanup(func() { r.Close() }) //nolint:errcheck

	reg := region.NewRegistry()
	if err := reg.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	return migration.NewController(reg, dirty.NewBitmapBackend(), nil)
}

func TestServerQueryRoundTrip(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(t)
	srv := migratectl.NewServer(ctrl, migration.DefaultConfig)

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	if err := srv.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	reply, err := migratectl.SendCommand(sockPath, "QUERY")
	if err != nil {
		t.Fatalf("SendCommand QUERY: %v", err)
	}

	if !strings.HasPrefix(reply, "OK none ") {
		t.Errorf("QUERY reply = %q, want prefix %q", reply, "OK none ")
	}
}

func TestServerUnknownCommand(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(t)
	srv := migratectl.NewServer(ctrl, migration.DefaultConfig)

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	if err := srv.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if _, err := migratectl.SendCommand(sockPath, "BOGUS"); err == nil {
		t.Fatal("SendCommand(BOGUS) = nil error, want one")
	}
}

func TestServerMigrateAndCancel(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(t)
	srv := migratectl.NewServer(ctrl, migration.DefaultConfig)

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	if err := srv.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "dest.sock")

	ln, err := net.Listen("unix", dest)
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		io.Copy(io.Discard, conn) //nolint:errcheck
	}()

	// The registry only holds a zeroed single page, so with a real
	// bitmap backend the session converges on its first round and
	// MIGRATE replies once it has completed.
	done := make(chan string, 1)

	go func() {
		reply, err := migratectl.SendCommand(sockPath, "MIGRATE unix:"+dest)
		if err != nil {
			done <- "ERROR " + err.Error()

			return
		}

		done <- reply
	}()

	select {
	case reply := <-done:
		if reply != "OK" {
			t.Fatalf("MIGRATE reply = %q, want OK", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("MIGRATE did not complete in time")
	}

	reply, err := migratectl.SendCommand(sockPath, "QUERY")
	if err != nil {
		t.Fatalf("SendCommand QUERY: %v", err)
	}

	if !strings.Contains(reply, "completed") {
		t.Errorf("QUERY reply after MIGRATE = %q, want it to mention completed", reply)
	}

	// CANCEL after completion is a no-op that leaves the session completed.
	if reply, err := migratectl.SendCommand(sockPath, "CANCEL"); err != nil || reply != "OK" {
		t.Errorf("CANCEL after completion = %q, %v; want OK", reply, err)
	}

	reply, err = migratectl.SendCommand(sockPath, "QUERY")
	if err != nil {
		t.Fatalf("SendCommand QUERY after CANCEL: %v", err)
	}

	if !strings.Contains(reply, "completed") {
		t.Errorf("QUERY reply after CANCEL = %q, want it to still mention completed", reply)
	}

	if err := ctrl.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
