package migration_test

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ramvm/migrate/dirty"
	"github.com/ramvm/migrate/migration"
	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
)

// alwaysDirtyBackend reports the same page dirty on every Sync. Iterate
// judges convergence from the pages still pending after its round, and
// the round re-sends that page, so this backend alone does not hold a
// session open; TestMigrateRejectsConcurrentSession pairs it with a
// one-page bandwidth limit and a near-zero downtime target.
type alwaysDirtyBackend struct{}

func (alwaysDirtyBackend) Start(*region.Region) error { return nil }

func (alwaysDirtyBackend) Sync(*region.Region) ([]int, error) { return []int{0}, nil }

func (alwaysDirtyBackend) Stop(*region.Region) error { return nil }

// stopSpyBackend behaves like alwaysDirtyBackend but records which
// regions had tracking stopped, to verify a cancelled session actually
// releases the backend instead of leaving it tracking forever.
type stopSpyBackend struct {
	mu      sync.Mutex
	stopped map[string]bool
}

func newStopSpyBackend() *stopSpyBackend {
	return &stopSpyBackend{stopped: make(map[string]bool)}
}

func (b *stopSpyBackend) Start(*region.Region) error { return nil }

func (b *stopSpyBackend) Sync(*region.Region) ([]int, error) { return []int{0}, nil }

func (b *stopSpyBackend) Stop(r *region.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped[r.ID] = true

	return nil
}

func (b *stopSpyBackend) wasStopped(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stopped[id]
}

func listenUnix(t *testing.T) (path string, accepted <-chan net.Conn) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	ch := make(chan net.Conn, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		ch <- conn
	}()

	return path, ch
}

func TestMigrateRejectsConcurrentSession(t *testing.T) {
	t.Parallel()

	r, err := region.New("ram", 4*page.Size)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	defer r.Close() //nolint:errcheck

	reg := region.NewRegistry()
	if err := reg.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	path, accepted := listenUnix(t)

	go func() {
		conn := <-accepted
		defer conn.Close() //nolint:errcheck

		io.Copy(io.Discard, conn) //nolint:errcheck
	}()

	ctrl := migration.NewController(reg, alwaysDirtyBackend{}, nil)

	// One page of budget per second: the first round sends one of the
	// four pages, leaves three pending (an estimate far above 1ns), and
	// the controller then waits about a second for budget, so the
	// session stays active.
	cfg := migration.DefaultConfig
	cfg.MaxThrottle = page.Size
	cfg.MaxDowntime = time.Nanosecond

	done := make(chan error, 1)

	go func() {
		done <- ctrl.Migrate(context.Background(), "unix:"+path, nil, cfg)
	}()

	// Give the first call time to flip ongoing and enter its iterate
	// loop before the concurrent attempt below.
	time.Sleep(50 * time.Millisecond)

	if err := ctrl.Migrate(context.Background(), "unix:"+path, nil, cfg); !errors.Is(err, migration.ErrMigrationActive) {
		t.Fatalf("concurrent Migrate = %v, want ErrMigrationActive", err)
	}

	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Migrate returned %v after Cancel, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Migrate did not return after Cancel")
	}

	info := ctrl.Query()
	if info.Status != migration.StateCancelled {
		t.Errorf("status after cancel = %v, want Cancelled", info.Status)
	}

	// Cleanup is idempotent: cancelling an already-finished session is
	// a no-op, not an error.
	if err := ctrl.Cancel(); err != nil {
		t.Errorf("second Cancel = %v, want nil", err)
	}
}

func TestMigrateLiveConverges(t *testing.T) {
	t.Parallel()

	r, err := region.New("ram", 4*page.Size)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	defer r.Close() //nolint:errcheck

	for i := range r.Host {
		r.Host[i] = 0xAB
	}

	reg := region.NewRegistry()
	if err := reg.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	path, accepted := listenUnix(t)

	recvDone := make(chan struct{})

	go func() {
		defer close(recvDone)

		conn := <-accepted
		defer conn.Close() //nolint:errcheck

		io.Copy(io.Discard, conn) //nolint:errcheck
	}()

	ctrl := migration.NewController(reg, dirty.NewBitmapBackend(), nil)

	cfg := migration.DefaultConfig
	cfg.MaxThrottle = 1 << 30
	cfg.MaxDowntime = time.Second

	if err := ctrl.Migrate(context.Background(), "unix:"+path, nil, cfg); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	<-recvDone

	info := ctrl.Query()
	if info.Status != migration.StateCompleted {
		t.Errorf("status = %v, want Completed", info.Status)
	}

	if info.Ram.Transferred == 0 {
		t.Error("Transferred = 0, want the seeded region to have been sent")
	}
}

func TestMigrateRawLiveCancelStopsDirtyTracking(t *testing.T) {
	t.Parallel()

	r, err := region.New("ram", page.Size)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	defer r.Close() //nolint:errcheck

	reg := region.NewRegistry()
	if err := reg.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	backend := newStopSpyBackend()
	ctrl := migration.NewController(reg, backend, nil)

	dest := filepath.Join(t.TempDir(), "raw.img")

	cfg := migration.DefaultConfig
	cfg.MaxThrottle = 1 << 30

	if err := ctrl.Migrate(context.Background(), "rawlive:"+dest, nil, cfg); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	// Migrate dispatches RawLive work to a detached worker and returns
	// immediately; give it time to reach the iterate loop before
	// cancelling.
	time.Sleep(50 * time.Millisecond)

	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := ctrl.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	info := ctrl.Query()
	if info.Status != migration.StateCancelled {
		t.Errorf("status after cancel = %v, want Cancelled", info.Status)
	}

	if !backend.wasStopped("ram") {
		t.Error("dirty tracking was not stopped on cancel — a cancelled RawLive session must release the backend")
	}
}
