// Package migration implements the controller state machine that
// drives a RAM save session end to end: admission control, mode
// dispatch to the live or raw saver, bandwidth/downtime budgeting, and
// the notifier list observers hook into.
package migration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ramvm/migrate/dirty"
	"github.com/ramvm/migrate/livesave"
	"github.com/ramvm/migrate/rawsave"
	"github.com/ramvm/migrate/region"
	"github.com/ramvm/migrate/transport"
	"github.com/ramvm/migrate/wire"
)

// State is a session's position in the controller's state machine.
type State int

const (
	StateSetup State = iota
	StateActive
	StateCompleted
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "none"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "failed"
	default:
		return "unknown"
	}
}

// Blocker is a registered migration precondition; it is consulted
// before any transport work begins, and a non-nil return rejects the
// migration with ErrBlocked.
type Blocker func() error

// RamInfo is the ram{} object returned by query_migrate.
type RamInfo struct {
	Transferred uint64
	Remaining   uint64
	Total       uint64
}

// Info is the result of Query, mirroring query_migrate's
// {status, ram{...}} shape.
type Info struct {
	Status State
	Ram    RamInfo
}

// Defaults mirrors the tunable session defaults: throttle, downtime
// budget, PRNG seed, and mmap table capacity. Migrate applies
// MaxThrottle and MaxDowntime only; rawsave and ramload use their own
// fixed Seed and MmapTableCapacity constants, so PRNGSeed and
// MmapTableCap are carried and persisted but not applied.
type Defaults struct {
	MaxThrottle  int // bytes/sec
	MaxDowntime  time.Duration
	PRNGSeed     int64
	MmapTableCap int
}

// DefaultConfig matches MAX_THROTTLE = 32 MiB/s, max_downtime = 30ms,
// PRNG seed = 12345, mmap table capacity = 16.
var DefaultConfig = Defaults{
	MaxThrottle:  32 << 20,
	MaxDowntime:  30 * time.Millisecond,
	PRNGSeed:     rawsave.Seed,
	MmapTableCap: 16,
}

// Controller drives exactly one migration session at a time; a second
// Migrate call while one is ongoing fails with ErrMigrationActive.
type Controller struct {
	registry *region.Registry
	backend  dirty.Backend
	log      *logrus.Entry

	mu          sync.Mutex
	ongoing     bool
	state       State
	bytesXfer   uint64
	maxDowntime time.Duration

	blockers  []Blocker
	notifiers []func(State)

	cancelCh chan struct{}
	iterCh   chan struct{}
	stopCh   chan struct{}

	codec *wire.File
	group *errgroup.Group
}

// NewController builds a Controller over reg, tracked through backend.
func NewController(reg *region.Registry, backend dirty.Backend, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.New()
	}

	return &Controller{
		registry: reg,
		backend:  backend,
		log:      log.WithField("component", "migration"),
		state:    StateSetup,
	}
}

// RegisterBlocker adds b to the set of preconditions checked before a
// migration starts.
func (c *Controller) RegisterBlocker(b Blocker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockers = append(c.blockers, b)
}

// Notify registers fn to be invoked synchronously, in registration
// order, on every state transition.
func (c *Controller) Notify(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notifiers = append(c.notifiers, fn)
}

// transition sets the new state and returns a snapshot of the
// notifier list to fire. Callers must hold c.mu while calling this and
// must fire the returned notifiers only AFTER releasing it — a
// notifier that calls back into the Controller (e.g. Query) would
// otherwise deadlock on c.mu.
func (c *Controller) transition(s State) []func(State) {
	c.state = s

	return append([]func(State){}, c.notifiers...)
}

func fireNotifiers(notifiers []func(State), s State) {
	for _, fn := range notifiers {
		fn(s)
	}
}

// Migrate starts a session against the given destination URI. For
// live mode, it drives put_ready synchronously to completion (or until
// cancelled/errored out from another goroutine); for raw modes it
// spawns a detached worker and returns immediately, leaving ongoing
// true until the worker finishes. fds resolves any fd:NAME scheme the
// caller pre-opened; pass nil if the URI never uses one.
func (c *Controller) Migrate(ctx context.Context, uri string, fds map[string]*os.File, cfg Defaults) error {
	c.mu.Lock()

	if c.ongoing {
		c.mu.Unlock()

		return ErrMigrationActive
	}

	for _, b := range c.blockers {
		if err := b(); err != nil {
			c.mu.Unlock()

			return fmt.Errorf("%w: %v", ErrBlocked, err)
		}
	}

	c.ongoing = true
	c.bytesXfer = 0
	c.maxDowntime = cfg.MaxDowntime
	c.cancelCh = make(chan struct{})
	c.iterCh = make(chan struct{}, 1)
	c.stopCh = make(chan struct{}, 1)
	notifiers := c.transition(StateSetup)
	c.mu.Unlock()
	fireNotifiers(notifiers, StateSetup)

	tr, err := transport.Dial(uri, fds)
	if err != nil {
		c.fail(err)

		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	c.log.WithField("uri", uri).Info("connected, starting save")

	switch tr.Mode() {
	case transport.ModeLive:
		return c.runLive(ctx, tr, cfg)
	default:
		return c.runRawDetached(ctx, tr, cfg)
	}
}

func (c *Controller) runLive(ctx context.Context, tr transport.Transport, cfg Defaults) error {
	codec := wire.NewFile(tr, tr, cfg.MaxThrottle)
	saver := livesave.NewSaver(c.registry, c.backend, codec)
	defer saver.Abort() //nolint:errcheck // stops tracking on every exit path; a no-op once stopped

	c.mu.Lock()
	c.codec = codec
	notifiers := c.transition(StateActive)
	c.mu.Unlock()
	fireNotifiers(notifiers, StateActive)

	if err := saver.Setup(); err != nil {
		return c.fail(err)
	}

	for {
		select {
		case <-c.cancelCh:
			return c.doCancel(saver.Abort)
		default:
		}

		c.mu.Lock()
		downtime := c.maxDowntime
		c.mu.Unlock()

		converged, err := saver.Iterate(downtime)
		if err != nil {
			return c.fail(err)
		}

		c.mu.Lock()
		c.bytesXfer = saver.BytesTransferred()
		c.mu.Unlock()

		if converged {
			break
		}

		if err := saver.WaitForUnfreeze(ctx); err != nil {
			return c.fail(err)
		}
	}

	if err := saver.Final(); err != nil {
		return c.fail(err)
	}

	return c.complete(tr)
}

func (c *Controller) runRawDetached(ctx context.Context, tr transport.Transport, cfg Defaults) error {
	seekable, ok := tr.(transport.SeekableTransport)
	if !ok {
		return c.fail(fmt.Errorf("%w: raw-mode destination is not seekable", ErrInvalidInput))
	}

	codec := wire.NewSeekableFile(tr, tr, seekable, seekable, cfg.MaxThrottle)
	saver := rawsave.NewSaver(c.registry, c.liveBackendFor(tr), codec)

	c.mu.Lock()
	c.codec = codec
	notifiers := c.transition(StateActive)
	c.mu.Unlock()
	fireNotifiers(notifiers, StateActive)

	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		return c.driveRaw(gctx, tr, saver, cfg)
	})

	return nil
}

// liveBackendFor returns the dirty backend for RawLive mode, or nil
// for a one-shot RawSuspend (which never syncs dirty bits).
func (c *Controller) liveBackendFor(tr transport.Transport) dirty.Backend {
	if tr.Mode() == transport.ModeRawLive {
		return c.backend
	}

	return nil
}

func (c *Controller) driveRaw(ctx context.Context, tr transport.Transport, saver *rawsave.Saver, cfg Defaults) error {
	defer c.clearOngoing()
	defer saver.Abort() //nolint:errcheck // stops tracking on every exit path; a no-op once stopped

	if tr.Mode() == transport.ModeRawLive {
		if err := saver.GlobalStart(); err != nil {
			return c.fail(err)
		}
	}

	if err := saver.Top(tr.Mode() == transport.ModeRawLive); err != nil {
		return c.fail(err)
	}

	if tr.Mode() == transport.ModeRawLive {
		for {
			select {
			case <-c.cancelCh:
				return c.doCancel(saver.Abort)
			case <-c.stopCh:
				if err := saver.Final(); err != nil {
					return c.fail(err)
				}

				return c.complete(tr)
			case <-c.iterCh:
				if err := saver.Bottom(); err != nil {
					return c.fail(err)
				}
			case <-ctx.Done():
				return c.fail(ctx.Err())
			}
		}
	}

	if err := saver.Final(); err != nil {
		return c.fail(err)
	}

	return c.complete(tr)
}

func (c *Controller) clearOngoing() {
	c.mu.Lock()
	c.ongoing = false
	c.mu.Unlock()
}

func (c *Controller) complete(tr transport.Transport) error {
	c.mu.Lock()
	c.ongoing = false
	notifiers := c.transition(StateCompleted)
	c.mu.Unlock()
	fireNotifiers(notifiers, StateCompleted)

	c.log.Info("migration completed")

	return tr.Close()
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.ongoing = false
	notifiers := c.transition(StateError)
	c.mu.Unlock()
	fireNotifiers(notifiers, StateError)

	c.log.WithError(err).Warn("migration failed")

	return err
}

// doCancel finalizes a user-requested cancellation: calls abort
// (which must stop dirty tracking without emitting anything), then
// transitions to Cancelled.
func (c *Controller) doCancel(abort func() error) error {
	err := abort()

	c.mu.Lock()
	c.ongoing = false
	notifiers := c.transition(StateCancelled)
	c.mu.Unlock()
	fireNotifiers(notifiers, StateCancelled)

	c.log.Info("migration cancelled")

	return err
}

// Cancel requests cancellation of the current session. It is
// idempotent: calling it when no session is active, or after one has
// already completed, is a no-op.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ongoing {
		return nil
	}

	select {
	case <-c.cancelCh:
	default:
		close(c.cancelCh)
	}

	return nil
}

// SetSpeed updates the bandwidth limit of the active session's codec.
// A no-op if no session is running.
func (c *Controller) SetSpeed(bytesPerSec int) {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	if codec != nil {
		codec.SetBandwidthLimit(bytesPerSec)
	}
}

// SetDowntime updates the max-downtime convergence target live mode
// polls against on its next Iterate call. No-op in raw mode, which has
// no convergence loop of its own.
func (c *Controller) SetDowntime(d time.Duration) {
	c.mu.Lock()
	c.maxDowntime = d
	c.mu.Unlock()
}

// IterateRawLive signals the detached raw worker to run another bottom
// half of the raw-live save.
func (c *Controller) IterateRawLive() {
	select {
	case c.iterCh <- struct{}{}:
	default:
	}
}

// StopRawLive signals the detached raw worker to finalize and
// complete.
func (c *Controller) StopRawLive() {
	select {
	case c.stopCh <- struct{}{}:
	default:
	}
}

// Query returns the current session status and byte accounting,
// mirroring query_migrate().
func (c *Controller) Query() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.registry.TotalBytes()

	remaining := uint64(0)
	if total > c.bytesXfer {
		remaining = total - c.bytesXfer
	}

	return Info{
		Status: c.state,
		Ram: RamInfo{
			Transferred: c.bytesXfer,
			Remaining:   remaining,
			Total:       total,
		},
	}
}

// Wait blocks until a detached raw worker (if any) has finished.
func (c *Controller) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()

	if g == nil {
		return nil
	}

	return g.Wait()
}
