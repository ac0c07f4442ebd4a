// Package livesave implements the non-raw iterative pre-copy save
// path: a round-robin scan over every region's dirty pages, emitting
// compressed fill-byte pages where possible, driven stage by stage by
// a migration controller.
package livesave

import (
	"context"
	"fmt"
	"time"

	"github.com/ramvm/migrate/dirty"
	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
	"github.com/ramvm/migrate/wire"
)

// Stage selects which phase of the save state machine to run.
type Stage int

const (
	StageSetup   Stage = 1
	StageIterate Stage = 2
	StageFinal   Stage = 3
	StageAbort   Stage = -1
)

// Saver drives the live-mode save state machine over a registry.
type Saver struct {
	registry *region.Registry
	trackers map[string]*dirty.Tracker
	codec    *wire.File

	sorted []*region.Region

	bytesTransferred uint64

	cursorRegion int
	cursorPage   int

	lastRegion string // for CONTINUE: region named by the previous emitted chunk
}

// NewSaver builds a Saver over reg, tracking dirty pages through
// backend and writing framed chunks to codec.
func NewSaver(reg *region.Registry, backend dirty.Backend, codec *wire.File) *Saver {
	trackers := make(map[string]*dirty.Tracker, len(reg.Regions()))
	for _, r := range reg.Regions() {
		trackers[r.ID] = dirty.NewTracker(backend, r)
	}

	return &Saver{registry: reg, trackers: trackers, codec: codec}
}

// BytesTransferred returns the cumulative byte count across all
// rounds so far.
func (s *Saver) BytesTransferred() uint64 { return s.bytesTransferred }

// Setup resets session state, sorts the registry by idstr, seeds every
// region fully dirty, starts global dirty tracking, and emits the
// MEM_SIZE header.
func (s *Saver) Setup() error {
	s.bytesTransferred = 0
	s.cursorRegion = 0
	s.cursorPage = 0
	s.lastRegion = ""

	s.sorted = s.registry.Sorted()

	for _, r := range s.sorted {
		t := s.trackers[r.ID]

		t.SeedAll()

		if err := t.GlobalStart(); err != nil {
			return fmt.Errorf("livesave: setup %q: %w", r.ID, err)
		}
	}

	if err := s.codec.PutBE64(wire.EncodeOffset(s.registry.TotalBytes(), wire.FlagMemSize)); err != nil {
		return fmt.Errorf("livesave: write header: %w", err)
	}

	for _, r := range s.sorted {
		if err := s.putRegionHeader(r); err != nil {
			return err
		}
	}

	return nil
}

func (s *Saver) putRegionHeader(r *region.Region) error {
	if err := s.codec.PutByte(byte(len(r.ID))); err != nil {
		return fmt.Errorf("livesave: write idlen %q: %w", r.ID, err)
	}

	if err := s.codec.PutBuffer([]byte(r.ID)); err != nil {
		return fmt.Errorf("livesave: write idstr %q: %w", r.ID, err)
	}

	if err := s.codec.PutBE64(uint64(r.Length())); err != nil {
		return fmt.Errorf("livesave: write length %q: %w", r.ID, err)
	}

	return nil
}

// Iterate syncs dirty bitmaps and transmits pages while the rate
// budget allows, emitting EOS at the end of the round. It reports
// whether the estimated remaining downtime is within maxDowntime — the
// controller calls Iterate repeatedly until it returns true, then
// calls Final.
func (s *Saver) Iterate(maxDowntime time.Duration) (converged bool, err error) {
	if err := s.syncAll(); err != nil {
		return false, err
	}

	start := time.Now()
	roundBytes := uint64(0)

	for {
		if s.codec.RateLimit(page.Size) {
			break
		}

		n, err := s.saveOnePage()
		if err != nil {
			return false, err
		}

		if n == 0 {
			break // full lap with nothing dirty
		}

		roundBytes += uint64(n)
		s.bytesTransferred += uint64(n)
	}

	if err := s.emitEOS(); err != nil {
		return false, err
	}

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	bandwidth := float64(roundBytes) / elapsed.Seconds()

	remaining := s.countDirty()

	if bandwidth <= 0 {
		return remaining == 0, nil
	}

	estimate := time.Duration(float64(remaining*page.Size) / bandwidth * float64(time.Second))

	return estimate <= maxDowntime, nil
}

// Final drains every remaining dirty page ignoring the rate limit,
// emits EOS, and stops global dirty tracking.
func (s *Saver) Final() error {
	if err := s.syncAll(); err != nil {
		return err
	}

	for {
		n, err := s.saveOnePage()
		if err != nil {
			return err
		}

		if n == 0 {
			break
		}

		s.bytesTransferred += uint64(n)
	}

	if err := s.emitEOS(); err != nil {
		return err
	}

	return s.stopAll()
}

// Abort stops global dirty tracking without emitting anything.
func (s *Saver) Abort() error {
	return s.stopAll()
}

func (s *Saver) stopAll() error {
	for _, r := range s.sorted {
		if err := s.trackers[r.ID].GlobalStop(); err != nil {
			return fmt.Errorf("livesave: stop: %w", err)
		}
	}

	return nil
}

func (s *Saver) syncAll() error {
	for _, r := range s.sorted {
		pages, err := s.trackers[r.ID].Sync()
		if err != nil {
			return fmt.Errorf("livesave: sync %q: %w", r.ID, err)
		}

		r.MarkPending(pages)
	}

	return nil
}

func (s *Saver) countDirty() int {
	total := 0
	for _, r := range s.sorted {
		total += r.PendingCount()
	}

	return total
}

func (s *Saver) emitEOS() error {
	if err := s.codec.PutBE64(wire.EncodeOffset(0, wire.FlagEOS)); err != nil {
		return fmt.Errorf("livesave: write EOS: %w", err)
	}

	return nil
}

// saveOnePage implements the round-robin scan: advance (region,
// offset) over the sorted registry until a pending dirty page is
// found or a full lap completes. Returns the number of bytes the
// chunk counts for accounting (1 for a COMPRESS chunk, page.Size for a
// PAGE chunk), or 0 if nothing was dirty.
func (s *Saver) saveOnePage() (int, error) {
	if len(s.sorted) == 0 {
		return 0, nil
	}

	for lap := 0; lap < len(s.sorted); lap++ {
		r := s.sorted[s.cursorRegion]

		pageIdx, ok := r.NextPending(s.cursorPage)
		if !ok && s.cursorPage != 0 {
			// A page behind the cursor may have been re-dirtied since we
			// last passed it — check the wrapped head of this region
			// before giving up on it and moving to the next one.
			pageIdx, ok = r.NextPending(0)
		}

		if !ok {
			s.cursorRegion = (s.cursorRegion + 1) % len(s.sorted)
			s.cursorPage = 0

			continue
		}

		r.ClearPending(pageIdx)
		s.cursorPage = pageIdx + 1

		offset := pageIdx * page.Size
		buf := r.Host[offset : offset+page.Size]

		cont := wire.Flag(0)
		if r.ID == s.lastRegion {
			cont = wire.FlagContinue
		}

		s.lastRegion = r.ID

		if page.IsDupPage(buf) {
			if err := s.codec.PutBE64(wire.EncodeOffset(uint64(offset), cont|wire.FlagCompress)); err != nil {
				return 0, fmt.Errorf("livesave: write compress offset: %w", err)
			}

			if cont == 0 {
				if err := s.putIDStr(r.ID); err != nil {
					return 0, err
				}
			}

			if err := s.codec.PutByte(page.FillByte(buf)); err != nil {
				return 0, fmt.Errorf("livesave: write fill byte: %w", err)
			}

			return 1, nil
		}

		if err := s.codec.PutBE64(wire.EncodeOffset(uint64(offset), cont|wire.FlagPage)); err != nil {
			return 0, fmt.Errorf("livesave: write page offset: %w", err)
		}

		if cont == 0 {
			if err := s.putIDStr(r.ID); err != nil {
				return 0, err
			}
		}

		if err := s.codec.PutBuffer(buf); err != nil {
			return 0, fmt.Errorf("livesave: write page payload: %w", err)
		}

		return page.Size, nil
	}

	return 0, nil
}

func (s *Saver) putIDStr(id string) error {
	if err := s.codec.PutByte(byte(len(id))); err != nil {
		return fmt.Errorf("livesave: write idlen: %w", err)
	}

	if err := s.codec.PutBuffer([]byte(id)); err != nil {
		return fmt.Errorf("livesave: write idstr: %w", err)
	}

	return nil
}

// WaitForUnfreeze exposes the codec's blocking bandwidth wait for
// callers (the controller's put_ready loop) that need to yield until
// budget is available rather than spin-polling RateLimit.
func (s *Saver) WaitForUnfreeze(ctx context.Context) error {
	return s.codec.WaitForUnfreeze(ctx, page.Size)
}
