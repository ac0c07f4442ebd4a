// Package rawsave implements the two-phase page-aligned raw layout:
// a top half that lays out every region at page-aligned offsets in a
// reproducible random permutation, and a bottom half that overwrites
// dirty pages in place for RawLive's iterative mode.
package rawsave

import (
	"fmt"
	"math/rand"

	"github.com/ramvm/migrate/dirty"
	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
	"github.com/ramvm/migrate/wire"
)

// Seed is the fixed PRNG seed used so two saves of the same registry
// produce byte-identical raw streams.
const Seed = 12345

// Saver drives the raw-layout save, both the one-shot RawSuspend form
// and the iterative RawLive form.
type Saver struct {
	registry *region.Registry
	trackers map[string]*dirty.Tracker
	codec    *wire.File

	lastBlobPos uint64
}

// NewSaver builds a Saver over reg, writing to codec (which must be a
// wire.NewSeekableFile, since the raw layout writes pages out of
// sequential order). backend is only consulted in RawLive mode
// (Bottom); pass nil for one-shot RawSuspend.
func NewSaver(reg *region.Registry, backend dirty.Backend, codec *wire.File) *Saver {
	s := &Saver{registry: reg, codec: codec}

	if backend != nil {
		s.trackers = make(map[string]*dirty.Tracker, len(reg.Regions()))
		for _, r := range reg.Regions() {
			s.trackers[r.ID] = dirty.NewTracker(backend, r)
		}
	}

	return s
}

// LastBlobPos returns the end-of-last-region position the top half
// computed, the position Final seeks to before emitting EOS.
func (s *Saver) LastBlobPos() uint64 { return s.lastBlobPos }

// Top emits the region table and every region's pages in a fixed
// pseudorandom permutation, page-aligned. live controls whether a
// page's dirty bit is reset as it is written (RawLive) or left alone
// (RawSuspend, which doesn't track dirty state at all).
func (s *Saver) Top(live bool) error {
	if err := s.codec.PutBE64(wire.EncodeOffset(s.registry.TotalBytes(), wire.FlagMemSize)); err != nil {
		return fmt.Errorf("rawsave: write header: %w", err)
	}

	for _, r := range s.registry.Regions() {
		if err := s.putRegionHeader(r); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(Seed)) //nolint:gosec

	for _, r := range s.registry.Regions() {
		if err := s.codec.PutBE64(wire.EncodeOffset(0, wire.FlagRaw)); err != nil {
			return fmt.Errorf("rawsave: write raw tag %q: %w", r.ID, err)
		}

		if err := s.putIDStr(r.ID); err != nil {
			return err
		}

		if err := s.codec.PadToAlignment(page.Size); err != nil {
			return fmt.Errorf("rawsave: pad %q: %w", r.ID, err)
		}

		r.BlobPos = s.codec.BlobPos()

		order := permutation(rng, r.NumPages())

		for _, i := range order {
			pos := r.BlobPos + uint64(i)*uint64(page.Size)
			off := i * page.Size

			if live {
				r.ClearPending(i)
			}

			if err := s.codec.WriteAt(pos, r.Host[off:off+page.Size]); err != nil {
				return fmt.Errorf("rawsave: write page %q[%d]: %w", r.ID, i, err)
			}
		}

		end := r.BlobPos + uint64(r.NumPages())*uint64(page.Size)
		s.codec.SetBlobPos(end)
	}

	s.lastBlobPos = s.codec.BlobPos()

	return nil
}

// Bottom syncs dirty bitmaps and overwrites every still-dirty page of
// every region in place, in ascending page order. It does not emit
// EOS; the controller calls that once iteration stops.
func (s *Saver) Bottom() error {
	for _, r := range s.registry.Regions() {
		t := s.trackers[r.ID]

		pages, err := t.Sync()
		if err != nil {
			return fmt.Errorf("rawsave: sync %q: %w", r.ID, err)
		}

		r.MarkPending(pages)

		next := 0

		for {
			idx, ok := r.NextPending(next)
			if !ok {
				break
			}

			r.ClearPending(idx)

			pos := r.BlobPos + uint64(idx)*uint64(page.Size)
			off := idx * page.Size

			if err := s.codec.WriteAt(pos, r.Host[off:off+page.Size]); err != nil {
				return fmt.Errorf("rawsave: overwrite %q[%d]: %w", r.ID, idx, err)
			}

			next = idx + 1
		}
	}

	return nil
}

// Final seeks to the end-of-last-region position, emits EOS, and
// stops global dirty tracking (RawLive only; a no-op for RawSuspend
// which has no trackers).
func (s *Saver) Final() error {
	s.codec.SetBlobPos(s.lastBlobPos)

	if err := s.codec.PutBE64(wire.EncodeOffset(0, wire.FlagEOS)); err != nil {
		return fmt.Errorf("rawsave: write EOS: %w", err)
	}

	return s.stopAll()
}

// Abort stops global dirty tracking without seeking or emitting
// anything, for a cancelled RawLive session that called GlobalStart
// but must not produce a (possibly truncated) stream.
func (s *Saver) Abort() error {
	return s.stopAll()
}

func (s *Saver) stopAll() error {
	for _, t := range s.trackers {
		if err := t.GlobalStop(); err != nil {
			return fmt.Errorf("rawsave: stop: %w", err)
		}
	}

	return nil
}

// GlobalStart begins dirty tracking on every region, required before
// the first Bottom call in RawLive mode.
func (s *Saver) GlobalStart() error {
	for _, t := range s.trackers {
		if err := t.GlobalStart(); err != nil {
			return fmt.Errorf("rawsave: start: %w", err)
		}
	}

	return nil
}

func (s *Saver) putRegionHeader(r *region.Region) error {
	if err := s.codec.PutByte(byte(len(r.ID))); err != nil {
		return fmt.Errorf("rawsave: write idlen %q: %w", r.ID, err)
	}

	if err := s.codec.PutBuffer([]byte(r.ID)); err != nil {
		return fmt.Errorf("rawsave: write idstr %q: %w", r.ID, err)
	}

	if err := s.codec.PutBE64(uint64(r.Length())); err != nil {
		return fmt.Errorf("rawsave: write length %q: %w", r.ID, err)
	}

	return nil
}

func (s *Saver) putIDStr(id string) error {
	if err := s.codec.PutByte(byte(len(id))); err != nil {
		return fmt.Errorf("rawsave: write idlen: %w", err)
	}

	if err := s.codec.PutBuffer([]byte(id)); err != nil {
		return fmt.Errorf("rawsave: write idstr: %w", err)
	}

	return nil
}

// permutation returns a Fisher-Yates shuffle of [0, n) drawn from rng.
func permutation(rng *rand.Rand, n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	return order
}
