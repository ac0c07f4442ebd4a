// Package dirty tracks which pages of a region have been written to
// since the last sync, so pre-copy passes only need to retransmit
// pages that actually changed.
//
// Tracking itself is delegated to a Backend: BitmapBackend drives a
// plain software bitmap (used in tests and whenever no hypervisor is
// available), KVMBackend asks the kernel via KVM's dirty-log ioctls.
package dirty

import (
	"fmt"
	"sort"

	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
)

// Backend abstracts the hypervisor collaborator that actually knows
// which guest pages were written. It mirrors the three primitives the
// pre-copy loop needs: start tracking, read-and-clear the dirty set,
// stop tracking.
type Backend interface {
	// Start begins (or re-begins) dirty tracking for r. Must be called
	// before the first Sync.
	Start(r *region.Region) error

	// Sync returns the set of page indices within r dirtied since the
	// last Start/Sync call, clearing the backend's record of them.
	Sync(r *region.Region) ([]int, error)

	// Stop ends dirty tracking for r. Idempotent.
	Stop(r *region.Region) error
}

// Tracker drives dirty-page accounting for one region across a
// pre-copy session, on top of a Backend. It also layers a local
// "seed" bitmap over the backend's own reports: the first save round
// must transmit every page regardless of whether the hypervisor has
// observed a write to it yet, so SeedAll marks the whole region dirty
// independently of the backend.
type Tracker struct {
	backend Backend
	region  *region.Region
	active  bool
	seed    []uint64
}

// NewTracker builds a Tracker for r driven by backend.
func NewTracker(backend Backend, r *region.Region) *Tracker {
	return &Tracker{backend: backend, region: r, seed: make([]uint64, bitmapWords(r.Length()))}
}

// SeedAll marks every page of the tracker's region dirty, to be picked
// up by the next Sync regardless of what the backend itself reports.
func (t *Tracker) SeedAll() {
	for i := range t.seed {
		t.seed[i] = ^uint64(0)
	}
}

// GlobalStart enables dirty tracking. Safe to call once per session;
// calling it again while already active is a no-op.
func (t *Tracker) GlobalStart() error {
	if t.active {
		return nil
	}

	if err := t.backend.Start(t.region); err != nil {
		return fmt.Errorf("dirty: start %q: %w", t.region.ID, err)
	}

	t.active = true

	return nil
}

// GlobalStop disables dirty tracking. Safe to call even if tracking
// was never started.
func (t *Tracker) GlobalStop() error {
	if !t.active {
		return nil
	}

	t.active = false

	if err := t.backend.Stop(t.region); err != nil {
		return fmt.Errorf("dirty: stop %q: %w", t.region.ID, err)
	}

	return nil
}

// Sync returns page indices dirtied since the previous Sync (or since
// GlobalStart, on the first call), and resets the backend's record of
// them. It requires GlobalStart to have been called.
func (t *Tracker) Sync() ([]int, error) {
	if !t.active {
		return nil, fmt.Errorf("dirty: Sync on %q before GlobalStart", t.region.ID)
	}

	pages, err := t.backend.Sync(t.region)
	if err != nil {
		return nil, fmt.Errorf("dirty: sync %q: %w", t.region.ID, err)
	}

	merged := t.drainSeed()
	if len(merged) == 0 {
		return pages, nil
	}

	seen := make(map[int]bool, len(pages)+len(merged))

	all := make([]int, 0, len(pages)+len(merged))

	for _, p := range pages {
		if !seen[p] {
			seen[p] = true

			all = append(all, p)
		}
	}

	for _, p := range merged {
		if !seen[p] {
			seen[p] = true

			all = append(all, p)
		}
	}

	sort.Ints(all)

	return all, nil
}

// drainSeed returns every page index currently marked in the seed
// bitmap and clears it.
func (t *Tracker) drainSeed() []int {
	var pages []int

	for wordIdx, word := range t.seed {
		if word == 0 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			pageIdx := wordIdx*64 + bit
			if pageIdx*page.Size >= t.region.Length() {
				continue
			}

			pages = append(pages, pageIdx)
		}

		t.seed[wordIdx] = 0
	}

	return pages
}

// bitmapWords returns the number of uint64 words needed to hold one
// bit per page of a region of the given length.
func bitmapWords(length int) int {
	numPages := (length + page.Size - 1) / page.Size

	return (numPages + 63) / 64
}
