package dirty

import (
	"sync"

	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
)

// BitmapBackend is a software Backend: callers mark pages dirty
// explicitly via Mark (e.g. from a write-fault handler or test
// harness) instead of asking a hypervisor. It is the default backend
// when no KVM fd is available, treating the hypervisor dirty-logging
// interface as a pluggable external collaborator rather than something
// the engine hardcodes.
type BitmapBackend struct {
	mu     sync.Mutex
	bitmap map[string][]uint64
}

// NewBitmapBackend builds an empty BitmapBackend.
func NewBitmapBackend() *BitmapBackend {
	return &BitmapBackend{bitmap: make(map[string][]uint64)}
}

// Start allocates (or resets) the bitmap for r.
func (b *BitmapBackend) Start(r *region.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bitmap[r.ID] = make([]uint64, bitmapWords(r.Length()))

	return nil
}

// Stop discards the bitmap for r.
func (b *BitmapBackend) Stop(r *region.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.bitmap, r.ID)

	return nil
}

// Mark records pageIdx as dirty for r. Intended for tests and for
// callers driving their own write-fault tracking.
func (b *BitmapBackend) Mark(r *region.Region, pageIdx int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	words := b.bitmap[r.ID]
	if words == nil {
		return
	}

	wordIdx, bit := pageIdx/64, uint(pageIdx%64)
	if wordIdx >= len(words) {
		return
	}

	words[wordIdx] |= 1 << bit
}

// MarkAll marks every page of r dirty, used to seed the first full
// pass of a live-migration round.
func (b *BitmapBackend) MarkAll(r *region.Region) {
	b.mu.Lock()
	defer b.mu.Unlock()

	words := b.bitmap[r.ID]
	for i := range words {
		words[i] = ^uint64(0)
	}
}

// Sync returns and clears the dirty page indices recorded for r.
func (b *BitmapBackend) Sync(r *region.Region) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	words := b.bitmap[r.ID]

	var dirty []int

	for wordIdx, word := range words {
		if word == 0 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			pageIdx := wordIdx*64 + bit
			if pageIdx*page.Size >= r.Length() {
				continue
			}

			dirty = append(dirty, pageIdx)
		}

		words[wordIdx] = 0
	}

	return dirty, nil
}
