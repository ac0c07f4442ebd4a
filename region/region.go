// Package region holds the ordered set of named guest RAM regions that
// the migration engine saves and restores.
//
// A Region wraps a contiguous host-memory mapping (allocated the same
// way memory.MemorySlot allocates guest RAM: an anonymous, page-aligned
// mmap) together with the identifying idstr that names it on the wire.
package region

import (
	"errors"
	"fmt"
	"sort"
	"syscall"

	"github.com/ramvm/migrate/page"
)

var (
	// ErrIDTooLong is returned when a region's idstr exceeds 255 bytes.
	ErrIDTooLong = errors.New("region: idstr longer than 255 bytes")

	// ErrIDEmpty is returned when a region is registered with an empty idstr.
	ErrIDEmpty = errors.New("region: idstr must not be empty")

	// ErrDuplicateID is returned when two regions share an idstr.
	ErrDuplicateID = errors.New("region: duplicate idstr")

	// ErrUnaligned is returned when a region's length is not a multiple of page.Size.
	ErrUnaligned = errors.New("region: length is not a multiple of page size")

	// ErrEmptyLength is returned when a region has zero length.
	ErrEmptyLength = errors.New("region: length must be non-zero")

	// ErrNotFound is returned when a named region does not exist in a Registry.
	ErrNotFound = errors.New("region: not found")
)

// Region is a named, page-aligned slice of guest physical memory
// mapped into host memory.
type Region struct {
	ID   string // idstr: unique, <= 255 bytes
	Host []byte // contiguous host-memory mapping, len(Host) == Length

	// BlobPos is the byte offset in the output stream where this
	// region's page array begins. Only meaningful during a single raw
	// save session; zero otherwise.
	BlobPos uint64

	dirty []uint64 // per-page dirty bitmap, one bit per page.Size-sized page
}

// Length returns the region's size in bytes.
func (r *Region) Length() int { return len(r.Host) }

// NumPages returns the number of page.Size pages in the region.
func (r *Region) NumPages() int { return len(r.Host) / page.Size }

// New allocates a Region of the given length backed by an anonymous
// mmap, matching memory.MemorySlot's allocation strategy. length must
// be a positive multiple of page.Size and id must be a non-empty
// string of at most 255 bytes.
func New(id string, length int) (*Region, error) {
	if len(id) == 0 {
		return nil, ErrIDEmpty
	}

	if len(id) > 255 {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrIDTooLong, id, len(id))
	}

	if length == 0 {
		return nil, ErrEmptyLength
	}

	if length%page.Size != 0 {
		return nil, fmt.Errorf("%w: length=%d", ErrUnaligned, length)
	}

	host, err := syscall.Mmap(-1, 0, length, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("region: mmap %q: %w", id, err)
	}

	numPages := length / page.Size
	words := (numPages + 63) / 64

	return &Region{
		ID:    id,
		Host:  host,
		dirty: make([]uint64, words),
	}, nil
}

// Wrap builds a Region around an already-allocated host buffer, such
// as a destination's own guest memory, rather than allocating new
// memory. len(host) must be a positive multiple of page.Size; see New
// for the same validation rules.
func Wrap(id string, host []byte) (*Region, error) {
	if len(id) == 0 {
		return nil, ErrIDEmpty
	}

	if len(id) > 255 {
		return nil, fmt.Errorf("%w: %q is %d bytes", ErrIDTooLong, id, len(id))
	}

	if len(host) == 0 {
		return nil, ErrEmptyLength
	}

	if len(host)%page.Size != 0 {
		return nil, fmt.Errorf("%w: length=%d", ErrUnaligned, len(host))
	}

	numPages := len(host) / page.Size
	words := (numPages + 63) / 64

	return &Region{
		ID:    id,
		Host:  host,
		dirty: make([]uint64, words),
	}, nil
}

// MarkPending records each page index in pages as dirty for the
// current save round. This is the region's dirty_bits, fed from
// whatever DirtyTracker.Sync just returned.
func (r *Region) MarkPending(pages []int) {
	for _, idx := range pages {
		wordIdx, bit := idx/64, uint(idx%64)
		if wordIdx >= len(r.dirty) {
			continue
		}

		r.dirty[wordIdx] |= 1 << bit
	}
}

// ClearPending resets the dirty bit for pageIdx, e.g. once that page
// has been transmitted.
func (r *Region) ClearPending(pageIdx int) {
	wordIdx, bit := pageIdx/64, uint(pageIdx%64)
	if wordIdx >= len(r.dirty) {
		return
	}

	r.dirty[wordIdx] &^= 1 << bit
}

// NextPending scans forward from page index from (inclusive) for the
// next pending dirty page, wrapping never — callers handle lap
// wraparound themselves. Returns ok=false if none remain in [from,
// NumPages).
func (r *Region) NextPending(from int) (pageIdx int, ok bool) {
	numPages := r.NumPages()

	for idx := from; idx < numPages; idx++ {
		wordIdx, bit := idx/64, uint(idx%64)
		if r.dirty[wordIdx]&(1<<bit) != 0 {
			return idx, true
		}
	}

	return 0, false
}

// PendingCount returns the number of pages currently marked dirty.
func (r *Region) PendingCount() int {
	count := 0

	for _, word := range r.dirty {
		for word != 0 {
			word &= word - 1
			count++
		}
	}

	return count
}

// Close releases the region's host mapping.
func (r *Region) Close() error {
	if r.Host == nil {
		return nil
	}

	err := syscall.Munmap(r.Host)
	r.Host = nil

	return err
}

// Registry is the ordered sequence of Regions for one guest.
type Registry struct {
	regions []*Region
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends r to the registry in native (registration) order. It
// fails if r's idstr collides with an already-registered region.
func (reg *Registry) Add(r *Region) error {
	for _, existing := range reg.regions {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: %q", ErrDuplicateID, r.ID)
		}
	}

	reg.regions = append(reg.regions, r)

	return nil
}

// Regions returns the registry's regions in native (registration)
// order — the order raw mode iterates in.
func (reg *Registry) Regions() []*Region {
	return reg.regions
}

// Sorted returns the registry's regions sorted by idstr — the order
// live mode transmits in, so that transmission order is deterministic
// across hosts.
func (reg *Registry) Sorted() []*Region {
	sorted := make([]*Region, len(reg.regions))
	copy(sorted, reg.regions)

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return sorted
}

// Find returns the region with the given idstr, or ErrNotFound.
func (reg *Registry) Find(id string) (*Region, error) {
	for _, r := range reg.regions {
		if r.ID == id {
			return r, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// TotalBytes returns the sum of all region lengths — the MEM_SIZE
// header value.
func (reg *Registry) TotalBytes() uint64 {
	var total uint64

	for _, r := range reg.regions {
		total += uint64(r.Length())
	}

	return total
}

// Close releases every region's host mapping. Errors are collected but
// every region is still attempted (best-effort, matching the
// controller's idempotent-cleanup contract).
func (reg *Registry) Close() error {
	var firstErr error

	for _, r := range reg.regions {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
