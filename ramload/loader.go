// Package ramload implements the single entry point that reads either
// wire layout back: the iterative PAGE/COMPRESS stream, memcpy'd
// directly into host pages, or the raw RAW-chunk layout, resolved via
// file-backed mmap over the host pages instead of a copy.
package ramload

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ramvm/migrate/page"
	"github.com/ramvm/migrate/region"
	"github.com/ramvm/migrate/wire"
)

// MmapTableCapacity bounds the number of concurrent raw-mode mappings
// a Loader may hold; overflow is a Fatal error rather than a dynamic
// grow, since the table represents mappings that must be torn down at
// a well-defined shutdown point.
const MmapTableCapacity = 16

// ErrInvalidInput covers malformed headers, unknown idstrs, length
// mismatches and version mismatches.
var ErrInvalidInput = fmt.Errorf("ramload: invalid input")

// ErrFatal covers mmap failure and mmap-table overflow.
var ErrFatal = fmt.Errorf("ramload: fatal")

// mapping records one raw-mode mmap so Close can tear it down.
type mapping struct {
	region *region.Region
	mapped []byte
}

// Loader reads a save stream back into a local Registry. file, when
// non-nil, is the raw file descriptor backing codec — required for
// the raw path's mmap calls; live-mode loads over a non-seekable
// transport may pass nil.
type Loader struct {
	registry *region.Registry
	codec    *wire.File
	file     *os.File

	current  *region.Region
	mappings []mapping
}

// NewLoader builds a Loader that resolves region names against reg and
// reads framed chunks from codec. file must be the same descriptor
// codec was built over when the caller expects to hit the raw path;
// pass nil if only the live path is possible.
func NewLoader(reg *region.Registry, codec *wire.File, file *os.File) *Loader {
	return &Loader{registry: reg, codec: codec, file: file}
}

// Close unmaps every raw-mode mapping this Loader recorded. Safe to
// call once after Load returns, whichever path was taken.
func (l *Loader) Close() error {
	var firstErr error

	// The mappings come from mmapFixed, not unix.Mmap, so unix.Munmap
	// would reject them; unmap through the raw syscall instead.
	for _, m := range l.mappings {
		_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP,
			uintptr(unsafe.Pointer(&m.mapped[0])), uintptr(len(m.mapped)), 0)
		if errno != 0 && firstErr == nil {
			firstErr = fmt.Errorf("ramload: munmap %q: %w", m.region.ID, errno)
		}
	}

	l.mappings = nil

	return firstErr
}

// Load reads the MEM_SIZE header, verifies every named region exists
// locally with a matching length, then dispatches to the live or raw
// path based on the first region chunk.
func (l *Loader) Load() error {
	header, err := l.codec.GetBE64()
	if err != nil {
		return fmt.Errorf("ramload: read header: %w", err)
	}

	total, flags := wire.DecodeOffset(header)
	if !flags.Has(wire.FlagMemSize) {
		return fmt.Errorf("%w: missing MEM_SIZE header", ErrInvalidInput)
	}

	// The region table is self-describing from the stream: keep reading
	// entries until their declared lengths account for the header's
	// total, rather than assuming the table holds exactly as many
	// entries as the local registry has regions.
	for total > 0 {
		length, err := l.readRegionTableEntry()
		if err != nil {
			return err
		}

		if length > total {
			return fmt.Errorf("%w: region table declares more bytes than the MEM_SIZE header", ErrInvalidInput)
		}

		total -= length
	}

	word, err := l.codec.GetBE64()
	if err != nil {
		return fmt.Errorf("ramload: read first chunk: %w", err)
	}

	_, firstFlags := wire.DecodeOffset(word)
	if firstFlags.Has(wire.FlagRaw) {
		return l.loadRaw(word)
	}

	return l.loadLive(word)
}

// readRegionTableEntry reads one region-table entry and returns its
// declared length, so Load can decrement the header's total by it.
func (l *Loader) readRegionTableEntry() (uint64, error) {
	idlen, err := l.codec.GetByte()
	if err != nil {
		return 0, fmt.Errorf("ramload: read idlen: %w", err)
	}

	id, err := l.codec.GetBuffer(int(idlen))
	if err != nil {
		return 0, fmt.Errorf("ramload: read idstr: %w", err)
	}

	length, err := l.codec.GetBE64()
	if err != nil {
		return 0, fmt.Errorf("ramload: read length: %w", err)
	}

	r, err := l.registry.Find(string(id))
	if err != nil {
		return 0, fmt.Errorf("%w: unknown region %q", ErrInvalidInput, id)
	}

	if uint64(r.Length()) != length {
		return 0, fmt.Errorf("%w: region %q length mismatch: stream=%d local=%d",
			ErrInvalidInput, id, length, r.Length())
	}

	return length, nil
}

// loadLive handles the PAGE/COMPRESS path. word is the already-read
// first chunk header.
func (l *Loader) loadLive(word uint64) error {
	for {
		offset, flags := wire.DecodeOffset(word)

		if flags.Has(wire.FlagEOS) {
			return nil
		}

		if err := l.resolveChunkRegion(flags); err != nil {
			return err
		}

		switch {
		case flags.Has(wire.FlagCompress):
			fill, err := l.codec.GetByte()
			if err != nil {
				return fmt.Errorf("ramload: read fill byte: %w", err)
			}

			if err := l.applyCompress(offset, fill); err != nil {
				return err
			}

		case flags.Has(wire.FlagPage):
			buf, err := l.codec.GetBuffer(page.Size)
			if err != nil {
				return fmt.Errorf("ramload: read page payload: %w", err)
			}

			copy(l.current.Host[offset:offset+uint64(page.Size)], buf)

		default:
			return fmt.Errorf("%w: chunk with neither COMPRESS nor PAGE", ErrInvalidInput)
		}

		next, err := l.codec.GetBE64()
		if err != nil {
			return fmt.Errorf("ramload: read next chunk: %w", err)
		}

		word = next
	}
}

func (l *Loader) resolveChunkRegion(flags wire.Flag) error {
	if flags.Has(wire.FlagContinue) {
		if l.current == nil {
			return fmt.Errorf("%w: CONTINUE chunk with no prior region", ErrInvalidInput)
		}

		return nil
	}

	idlen, err := l.codec.GetByte()
	if err != nil {
		return fmt.Errorf("ramload: read idlen: %w", err)
	}

	id, err := l.codec.GetBuffer(int(idlen))
	if err != nil {
		return fmt.Errorf("ramload: read idstr: %w", err)
	}

	r, err := l.registry.Find(string(id))
	if err != nil {
		return fmt.Errorf("%w: unknown region %q", ErrInvalidInput, id)
	}

	l.current = r

	return nil
}

// applyCompress memsets the page to fill; for a zero fill it also
// advises the kernel the page can be discarded (MADV_DONTNEED),
// keeping zero pages from occupying physical memory.
func (l *Loader) applyCompress(offset uint64, fill byte) error {
	dst := l.current.Host[offset : offset+uint64(page.Size)]

	for i := range dst {
		dst[i] = fill
	}

	if fill == 0 {
		if err := unix.Madvise(dst, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("ramload: madvise %q: %w", l.current.ID, err)
		}
	}

	return nil
}

// loadRaw handles the RAW-chunk path: each chunk names a region,
// consumes zero-padding to the next page boundary, then mmaps the
// region's bytes directly over its host pages rather than copying
// them. word is the already-read first chunk header (always RAW for
// this path).
func (l *Loader) loadRaw(word uint64) error {
	for {
		_, flags := wire.DecodeOffset(word)

		if flags.Has(wire.FlagEOS) {
			return nil
		}

		if !flags.Has(wire.FlagRaw) {
			return fmt.Errorf("%w: raw-mode stream with a non-RAW chunk", ErrInvalidInput)
		}

		if err := l.loadRawChunk(); err != nil {
			return err
		}

		next, err := l.codec.GetBE64()
		if err != nil {
			return fmt.Errorf("ramload: read next chunk: %w", err)
		}

		word = next
	}
}

func (l *Loader) loadRawChunk() error {
	idlen, err := l.codec.GetByte()
	if err != nil {
		return fmt.Errorf("ramload: read idlen: %w", err)
	}

	id, err := l.codec.GetBuffer(int(idlen))
	if err != nil {
		return fmt.Errorf("ramload: read idstr: %w", err)
	}

	if err := l.padToPageBoundary(); err != nil {
		return err
	}

	r, err := l.registry.Find(string(id))
	if err != nil {
		return fmt.Errorf("%w: unknown region %q in RAW chunk", ErrInvalidInput, id)
	}

	if len(l.mappings) >= MmapTableCapacity {
		return fmt.Errorf("%w: mmap table exceeds capacity %d", ErrFatal, MmapTableCapacity)
	}

	if l.file == nil {
		return fmt.Errorf("%w: raw mode requires a seekable file descriptor", ErrInvalidInput)
	}

	pos := int64(l.codec.BlobPos())

	mapped, err := mmapFixed(r.Host, l.file.Fd(), pos, r.Length())
	if err != nil {
		return fmt.Errorf("%w: mmap %q: %w", ErrFatal, r.ID, err)
	}

	l.mappings = append(l.mappings, mapping{region: r, mapped: mapped})

	l.codec.SetBlobPos(l.codec.BlobPos() + uint64(r.Length()))

	return nil
}

// mmapFixed maps length bytes of fd at file offset off directly over
// dst's existing address, so guest pages already backing dst become
// lazily paged in from the snapshot file instead of copied. This needs
// the raw mmap(2) address argument, which golang.org/x/sys/unix.Mmap
// does not expose (it always lets the kernel choose the address), so
// it goes through syscall.Syscall6 directly — the same style the
// teacher uses for its own ioctl calls.
func mmapFixed(dst []byte, fd uintptr, off int64, length int) ([]byte, error) {
	addr := uintptr(unsafe.Pointer(&dst[0]))

	ret, _, errno := syscall.Syscall6(syscall.SYS_MMAP, addr, uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED), fd, uintptr(off))
	if errno != 0 {
		return nil, errno
	}

	if ret != addr {
		return nil, fmt.Errorf("mmap returned %x, want fixed address %x", ret, addr)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(ret)), length), nil
}

func (l *Loader) padToPageBoundary() error {
	pos := l.codec.BlobPos()

	rem := int(pos) % page.Size
	if rem == 0 {
		return nil
	}

	pad := page.Size - rem
	if _, err := l.codec.GetBuffer(pad); err != nil {
		return fmt.Errorf("ramload: consume padding: %w", err)
	}

	return nil
}
