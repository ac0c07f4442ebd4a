// Package wire implements the byte-level framing used to stream RAM
// pages: big-endian primitives, flag bits packed into page-aligned
// offset words, and a bandwidth-limited file wrapping a transport.
package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Flag is a bit packed into the low bits of a 64-bit offset word.
// Page-aligned offsets guarantee the low bits (below PAGE_SIZE) are
// free for this use.
type Flag uint64

// Flag bits, copied verbatim from the wire-format table: they must
// never be renumbered, since two sides of a migration can run
// different builds of this engine.
const (
	FlagCompress Flag = 0x02 // single-byte fill page follows
	FlagMemSize  Flag = 0x04 // region table header; high bits are total RAM bytes
	FlagPage     Flag = 0x08 // full page payload follows
	FlagEOS      Flag = 0x10 // end of stream
	FlagContinue Flag = 0x20 // same region as previous chunk; omit idstr
	FlagRaw      Flag = 0x40 // raw-layout region chunk follows
)

const flagMask = 0xff

// EncodeOffset packs flags into the low bits of a page-aligned offset.
func EncodeOffset(offset uint64, flags Flag) uint64 {
	return offset | uint64(flags)
}

// DecodeOffset splits a wire word back into its page-aligned offset
// and flag bits.
func DecodeOffset(word uint64) (offset uint64, flags Flag) {
	return word &^ flagMask, Flag(word & flagMask)
}

// Has reports whether flags contains bit.
func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// File is the bandwidth-limited, sticky-error stream that StreamCodec's
// put_*/get_* primitives read and write through; it keeps no buffer of
// its own, and each put goes straight to the underlying writer. It
// wraps whatever transport.Transport carries the bytes; File itself
// only knows io.Writer/io.Reader plus the few extra knobs (rate
// limiting, blob position, sticky error) the wire format needs.
type File struct {
	w  io.Writer
	r  io.Reader
	wa io.WriterAt
	ra io.ReaderAt

	limiter *rate.Limiter

	mu      sync.Mutex
	err     error
	blobPos uint64
}

// NewFile builds a File over w/r with the given bandwidth limit in
// bytes/sec. r may be nil for write-only (save) files, w may be nil
// for read-only (load) files.
func NewFile(w io.Writer, r io.Reader, bandwidthLimit int) *File {
	return &File{
		w:       w,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bandwidthLimit), bandwidthLimit),
	}
}

// NewSeekableFile builds a File over a random-access backing (a
// seekable raw/rawlive transport), additionally exposing WriteAt/
// ReadAt for RawSaver's permuted page writes. Every put/get on such a
// File goes to the BlobPos offset of the backing.
func NewSeekableFile(w io.Writer, r io.Reader, wa io.WriterAt, ra io.ReaderAt, bandwidthLimit int) *File {
	f := NewFile(w, r, bandwidthLimit)
	f.wa = wa
	f.ra = ra

	return f
}

// SetBandwidthLimit updates the token-bucket rate, e.g. in response to
// migrate_set_speed.
func (f *File) SetBandwidthLimit(bytesPerSec int) {
	f.limiter.SetLimit(rate.Limit(bytesPerSec))
	f.limiter.SetBurst(bytesPerSec)
}

// GetError returns the first error recorded by a failed write/read, or
// nil. Once set, it is permanent for the life of the File.
func (f *File) GetError() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

// SetError sticks err as the File's permanent error if one isn't
// already recorded. Subsequent put/get calls become no-ops that
// return this same error.
func (f *File) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err == nil {
		f.err = err
	}
}

func (f *File) write(p []byte) error {
	if err := f.GetError(); err != nil {
		return err
	}

	// A seekable file writes at the logical position, so SetBlobPos
	// moves where the next put lands.
	var err error
	if f.wa != nil {
		_, err = f.wa.WriteAt(p, int64(f.BlobPos()))
	} else {
		_, err = f.w.Write(p)
	}

	if err != nil {
		wrapped := fmt.Errorf("wire: write: %w", err)
		f.SetError(wrapped)

		return wrapped
	}

	f.mu.Lock()
	f.blobPos += uint64(len(p))
	f.mu.Unlock()

	return nil
}

func (f *File) read(n int) ([]byte, error) {
	if err := f.GetError(); err != nil {
		return nil, err
	}

	// A seekable file reads at the logical position, so SetBlobPos
	// skips bytes without reading them.
	buf := make([]byte, n)

	var err error
	if f.ra != nil {
		_, err = f.ra.ReadAt(buf, int64(f.BlobPos()))
	} else {
		_, err = io.ReadFull(f.r, buf)
	}

	if err != nil {
		wrapped := fmt.Errorf("wire: read: %w", err)
		f.SetError(wrapped)

		return nil, wrapped
	}

	f.mu.Lock()
	f.blobPos += uint64(n)
	f.mu.Unlock()

	return buf, nil
}

// PutBE64 writes u as an 8-byte big-endian word.
func (f *File) PutBE64(u uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)

	return f.write(b[:])
}

// GetBE64 reads an 8-byte big-endian word.
func (f *File) GetBE64() (uint64, error) {
	b, err := f.read(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b), nil
}

// PutByte writes a single byte.
func (f *File) PutByte(b byte) error {
	return f.write([]byte{b})
}

// GetByte reads a single byte.
func (f *File) GetByte() (byte, error) {
	b, err := f.read(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

// PutBuffer writes p verbatim.
func (f *File) PutBuffer(p []byte) error {
	return f.write(p)
}

// GetBuffer reads exactly n bytes.
func (f *File) GetBuffer(n int) ([]byte, error) {
	return f.read(n)
}

// BlobPos returns the codec's logical stream position: the number of
// bytes put/got so far. In raw mode this is what page alignment is
// computed against.
func (f *File) BlobPos() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.blobPos
}

// SetBlobPos overrides the logical stream position, used by the raw
// loader when it seeks past an mmap'd region without actually reading
// its bytes.
func (f *File) SetBlobPos(pos uint64) {
	f.mu.Lock()
	f.blobPos = pos
	f.mu.Unlock()
}

// WriteAt writes p at absolute offset pos, for RawSaver's permuted
// page order. It does not move BlobPos; callers track blob_pos
// themselves via SetBlobPos alongside positional writes.
func (f *File) WriteAt(pos uint64, p []byte) error {
	if err := f.GetError(); err != nil {
		return err
	}

	if f.wa == nil {
		return fmt.Errorf("wire: WriteAt on a non-seekable file")
	}

	if _, err := f.wa.WriteAt(p, int64(pos)); err != nil {
		wrapped := fmt.Errorf("wire: write at %d: %w", pos, err)
		f.SetError(wrapped)

		return wrapped
	}

	return nil
}

// ReadAt reads n bytes at absolute offset pos, the positional
// counterpart of WriteAt. It does not move BlobPos.
func (f *File) ReadAt(pos uint64, n int) ([]byte, error) {
	if err := f.GetError(); err != nil {
		return nil, err
	}

	if f.ra == nil {
		return nil, fmt.Errorf("wire: ReadAt on a non-seekable file")
	}

	buf := make([]byte, n)
	if _, err := f.ra.ReadAt(buf, int64(pos)); err != nil {
		wrapped := fmt.Errorf("wire: read at %d: %w", pos, err)
		f.SetError(wrapped)

		return nil, wrapped
	}

	return buf, nil
}

// PadToAlignment writes zero bytes until BlobPos is a multiple of
// align.
func (f *File) PadToAlignment(align int) error {
	pos := f.BlobPos()

	rem := int(pos) % align
	if rem == 0 {
		return nil
	}

	pad := make([]byte, align-rem)

	return f.write(pad)
}

// RateLimit reports whether writing n more bytes would exceed the
// bandwidth budget, without blocking — the non-blocking check the live
// save loop polls each page. When the budget allows the write, n tokens
// are consumed.
func (f *File) RateLimit(n int) bool {
	return !f.limiter.AllowN(time.Now(), n)
}

// WaitForUnfreeze blocks until n bytes of budget are available (or ctx
// is done), then consumes them. This is the blocking counterpart to
// RateLimit, used between live Iterate rounds so the controller waits
// for budget rather than spinning.
func (f *File) WaitForUnfreeze(ctx context.Context, n int) error {
	if err := f.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("wire: wait for unfreeze: %w", err)
	}

	return nil
}
