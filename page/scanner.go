// Package page implements duplicate-page detection for RAM snapshotting.
//
// A page is a "dup page" when every byte equals its first byte — the
// common case for freshly zeroed or freshly filled guest memory. Such
// pages compress to a single byte on the wire (see the wire package's
// COMPRESS flag).
package page

import "encoding/binary"

// Size is the page size assumed by the engine. It matches the
// target's TARGET_PAGE_SIZE, fixed per build.
const Size = 4096

// IsDupPage reports whether every byte of p equals p[0].
//
// p must be exactly Size bytes. The comparison is done a native word
// at a time: Size is always a multiple of 8, so splatting p[0] across
// a uint64 and comparing words is byte-exact and faster than a
// byte-at-a-time loop, without requiring platform-specific SIMD.
func IsDupPage(p []byte) bool {
	if len(p) != Size {
		return false
	}

	fill := p[0]
	if fill == 0 {
		return isZeroPage(p)
	}

	word := binary.LittleEndian.Uint64([]byte{fill, fill, fill, fill, fill, fill, fill, fill})

	for i := 0; i+8 <= len(p); i += 8 {
		if binary.LittleEndian.Uint64(p[i:i+8]) != word {
			return false
		}
	}

	return true
}

// isZeroPage is the common case (freshly allocated / discarded memory)
// split out so it reads as a direct zero-comparison rather than a
// splat-and-compare, matching how most callers actually hit it.
func isZeroPage(p []byte) bool {
	for i := 0; i+8 <= len(p); i += 8 {
		if binary.LittleEndian.Uint64(p[i:i+8]) != 0 {
			return false
		}
	}

	return true
}

// FillByte returns p[0], the byte IsDupPage verified as uniform.
// Callers must only call this after IsDupPage(p) returned true.
func FillByte(p []byte) byte {
	return p[0]
}
