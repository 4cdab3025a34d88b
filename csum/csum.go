// Package csum computes the Internet checksum (RFC 1071) over buffers of any
// alignment and at any byte offset from the start of the covered header.
//
// Words are summed in host byte order, so a finalized and complemented sum
// must be stored with binary.NativeEndian to land in network order.
package csum

import (
	"encoding/binary"
	"runtime"
	"unsafe"
)

// unalignedOK reports whether the CPU handles unaligned 4-byte loads
// without penalty.
var unalignedOK = hasFastUnaligned(runtime.GOARCH)

func hasFastUnaligned(arch string) bool {
	switch arch {
	case "amd64", "386", "arm64", "ppc64le", "ppc64", "s390x":
		return true
	}
	return false
}

// Partial computes a partial checksum of b. Several partial checksums may be
// summed together and finalized with Finalize. offset is the offset of b from
// the start of the header the checksum covers; only its parity matters.
func Partial(b []byte, offset int) uint64 {
	return partial(b, offset, unalignedOK)
}

func partial(b []byte, offset int, unaligned bool) uint64 {
	var sum uint64
	odd := offset&1 != 0

	if !unaligned && len(b) > 0 {
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))

		if addr&1 != 0 {
			// The first byte lands in the second half of a word.
			sum += uint64(word(0, b[0]))
			b = b[1:]
			addr++
			odd = !odd
		}

		if addr&2 != 0 && len(b) >= 2 {
			sum += uint64(binary.NativeEndian.Uint16(b))
			b = b[2:]
		}
	}

	for len(b) >= 32 {
		sum += uint64(binary.NativeEndian.Uint32(b[0:]))
		sum += uint64(binary.NativeEndian.Uint32(b[4:]))
		sum += uint64(binary.NativeEndian.Uint32(b[8:]))
		sum += uint64(binary.NativeEndian.Uint32(b[12:]))

		sum += uint64(binary.NativeEndian.Uint32(b[16:]))
		sum += uint64(binary.NativeEndian.Uint32(b[20:]))
		sum += uint64(binary.NativeEndian.Uint32(b[24:]))
		sum += uint64(binary.NativeEndian.Uint32(b[28:]))

		b = b[32:]
	}

	// Last up to 7 words.
	switch len(b) >> 2 {
	case 7:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
		fallthrough
	case 6:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
		fallthrough
	case 5:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
		fallthrough
	case 4:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
		fallthrough
	case 3:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
		fallthrough
	case 2:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
		fallthrough
	case 1:
		sum += uint64(binary.NativeEndian.Uint32(b))
		b = b[4:]
	}

	if len(b) > 1 {
		sum += uint64(binary.NativeEndian.Uint16(b))
		b = b[2:]
	}

	if len(b) == 1 {
		sum += uint64(word(b[0], 0))
	}

	// The sum was taken as if b started at an even offset; flip odd and
	// even bytes to compensate.
	if odd {
		sum = (sum&0x00ff00ff00ff00ff)<<8 | (sum&0xff00ff00ff00ff00)>>8
	}

	return sum
}

// word returns the host-order value of the two bytes b0, b1 as stored in
// memory.
func word(b0, b1 byte) uint16 {
	return binary.NativeEndian.Uint16([]byte{b0, b1})
}

// Finalize folds a partial sum to 16 bits. The caller applies the one's
// complement where the protocol requires it.
func Finalize(sum uint64) uint16 {
	sum = sum>>32 + sum&0xffffffff
	sum = sum>>32 + sum&0xffffffff
	sum = sum>>16 + sum&0xffff
	sum = sum>>16 + sum&0xffff
	return uint16(sum)
}

// Checksum returns the complemented checksum of b, ready to be stored with
// binary.NativeEndian.
func Checksum(b []byte) uint16 {
	return ^Finalize(Partial(b, 0))
}

// PseudoHeaderIPv4 returns the partial sum of the IPv4 pseudo header.
// src and dst must be 4 bytes long.
func PseudoHeaderIPv4(src, dst []byte, proto uint8, length uint16) uint64 {
	var tail [4]byte
	tail[1] = proto
	binary.BigEndian.PutUint16(tail[2:], length)
	return Partial(src[:4], 0) + Partial(dst[:4], 0) + Partial(tail[:], 0)
}

// Valid reports whether b, including its embedded checksum field, sums to
// the all-ones value.
func Valid(b []byte) bool {
	return Finalize(Partial(b, 0)) == 0xffff
}
