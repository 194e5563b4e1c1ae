package vsqpack

import (
	"fmt"
	"math"
)

const (
	// DatAlignment is the granularity of data file offsets. The packed
	// location keeps the data file index in bits 1..3, so the raw offset
	// shifted right by three must leave those bits (and the flag bit) clear.
	DatAlignment = 0x80

	// DatHeaderSize is the number of leading bytes of the base .dat0 that
	// the synthetic data file reproduces verbatim.
	DatHeaderSize = 0x800

	// FileHeaderPadding is reserved behind every override file in the
	// synthetic data file.
	FileHeaderPadding = 0x100

	// maxDatIndex is the largest data file index the 3-bit field can hold.
	maxDatIndex = 7
)

// EncodeOffset packs a data file index and a raw byte offset into the
// 32-bit location stored in index file entries:
//
//	packed = (dat << 1) | (raw >> 3)
//
// Bit 0 stays zero. raw must be a multiple of DatAlignment so the two
// fields never overlap.
func EncodeOffset(dat uint32, raw uint64) (uint32, error) {
	if dat > maxDatIndex {
		return 0, fmt.Errorf("%w: dat%d", ErrTooManyDataFiles, dat)
	}
	if raw%DatAlignment != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrOffsetNotAligned, raw)
	}
	if raw>>3 > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %#x", ErrOffsetOverflow, raw)
	}
	return dat<<1 | uint32(raw>>3), nil
}

// DecodeOffset splits a packed location into its data file index and raw
// byte offset.
func DecodeOffset(packed uint32) (dat uint32, raw uint64) {
	return (packed >> 1) & maxDatIndex, uint64(packed&^0xF) << 3
}

// alignUp rounds n up to the next multiple of DatAlignment.
func alignUp(n uint64) uint64 {
	return (n + DatAlignment - 1) &^ (DatAlignment - 1)
}
