package vsqpack

import "errors"

// Sentinel errors returned by the overlay engine. Callers match them with
// errors.Is; most are wrapped with the offending path or value.
var (
	// ErrDiscoveryIO means walking the override root failed. Discovery is
	// all-or-nothing, so the package under construction is discarded.
	ErrDiscoveryIO = errors.New("vsqpack: override discovery failed")

	// ErrMissingBaseArchive means an override maps to an archive whose real
	// .index or .dat0 file does not exist under the SqPack directory.
	ErrMissingBaseArchive = errors.New("vsqpack: base archive missing")

	// ErrMalformedArchive means a base .index or .dat0 file failed
	// structural validation.
	ErrMalformedArchive = errors.New("vsqpack: malformed base archive")

	// ErrUnrecognizedCategory means the leading segment of an asset path is
	// not a known SqPack category folder.
	ErrUnrecognizedCategory = errors.New("vsqpack: unrecognized category")

	// ErrMalformedArchiveName means a file name does not follow the
	// "rrxxpp.win32.{index|datN}" pattern.
	ErrMalformedArchiveName = errors.New("vsqpack: malformed archive file name")

	// ErrEmptyPath means an asset path was empty after normalization.
	ErrEmptyPath = errors.New("vsqpack: empty asset path")

	// ErrOffsetNotAligned means a raw data offset cannot be packed because
	// it is not a multiple of DatAlignment.
	ErrOffsetNotAligned = errors.New("vsqpack: data offset not aligned")

	// ErrOffsetOverflow means a raw data offset does not fit the 32-bit
	// packed representation.
	ErrOffsetOverflow = errors.New("vsqpack: data offset overflows packed field")

	// ErrTooManyDataFiles means the synthetic data file index would not fit
	// the three bits the index format reserves for it.
	ErrTooManyDataFiles = errors.New("vsqpack: too many data files")

	// ErrDuplicatePath means the same archive-relative path was registered
	// twice in one archive.
	ErrDuplicatePath = errors.New("vsqpack: duplicate override path")

	// ErrOutOfRange means a read or seek addressed bytes past the end of a
	// virtual file.
	ErrOutOfRange = errors.New("vsqpack: offset out of range")

	// ErrUnsupportedSeekMode means a seek used a mode other than io.SeekStart.
	ErrUnsupportedSeekMode = errors.New("vsqpack: unsupported seek mode")

	// ErrUnknownHandle means the handle was never issued or is already closed.
	ErrUnknownHandle = errors.New("vsqpack: unknown handle")

	// ErrUnknownArchive means no virtual archive is registered for an identity.
	ErrUnknownArchive = errors.New("vsqpack: unknown archive")

	// ErrHandlesExhausted means every identifier in the reserved handle range
	// is in use.
	ErrHandlesExhausted = errors.New("vsqpack: handle range exhausted")

	// ErrInvalidHandleRange means the configured reserved handle range is
	// empty, overflows, or contains a value the host treats as special.
	ErrInvalidHandleRange = errors.New("vsqpack: invalid handle range")

	// ErrClosed means the overlay was already closed.
	ErrClosed = errors.New("vsqpack: overlay closed")
)
