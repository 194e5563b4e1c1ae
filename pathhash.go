// pathhash.go
//
// Content addressing for SqPack index entries.
// The index maps *folder hash, file hash* → *packed data location*; both
// hashes are CRC-32 (IEEE polynomial) over the lower-cased path component
// with the customary final inversion left out, a variant usually called
// "jamcrc". The game computes the same values when it looks an asset up, so
// the algorithm is fixed by the format and cannot be swapped.

package vsqpack

import (
	"fmt"
	"hash/crc32"
	"strings"
)

// PathHash is the pair of checksums that addresses an entry inside a SqPack
// index.
//
// Folder covers everything before the last slash of the asset path, File the
// final component. The zero value does not correspond to any real path
// because jamcrc of the empty string is 0xFFFFFFFF.
type PathHash struct {
	Folder uint32
	File   uint32
}

// Key returns the 64-bit sort key used by the index file table:
// folder hash in the high word, file hash in the low word.
func (h PathHash) Key() uint64 { return uint64(h.Folder)<<32 | uint64(h.File) }

// String renders the hash as "folder/file" in fixed-width hex.
func (h PathHash) String() string { return fmt.Sprintf("%08x/%08x", h.Folder, h.File) }

// HashPath computes the PathHash of an asset path such as
// "common/font/font1.tex".
//
// The path is normalized first, so "\" separators and a leading "./" are
// accepted. ErrEmptyPath is returned when nothing remains after
// normalization.
func HashPath(assetPath string) (PathHash, error) {
	p := NormalizePath(assetPath)
	if p == "" {
		return PathHash{}, fmt.Errorf("%w: %q", ErrEmptyPath, assetPath)
	}

	folder, file := splitAssetPath(p)
	return PathHash{Folder: jamcrc(folder), File: jamcrc(file)}, nil
}

// jamcrc returns the SqPack string hash of s.
func jamcrc(s string) uint32 {
	return ^crc32.ChecksumIEEE([]byte(strings.ToLower(s)))
}
