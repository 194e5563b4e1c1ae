// index.go
//
// SqPack index patcher.
// An index file maps *path hash* → *packed data location*. The virtual
// index keeps a private copy of the real index bytes and edits that copy in
// place: the data file count grows by one to declare the synthetic data
// file, and each override gets an entry pointing into it. Entries that do
// not exist yet are inserted in sorted order, shifting every later table
// and the folder ranges that describe them.
//
// Layout (little-endian):
//   - 0x000: SqPack header, size at +0x0C, file type at +0x14, SHA-1 at +0x3C0
//   - hdr:   index header; four segment descriptors {offset, size, digest}
//     for files (+0x08), synonyms (+0x54), empty blocks (+0x9C) and folders
//     (+0xE4); data file count at +0x50; header SHA-1 at +0x3C0
//   - files:   16-byte {file hash, folder hash, packed offset, pad} sorted by
//     folder<<32 | file
//   - folders: 16-byte {folder hash, first file entry offset, byte size, pad}
//     sorted by folder hash

package vsqpack

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
)

const (
	sqpackMagic        = "SqPack\x00\x00"
	sqpackHeaderSizeAt = 0x0C
	sqpackTypeAt       = 0x14
	sqpackTypeData     = 1
	sqpackTypeIndex    = 2

	// headerDigestAt is where a 0x400-byte header block stores the SHA-1 of
	// its first headerDigestAt bytes.
	headerDigestAt = 0x3C0

	indexHeaderSize = 0x400
	indexDatCountAt = 0x50

	indexEntrySize = 16
	digestSlotSize = 64
)

// segmentDesc locates one segment descriptor inside the index header.
type segmentDesc struct {
	offsetAt int
	sizeAt   int
	digestAt int
}

var (
	filesSegment   = segmentDesc{offsetAt: 0x08, sizeAt: 0x0C, digestAt: 0x10}
	synonymSegment = segmentDesc{offsetAt: 0x54, sizeAt: 0x58, digestAt: 0x5C}
	emptySegment   = segmentDesc{offsetAt: 0x9C, sizeAt: 0xA0, digestAt: 0xA4}
	folderSegment  = segmentDesc{offsetAt: 0xE4, sizeAt: 0xE8, digestAt: 0xEC}

	indexSegments = [...]segmentDesc{filesSegment, synonymSegment, emptySegment, folderSegment}
)

// VirtualIndex is an editable in-memory copy of a SqPack index file.
//
// A VirtualIndex is not safe for concurrent mutation; the owning Package
// serializes writers and lets readers share it once discovery is complete.
type VirtualIndex struct {
	// buf holds the complete, patched index file.
	buf []byte

	// hdr is the absolute offset of the index header (the SqPack header
	// size recorded in the file).
	hdr int

	// bumped records that the synthetic data file has been declared.
	bumped bool

	// dirty is set by every mutation and cleared by Seal.
	dirty bool
}

// NewVirtualIndex validates raw as a SqPack index and returns an editable
// copy. raw itself is not retained.
func NewVirtualIndex(raw []byte) (*VirtualIndex, error) {
	if len(raw) < 0x20 || !bytes.Equal(raw[:len(sqpackMagic)], []byte(sqpackMagic)) {
		return nil, fmt.Errorf("%w: bad SqPack magic", ErrMalformedArchive)
	}
	if typ := binary.LittleEndian.Uint32(raw[sqpackTypeAt:]); typ != sqpackTypeIndex {
		return nil, fmt.Errorf("%w: file type %d is not an index", ErrMalformedArchive, typ)
	}

	hdr := int(binary.LittleEndian.Uint32(raw[sqpackHeaderSizeAt:]))
	if hdr < 0x20 || hdr+indexHeaderSize > len(raw) {
		return nil, fmt.Errorf("%w: index header out of bounds", ErrMalformedArchive)
	}

	v := &VirtualIndex{buf: bytes.Clone(raw), hdr: hdr}
	for _, d := range indexSegments {
		off, size := v.segment(d)
		if off+size > len(v.buf) {
			return nil, fmt.Errorf("%w: segment at %#x+%#x exceeds file", ErrMalformedArchive, off, size)
		}
	}

	filesOff, filesSize := v.segment(filesSegment)
	folderOff, folderSize := v.segment(folderSegment)
	if filesSize%indexEntrySize != 0 || folderSize%indexEntrySize != 0 {
		return nil, fmt.Errorf("%w: table size not a multiple of %d", ErrMalformedArchive, indexEntrySize)
	}
	if folderSize > 0 && filesSize > 0 && filesOff+filesSize > folderOff {
		return nil, fmt.Errorf("%w: folder table precedes file table", ErrMalformedArchive)
	}

	return v, nil
}

// Len returns the current size of the patched index in bytes.
func (v *VirtualIndex) Len() uint64 { return uint64(len(v.buf)) }

// DatCount returns the number of data files the index declares.
func (v *VirtualIndex) DatCount() uint32 { return v.u32(v.hdr + indexDatCountAt) }

// BumpDatCount declares one more data file and returns the new count.
//
// The call is idempotent: the count is raised at most once per index, and
// later calls return the already-raised value. The new count doubles as the
// synthetic data file index, so it must fit the 3-bit location field.
func (v *VirtualIndex) BumpDatCount() (uint32, error) {
	if v.bumped {
		return v.DatCount(), nil
	}

	n := v.DatCount() + 1
	if n > maxDatIndex {
		return 0, fmt.Errorf("%w: index already declares %d", ErrTooManyDataFiles, n-1)
	}
	v.putU32(v.hdr+indexDatCountAt, n)
	v.bumped = true
	v.dirty = true
	return n, nil
}

// Lookup returns the packed location stored for h.
func (v *VirtualIndex) Lookup(h PathHash) (packed uint32, found bool) {
	pos, ok := v.findFile(h.Key())
	if !ok {
		return 0, false
	}
	return v.u32(pos + 8), true
}

// WriteOffset stores packed as the location of the entry addressed by h,
// inserting the entry (and its folder record) when the base index does not
// contain it yet.
func (v *VirtualIndex) WriteOffset(h PathHash, packed uint32) {
	v.dirty = true

	pos, ok := v.findFile(h.Key())
	if ok {
		v.putU32(pos+8, packed)
		return
	}

	var entry [indexEntrySize]byte
	binary.LittleEndian.PutUint32(entry[0:], h.File)
	binary.LittleEndian.PutUint32(entry[4:], h.Folder)
	binary.LittleEndian.PutUint32(entry[8:], packed)
	v.insert(pos, entry[:], filesSegment)
	v.extendFolder(h.Folder, pos)
}

// Seal refreshes the SHA-1 digests of the mutated tables and of the index
// header. It is a no-op when nothing changed since the last call.
func (v *VirtualIndex) Seal() {
	if !v.dirty {
		return
	}

	for _, d := range []segmentDesc{filesSegment, folderSegment} {
		off, size := v.segment(d)
		slot := v.buf[v.hdr+d.digestAt : v.hdr+d.digestAt+digestSlotSize]
		clear(slot)
		if size == 0 {
			continue
		}
		sum := sha1.Sum(v.buf[off : off+size])
		copy(slot, sum[:])
	}

	sum := sha1.Sum(v.buf[v.hdr : v.hdr+headerDigestAt])
	copy(v.buf[v.hdr+headerDigestAt:], sum[:])
	v.dirty = false
}

// Read copies index bytes starting at off into p and returns the number of
// bytes copied. Reading exactly at the end yields 0 bytes and no error;
// starting past the end is ErrOutOfRange.
func (v *VirtualIndex) Read(off uint64, p []byte) (int, error) {
	if off > uint64(len(v.buf)) {
		return 0, fmt.Errorf("%w: index offset %#x, length %#x", ErrOutOfRange, off, len(v.buf))
	}
	return copy(p, v.buf[off:]), nil
}

// findFile binary-searches the file table. When key is absent the returned
// position is where it would have to be inserted.
func (v *VirtualIndex) findFile(key uint64) (pos int, found bool) {
	off, size := v.segment(filesSegment)
	n := size / indexEntrySize
	i := sort.Search(n, func(i int) bool { return v.fileKey(off+i*indexEntrySize) >= key })
	pos = off + i*indexEntrySize
	return pos, i < n && v.fileKey(pos) == key
}

// fileKey returns the sort key of the file entry at pos.
func (v *VirtualIndex) fileKey(pos int) uint64 {
	return uint64(v.u32(pos+4))<<32 | uint64(v.u32(pos))
}

// extendFolder accounts for a file entry inserted at pos: the owning folder
// range grows by one entry (or is created), and every folder range that
// starts at or after pos moves back by one entry.
func (v *VirtualIndex) extendFolder(folder uint32, pos int) {
	off, size := v.segment(folderSegment)

	found := false
	for e := off; e < off+size; e += indexEntrySize {
		if v.u32(e) == folder {
			v.putU32(e+8, v.u32(e+8)+indexEntrySize)
			found = true
			continue
		}
		if start := v.u32(e + 4); int(start) >= pos {
			v.putU32(e+4, start+indexEntrySize)
		}
	}
	if found {
		return
	}

	n := size / indexEntrySize
	i := sort.Search(n, func(i int) bool { return v.u32(off+i*indexEntrySize) >= folder })

	var entry [indexEntrySize]byte
	binary.LittleEndian.PutUint32(entry[0:], folder)
	binary.LittleEndian.PutUint32(entry[4:], uint32(pos))
	binary.LittleEndian.PutUint32(entry[8:], indexEntrySize)
	v.insert(off+i*indexEntrySize, entry[:], folderSegment)
}

// insert splices data into the buffer at pos, growing the segment described
// by grow and moving every segment that starts after pos. A segment starting
// exactly at pos moves only when it follows grow in file order; empty
// segments can share an offset with their neighbour.
func (v *VirtualIndex) insert(pos int, data []byte, grow segmentDesc) {
	v.buf = slices.Insert(v.buf, pos, data...)

	after := false
	for _, d := range indexSegments {
		if d == grow {
			after = true
			continue
		}
		off := v.u32(v.hdr + d.offsetAt)
		if int(off) > pos || (int(off) == pos && after) {
			v.putU32(v.hdr+d.offsetAt, off+uint32(len(data)))
		}
	}
	v.putU32(v.hdr+grow.sizeAt, v.u32(v.hdr+grow.sizeAt)+uint32(len(data)))
}

// segment returns the absolute offset and size of a segment.
func (v *VirtualIndex) segment(d segmentDesc) (off, size int) {
	return int(v.u32(v.hdr + d.offsetAt)), int(v.u32(v.hdr + d.sizeAt))
}

func (v *VirtualIndex) u32(at int) uint32 { return binary.LittleEndian.Uint32(v.buf[at:]) }

func (v *VirtualIndex) putU32(at int, x uint32) { binary.LittleEndian.PutUint32(v.buf[at:], x) }
