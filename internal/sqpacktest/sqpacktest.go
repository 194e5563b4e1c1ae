// Package sqpacktest builds small SqPack archives on disk for tests.
//
// The fixtures are structurally valid: a 0x400-byte SqPack header, an index
// header with the four segment descriptors, a sorted file table and the
// folder table describing it. Digests are left zero.
package sqpacktest

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	headerSize     = 0x400
	indexTypeValue = 2
	dataTypeValue  = 1
	entrySize      = 16

	// DatHeaderSize is the number of .dat0 bytes the overlay copies.
	DatHeaderSize = 0x800

	// FilesOffset is where the file table of a built index starts.
	FilesOffset = 2 * headerSize
)

// Entry is one file entry of a fixture index.
type Entry struct {
	// Path is hashed into the entry's folder and file hashes.
	Path string

	// Packed is the stored data location.
	Packed uint32
}

// Index describes a fixture index file.
type Index struct {
	// DatCount is the number of data files the index declares.
	DatCount uint32

	Entries []Entry

	// Synonyms is the number of 16-byte filler records placed between the
	// file and folder tables.
	Synonyms int
}

// Hash returns the folder and file hashes of an asset path.
func Hash(assetPath string) (folder, file uint32) {
	p := strings.ToLower(strings.ReplaceAll(assetPath, `\`, "/"))
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return jamcrc(""), jamcrc(p)
	}
	return jamcrc(p[:i]), jamcrc(p[i+1:])
}

func jamcrc(s string) uint32 { return ^crc32.ChecksumIEEE([]byte(s)) }

type fileRecord struct {
	folder, file, packed uint32
}

// Bytes serializes the index.
func (ix Index) Bytes() []byte {
	recs := make([]fileRecord, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		folder, file := Hash(e.Path)
		recs = append(recs, fileRecord{folder: folder, file: file, packed: e.Packed})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].folder != recs[j].folder {
			return recs[i].folder < recs[j].folder
		}
		return recs[i].file < recs[j].file
	})

	filesSize := len(recs) * entrySize
	synOff := FilesOffset + filesSize
	synSize := ix.Synonyms * entrySize
	emptyOff := synOff + synSize

	type folderRecord struct {
		hash  uint32
		start int
		size  int
	}
	var folders []folderRecord
	for i, r := range recs {
		if n := len(folders); n > 0 && folders[n-1].hash == r.folder {
			folders[n-1].size += entrySize
			continue
		}
		folders = append(folders, folderRecord{hash: r.folder, start: FilesOffset + i*entrySize, size: entrySize})
	}
	folderOff := emptyOff
	folderSize := len(folders) * entrySize

	buf := make([]byte, folderOff+folderSize)
	copy(buf, "SqPack\x00\x00")
	le := binary.LittleEndian
	le.PutUint32(buf[0x0C:], headerSize)
	le.PutUint32(buf[0x14:], indexTypeValue)

	hdr := buf[headerSize:]
	le.PutUint32(hdr[0x00:], headerSize)
	le.PutUint32(hdr[0x08:], FilesOffset)
	le.PutUint32(hdr[0x0C:], uint32(filesSize))
	le.PutUint32(hdr[0x50:], ix.DatCount)
	le.PutUint32(hdr[0x54:], uint32(synOff))
	le.PutUint32(hdr[0x58:], uint32(synSize))
	le.PutUint32(hdr[0x9C:], uint32(emptyOff))
	le.PutUint32(hdr[0xE4:], uint32(folderOff))
	le.PutUint32(hdr[0xE8:], uint32(folderSize))

	for i, r := range recs {
		e := buf[FilesOffset+i*entrySize:]
		le.PutUint32(e[0:], r.file)
		le.PutUint32(e[4:], r.folder)
		le.PutUint32(e[8:], r.packed)
	}
	for i := range ix.Synonyms {
		e := buf[synOff+i*entrySize:]
		for j := range entrySize {
			e[j] = 0xEE
		}
	}
	for i, f := range folders {
		e := buf[folderOff+i*entrySize:]
		le.PutUint32(e[0:], f.hash)
		le.PutUint32(e[4:], uint32(f.start))
		le.PutUint32(e[8:], uint32(f.size))
	}
	return buf
}

// DatHeader returns the first DatHeaderSize bytes of a fixture .dat0. The
// bytes after the SqPack magic follow a pattern so copies are recognizable.
func DatHeader() []byte {
	buf := make([]byte, DatHeaderSize)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	copy(buf, "SqPack\x00\x00")
	binary.LittleEndian.PutUint32(buf[0x0C:], headerSize)
	binary.LittleEndian.PutUint32(buf[0x14:], dataTypeValue)
	return buf
}

// WriteArchive writes {sqpackDir}/{expansionDir}/{id}.win32.index and a
// .dat0 made of DatHeader followed by some content, creating directories as
// needed. It returns the index path.
func WriteArchive(tb testing.TB, sqpackDir, expansionDir, id string, ix Index) string {
	tb.Helper()

	dir := filepath.Join(sqpackDir, expansionDir)
	require.NoError(tb, os.MkdirAll(dir, 0o755))

	indexPath := filepath.Join(dir, id+".win32.index")
	require.NoError(tb, os.WriteFile(indexPath, ix.Bytes(), 0o644))

	dat := append(DatHeader(), make([]byte, 0x400)...)
	require.NoError(tb, os.WriteFile(filepath.Join(dir, id+".win32.dat0"), dat, 0o644))
	return indexPath
}

// WriteFile writes content to root/rel, creating parent directories, and
// returns the absolute path.
func WriteFile(tb testing.TB, root, rel string, content []byte) string {
	tb.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(tb, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(tb, os.WriteFile(p, content, 0o644))
	return p
}

// Pattern returns n bytes derived from seed, distinct for distinct seeds.
func Pattern(seed byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}
