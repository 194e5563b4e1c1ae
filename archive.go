// archive.go
//
// Virtual archive: one base SqPack archive plus its synthetic data file.
// Construction loads the real index and the first DatHeaderSize bytes of the
// real .dat0 through read-only memory maps, declares one more data file in
// the index, and starts a DataStream with the copied header. Every override
// registered afterwards is appended to the stream and addressed from the
// index at the packed location of its segment.

package vsqpack

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/exp/mmap"
)

// SubFile identifies which file of an archive a path or handle refers to.
type SubFile uint8

const (
	// SubFileIndex is the patched .index file.
	SubFileIndex SubFile = iota + 1
	// SubFileData is the synthetic .datN file.
	SubFileData
	// SubFileIndex2 is the .index2 file. It is recognized but never
	// virtualized, so opens fall through to the real file.
	SubFileIndex2
)

// String returns a short name for k.
func (k SubFile) String() string {
	switch k {
	case SubFileIndex:
		return "index"
	case SubFileData:
		return "data"
	case SubFileIndex2:
		return "index2"
	default:
		return fmt.Sprintf("SubFile(%d)", uint8(k))
	}
}

// VirtualArchive couples the patched index and the synthetic data stream of
// one archive.
//
// A VirtualArchive is not safe for concurrent mutation; Package holds the
// lock that serializes Add against readers.
type VirtualArchive struct {
	id ArchiveID

	index *VirtualIndex
	data  *DataStream

	// baseDatCount is the data file count the real index declared.
	baseDatCount uint32

	// datIndex is the index of the synthetic data file.
	datIndex uint32

	// paths holds lower-cased archive paths registered so far.
	paths map[string]struct{}
}

// NewVirtualArchive loads the base archive id from baseDir, laid out as
// {baseDir}/{ffxiv|exN}/{id}.win32.{index|dat0}.
//
// ErrMissingBaseArchive is returned when either file is absent and
// ErrMalformedArchive when they fail validation.
func NewVirtualArchive(baseDir string, id ArchiveID) (*VirtualArchive, error) {
	return newVirtualArchive(baseDir, id, nil)
}

func newVirtualArchive(baseDir string, id ArchiveID, files *fileCache) (*VirtualArchive, error) {
	dir := filepath.Join(baseDir, id.Dir())

	raw, err := readMapped(filepath.Join(dir, id.IndexFileName()), -1)
	if err != nil {
		return nil, err
	}
	index, err := NewVirtualIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id.IndexFileName(), err)
	}

	header, err := readMapped(filepath.Join(dir, id.DatFileName(0)), DatHeaderSize)
	if err != nil {
		return nil, err
	}
	if len(header) < DatHeaderSize {
		return nil, fmt.Errorf("%w: %s shorter than %#x bytes", ErrMalformedArchive, id.DatFileName(0), DatHeaderSize)
	}

	base := index.DatCount()
	datIndex, err := index.BumpDatCount()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	return &VirtualArchive{
		id:           id,
		index:        index,
		data:         newDataStream(header, files),
		baseDatCount: base,
		datIndex:     datIndex,
		paths:        make(map[string]struct{}),
	}, nil
}

// readMapped memory-maps path and copies out up to limit bytes (all of
// them when limit is negative).
func readMapped(path string, limit int) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingBaseArchive, path)
		}
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	defer r.Close()

	n := r.Len()
	if limit >= 0 && n > limit {
		n = limit
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, nil
}

// ID returns the archive identity.
func (a *VirtualArchive) ID() ArchiveID { return a.id }

// BaseDatCount returns the data file count declared by the real index.
func (a *VirtualArchive) BaseDatCount() uint32 { return a.baseDatCount }

// DatIndex returns the index of the synthetic data file.
func (a *VirtualArchive) DatIndex() uint32 { return a.datIndex }

// Index returns the patched index.
func (a *VirtualArchive) Index() *VirtualIndex { return a.index }

// Files returns the number of registered overrides.
func (a *VirtualArchive) Files() int { return len(a.paths) }

// Open reports whether path names one of this archive's virtual files:
// the .index file, or the synthetic .datN whose N equals DatIndex. Any
// other data file (and .index2) belongs to the real archive.
func (a *VirtualArchive) Open(path string) (SubFile, bool) {
	id, kind, dat, err := parseArchiveFileName(path)
	if err != nil || id != a.id {
		return 0, false
	}
	switch kind {
	case SubFileIndex:
		return SubFileIndex, true
	case SubFileData:
		if dat == a.datIndex {
			return SubFileData, true
		}
	}
	return 0, false
}

// Add registers the override at filePath as archivePath: the file is
// appended to the data stream and the index entry for archivePath is
// pointed at it. Registering the same archive path twice fails with
// ErrDuplicatePath and leaves the archive unchanged.
func (a *VirtualArchive) Add(filePath, archivePath string) (uint64, error) {
	h, err := HashPath(archivePath)
	if err != nil {
		return 0, err
	}

	key := strings.ToLower(NormalizePath(archivePath))
	if _, dup := a.paths[key]; dup {
		return 0, fmt.Errorf("%w: %s in %s", ErrDuplicatePath, archivePath, a.id)
	}

	// The new segment starts at the current tail; encode before appending so
	// a failure leaves the stream untouched.
	packed, err := EncodeOffset(a.datIndex, a.data.Len())
	if err != nil {
		return 0, err
	}
	off, err := a.data.Append(filePath)
	if err != nil {
		return 0, err
	}

	a.index.WriteOffset(h, packed)
	a.paths[key] = struct{}{}
	return off, nil
}

// Size returns the length of the virtual sub-file kind.
func (a *VirtualArchive) Size(kind SubFile) (uint64, error) {
	switch kind {
	case SubFileIndex:
		return a.index.Len(), nil
	case SubFileData:
		return a.data.Len(), nil
	default:
		return 0, fmt.Errorf("sub-file %s is not virtual", kind)
	}
}

// Read copies bytes of the virtual sub-file kind starting at off into p.
func (a *VirtualArchive) Read(kind SubFile, off uint64, p []byte) (int, error) {
	switch kind {
	case SubFileIndex:
		return a.index.Read(off, p)
	case SubFileData:
		return a.data.Read(off, p)
	default:
		return 0, fmt.Errorf("sub-file %s is not virtual", kind)
	}
}

