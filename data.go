// data.go
//
// Synthetic data file for one archive.
// The stream is a sequence of *segments keyed by start offset*: a header
// segment copied from the real .dat0, then one segment per override file in
// registration order. Reads that cross a segment boundary are stitched
// together transparently, which is what lets the game read a header and the
// first bytes of an asset in one request.
//
// Override content is never loaded eagerly; file segments remember the path
// and the size observed at registration and read through the shared
// fileCache on demand. Bytes between the end of the content and the end of
// the segment (the per-file padding plus alignment) read as zero.

package vsqpack

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/btree"
)

// segmentKind distinguishes header and file segments.
type segmentKind uint8

const (
	segmentHeader segmentKind = iota
	segmentFile
)

// segment is one contiguous region of a DataStream.
type segment struct {
	// start is the absolute offset of the first byte; always a multiple of
	// DatAlignment.
	start uint64

	// size is the number of bytes the segment occupies in the stream,
	// padding included.
	size uint64

	kind segmentKind

	// header holds the bytes of a header segment.
	header []byte

	// path and contentSize describe a file segment. Bytes at or beyond
	// contentSize read as zero.
	path        string
	contentSize uint64
}

// DataStream is the logical byte stream of a synthetic data file.
//
// A DataStream is not safe for concurrent mutation. Concurrent Read calls
// are safe once all Append calls have returned.
type DataStream struct {
	segments *btree.BTreeG[*segment]

	// size is the total stream length, equal to the end of the last segment.
	size uint64

	// files supplies descriptors for file segments; nil opens per read.
	files *fileCache
}

// NewDataStream returns a stream whose only segment is a copy of header,
// placed at offset 0. The segment is zero-padded to DatAlignment.
func NewDataStream(header []byte) *DataStream {
	return newDataStream(header, nil)
}

func newDataStream(header []byte, files *fileCache) *DataStream {
	s := &DataStream{
		segments: btree.NewBTreeGOptions(func(a, b *segment) bool {
			return a.start < b.start
		}, btree.Options{NoLocks: true}),
		files: files,
	}

	h := &segment{
		start:  0,
		size:   alignUp(uint64(len(header))),
		kind:   segmentHeader,
		header: append([]byte(nil), header...),
	}
	s.segments.Set(h)
	s.size = h.size
	return s
}

// Len returns the stream length in bytes.
func (s *DataStream) Len() uint64 { return s.size }

// Segments returns the number of segments, header included.
func (s *DataStream) Segments() int { return s.segments.Len() }

// Append registers the file at path as a new tail segment and returns the
// offset at which its content begins. The segment occupies the file's
// current size plus FileHeaderPadding, rounded up to DatAlignment.
func (s *DataStream) Append(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat override: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("override %s is not a regular file", path)
	}

	seg := &segment{
		start:       s.size,
		size:        alignUp(uint64(fi.Size()) + FileHeaderPadding),
		kind:        segmentFile,
		path:        path,
		contentSize: uint64(fi.Size()),
	}
	s.segments.Set(seg)
	s.size += seg.size
	return seg.start, nil
}

// Read copies stream bytes starting at off into p and returns the number of
// bytes copied. A request spanning several segments is filled from each in
// ascending order. Reads are truncated at the end of the stream; reading
// exactly at the end returns 0 and no error, starting past it is
// ErrOutOfRange.
func (s *DataStream) Read(off uint64, p []byte) (int, error) {
	if off > s.size {
		return 0, fmt.Errorf("%w: data offset %#x, length %#x", ErrOutOfRange, off, s.size)
	}
	end := min(off+uint64(len(p)), s.size)
	if end == off {
		return 0, nil
	}

	// The segment containing off is the last one starting at or before it.
	var first *segment
	s.segments.Descend(&segment{start: off}, func(seg *segment) bool {
		first = seg
		return false
	})
	if first == nil {
		return 0, fmt.Errorf("%w: no segment covers %#x", ErrOutOfRange, off)
	}

	var (
		n       uint64
		readErr error
	)
	s.segments.Ascend(first, func(seg *segment) bool {
		pos := off + n
		if pos >= end {
			return false
		}
		within := pos - seg.start
		want := min(end-pos, seg.size-within)

		if err := s.readSegment(seg, within, p[n:n+want]); err != nil {
			readErr = err
			return false
		}
		n += want
		return true
	})
	if readErr != nil {
		return int(n), readErr
	}
	return int(n), nil
}

// readSegment fills p with the bytes of seg starting at within. p never
// extends past the end of the segment.
func (s *DataStream) readSegment(seg *segment, within uint64, p []byte) error {
	var content []byte
	switch seg.kind {
	case segmentHeader:
		if within < uint64(len(seg.header)) {
			content = seg.header[within:]
		}
		c := copy(p, content)
		clear(p[c:])
		return nil
	case segmentFile:
		c := 0
		if within < seg.contentSize {
			want := min(uint64(len(p)), seg.contentSize-within)
			var err error
			c, err = s.readFile(seg.path, int64(within), p[:want])
			if err != nil {
				return err
			}
		}
		clear(p[c:])
		return nil
	default:
		return fmt.Errorf("unknown segment kind %d", seg.kind)
	}
}

// readFile reads override bytes at off. A file that shrank after
// registration yields a short count rather than an error; the caller
// zero-fills the remainder.
func (s *DataStream) readFile(path string, off int64, p []byte) (int, error) {
	var (
		f       *os.File
		release func()
		err     error
	)
	if s.files != nil {
		f, release, err = s.files.acquire(path)
	} else {
		f, err = os.Open(path)
		release = func() { _ = f.Close() }
	}
	if err != nil {
		return 0, fmt.Errorf("open override: %w", err)
	}
	defer release()

	n, err := f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read override %s: %w", path, err)
	}
	return n, nil
}
