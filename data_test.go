package vsqpack

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-vsqpack/internal/sqpacktest"
)

// expectedStream rebuilds the synthetic data file from its parts.
func expectedStream(header []byte, contents ...[]byte) []byte {
	var out bytes.Buffer
	out.Write(header)
	out.Write(make([]byte, alignUp(uint64(len(header)))-uint64(len(header))))
	for _, c := range contents {
		out.Write(c)
		out.Write(make([]byte, alignUp(uint64(len(c))+FileHeaderPadding)-uint64(len(c))))
	}
	return out.Bytes()
}

func TestDataStreamAppend(t *testing.T) {
	dir := t.TempDir()
	header := sqpacktest.DatHeader()
	s := NewDataStream(header)

	assert.Equal(t, uint64(DatHeaderSize), s.Len())
	assert.Equal(t, 1, s.Segments())

	a := sqpacktest.WriteFile(t, dir, "a.bin", sqpacktest.Pattern(1, 100))
	b := sqpacktest.WriteFile(t, dir, "b.bin", sqpacktest.Pattern(2, 0x80))
	empty := sqpacktest.WriteFile(t, dir, "empty.bin", nil)

	off, err := s.Append(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(DatHeaderSize), off)

	off, err = s.Append(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(DatHeaderSize+0x180), off, "100 bytes + padding round up to 0x180")

	off, err = s.Append(empty)
	require.NoError(t, err)
	assert.Equal(t, uint64(DatHeaderSize+0x180+0x180), off)

	assert.Equal(t, uint64(DatHeaderSize+0x180+0x180+0x100), s.Len())
	assert.Equal(t, 4, s.Segments())
	assert.Zero(t, s.Len()%DatAlignment)
}

func TestDataStreamAppendRejectsNonRegular(t *testing.T) {
	s := NewDataStream(sqpacktest.DatHeader())

	_, err := s.Append(t.TempDir())
	assert.Error(t, err)

	_, err = s.Append(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 1, s.Segments(), "failed appends leave the stream unchanged")
}

func TestDataStreamHeaderPadding(t *testing.T) {
	s := NewDataStream([]byte("HDR"))
	assert.Equal(t, uint64(DatAlignment), s.Len())

	buf := make([]byte, DatAlignment)
	n, err := s.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, DatAlignment, n)
	assert.Equal(t, []byte("HDR"), buf[:3])
	assert.Equal(t, make([]byte, DatAlignment-3), buf[3:])
}

func TestDataStreamReadMatchesLayout(t *testing.T) {
	dir := t.TempDir()
	header := sqpacktest.DatHeader()
	contents := [][]byte{
		sqpacktest.Pattern(10, 1),
		sqpacktest.Pattern(20, 0x1234),
		sqpacktest.Pattern(30, 0x80),
		sqpacktest.Pattern(40, 0x400),
	}

	s := NewDataStream(header)
	for i, c := range contents {
		_, err := s.Append(sqpacktest.WriteFile(t, dir, filepath.Join("f", string(rune('a'+i))), c))
		require.NoError(t, err)
	}

	want := expectedStream(header, contents...)
	require.Equal(t, uint64(len(want)), s.Len())

	t.Run("whole stream in one read", func(t *testing.T) {
		buf := make([]byte, len(want)+100)
		n, err := s.Read(0, buf)
		require.NoError(t, err)
		assert.Equal(t, len(want), n)
		assert.Equal(t, want, buf[:n])
	})

	t.Run("every chunking", func(t *testing.T) {
		for _, chunk := range []int{1, 7, 0x80, 0x100, 0x333, 0x1000} {
			var got []byte
			buf := make([]byte, chunk)
			for off := uint64(0); off < s.Len(); {
				n, err := s.Read(off, buf)
				require.NoError(t, err)
				require.Positive(t, n)
				got = append(got, buf[:n]...)
				off += uint64(n)
			}
			assert.Equal(t, want, got, "chunk size %d", chunk)
		}
	})

	t.Run("reads spanning boundaries", func(t *testing.T) {
		for _, off := range []uint64{DatHeaderSize - 5, DatHeaderSize + 0x100 - 1, 0x1b00, s.Len() - 3} {
			buf := make([]byte, 0x300)
			n, err := s.Read(off, buf)
			require.NoError(t, err)
			end := min(off+0x300, s.Len())
			assert.Equal(t, int(end-off), n)
			assert.Equal(t, want[off:end], buf[:n], "offset %#x", off)
		}
	})
}

func TestDataStreamReadBounds(t *testing.T) {
	s := NewDataStream(sqpacktest.DatHeader())
	buf := make([]byte, 16)

	n, err := s.Read(s.Len(), buf)
	require.NoError(t, err)
	assert.Zero(t, n, "reading at the end yields nothing")

	_, err = s.Read(s.Len()+1, buf)
	assert.ErrorIs(t, err, ErrOutOfRange)

	n, err = s.Read(0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDataStreamShrunkFileReadsZero(t *testing.T) {
	dir := t.TempDir()
	path := sqpacktest.WriteFile(t, dir, "shrink.bin", sqpacktest.Pattern(5, 0x200))

	s := NewDataStream(sqpacktest.DatHeader())
	off, err := s.Append(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, sqpacktest.Pattern(5, 0x10), 0o644))

	buf := make([]byte, 0x200)
	n, err := s.Read(off, buf)
	require.NoError(t, err)
	assert.Equal(t, 0x200, n)
	assert.Equal(t, sqpacktest.Pattern(5, 0x10), buf[:0x10])
	assert.Equal(t, make([]byte, 0x1F0), buf[0x10:])
}

func TestDataStreamRemovedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := sqpacktest.WriteFile(t, dir, "gone.bin", sqpacktest.Pattern(5, 0x20))

	s := NewDataStream(sqpacktest.DatHeader())
	off, err := s.Append(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = s.Read(off, make([]byte, 0x10))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDataStreamThroughFileCache(t *testing.T) {
	dir := t.TempDir()
	files, err := newFileCache(1)
	require.NoError(t, err)
	defer files.purge()

	a := sqpacktest.Pattern(1, 0x90)
	b := sqpacktest.Pattern(2, 0x90)
	s := newDataStream(sqpacktest.DatHeader(), files)
	offA, err := s.Append(sqpacktest.WriteFile(t, dir, "a", a))
	require.NoError(t, err)
	offB, err := s.Append(sqpacktest.WriteFile(t, dir, "b", b))
	require.NoError(t, err)

	// Alternate between the files so the single cache slot keeps evicting.
	buf := make([]byte, 0x90)
	for range 5 {
		_, err := s.Read(offA, buf)
		require.NoError(t, err)
		assert.Equal(t, a, buf)
		_, err = s.Read(offB, buf)
		require.NoError(t, err)
		assert.Equal(t, b, buf)
	}
}
