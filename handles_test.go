package vsqpack

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-vsqpack/internal/sqpacktest"
)

// newTestOverlay returns an overlay over the test layout with two overrides
// in the common archive.
func newTestOverlay(t *testing.T, opts Options) (*Overlay, testLayout) {
	t.Helper()
	l := newTestLayout(t)
	l.override(t, "common/font/font1.tex", sqpacktest.Pattern(1, 0x1234))
	l.override(t, "common/font/font2.tex", sqpacktest.Pattern(2, 0x77))

	ov, err := Open(l.sqpack, l.overrides, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ov.Close() })
	return ov, l
}

func TestHandleTableOpenPassThrough(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()

	for _, p := range []string{
		l.path("ffxiv", "000000.win32.dat0"),
		l.path("ex1", "020101.win32.index"),
		l.path("ffxiv", "000000.win32.index2"),
		"/etc/hostname",
	} {
		h, ok, err := table.Open(p)
		require.NoError(t, err, p)
		assert.False(t, ok, p)
		assert.Zero(t, h, p)
	}
	assert.Zero(t, table.Len())
}

func TestHandleTableDisjointFromProbes(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()

	// Identifiers an OS hands out for real files.
	probes := map[Handle]struct{}{0: {}, Handle(math.MaxUint64): {}}
	for i := range 4096 {
		probes[Handle(i*4)] = struct{}{}
	}

	seen := make(map[Handle]struct{}, 10000)
	for i := range 10000 {
		name := "000000.win32.index"
		if i%2 == 1 {
			name = "000000.win32.dat2"
		}
		h, ok, err := table.Open(l.path("ffxiv", name))
		require.NoError(t, err)
		require.True(t, ok)

		_, dup := seen[h]
		require.False(t, dup, "handle %s issued twice", h)
		seen[h] = struct{}{}

		_, collides := probes[h]
		require.False(t, collides, "handle %s collides with a real handle", h)
		require.GreaterOrEqual(t, uint64(h), DefaultHandleBase)
		require.Less(t, uint64(h), DefaultHandleBase+DefaultHandleSpan)
		require.True(t, table.IsVirtual(h))
	}
	assert.Equal(t, 10000, table.Len())

	for p := range probes {
		assert.False(t, table.IsVirtual(p))
	}
}

func TestHandleTableSequentialReads(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()
	pkg := ov.Package()

	path := l.path("ffxiv", "000000.win32.dat2")
	id, kind, ok := pkg.Resolve(path)
	require.True(t, ok)
	size, err := pkg.Size(id, kind)
	require.NoError(t, err)

	want := make([]byte, size)
	_, err = pkg.Read(id, kind, 0, want)
	require.NoError(t, err)

	h, ok, err := table.Open(path)
	require.NoError(t, err)
	require.True(t, ok)
	defer table.Close(h)

	// Odd chunk sizes force reads across every segment boundary.
	var got bytes.Buffer
	buf := make([]byte, 0x155)
	for {
		n, err := table.Read(h, buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		got.Write(buf[:n])
	}
	assert.Equal(t, want, got.Bytes())

	n, err := table.Read(h, buf)
	require.NoError(t, err)
	assert.Zero(t, n, "reads at end of file keep returning zero")
}

func TestHandleTableSeekThenRead(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()

	h, ok, err := table.Open(l.path("ffxiv", "000000.win32.dat2"))
	require.NoError(t, err)
	require.True(t, ok)
	defer table.Close(h)

	// Segment boundaries: header end, font1 start, font1 content end,
	// font2 start, stream end.
	font1End := uint64(DatHeaderSize + 0x1234)
	font2Start := uint64(DatHeaderSize) + alignUp(0x1234+FileHeaderPadding)
	size := font2Start + alignUp(0x77+FileHeaderPadding)

	for _, off := range []uint64{0, DatHeaderSize - 1, DatHeaderSize, font1End - 2, font1End, font2Start - 1, font2Start, size - 1} {
		want := make([]byte, 0x40)
		wantN, err := table.ReadAt(h, want, int64(off))
		require.NoError(t, err)

		pos, err := table.Seek(h, int64(off), io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, int64(off), pos)

		got := make([]byte, 0x40)
		n, err := table.Read(h, got)
		require.NoError(t, err)
		assert.Equal(t, wantN, n, "offset %#x", off)
		assert.Equal(t, want[:wantN], got[:n], "offset %#x", off)
	}

	// ReadAt leaves the cursor alone.
	_, err = table.Seek(h, DatHeaderSize, io.SeekStart)
	require.NoError(t, err)
	_, err = table.ReadAt(h, make([]byte, 8), 0)
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = table.Read(h, got)
	require.NoError(t, err)
	assert.Equal(t, sqpacktest.Pattern(1, 4), got)
}

func TestHandleTableSeekErrors(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()

	h, ok, err := table.Open(l.path("ffxiv", "000000.win32.index"))
	require.NoError(t, err)
	require.True(t, ok)
	defer table.Close(h)

	_, err = table.Seek(h, 0x10, io.SeekStart)
	require.NoError(t, err)

	for _, whence := range []int{io.SeekCurrent, io.SeekEnd, 42} {
		_, err := table.Seek(h, 4, whence)
		assert.ErrorIs(t, err, ErrUnsupportedSeekMode, "whence %d", whence)
	}

	_, err = table.Seek(h, -1, io.SeekStart)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// The cursor is still where the last successful seek put it.
	got := make([]byte, 4)
	_, err = table.Read(h, got)
	require.NoError(t, err)
	want := make([]byte, 4)
	_, err = table.ReadAt(h, want, 0x10)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = table.ReadAt(h, got, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestHandleTableSeekPastEnd(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()
	path := l.path("ffxiv", "000000.win32.index")

	id, kind, _ := ov.Package().Resolve(path)
	size, err := ov.Package().Size(id, kind)
	require.NoError(t, err)

	h, ok, err := table.Open(path)
	require.NoError(t, err)
	require.True(t, ok)
	defer table.Close(h)

	_, err = table.Seek(h, int64(size), io.SeekStart)
	require.NoError(t, err)
	n, err := table.Read(h, make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = table.Seek(h, int64(size)+1, io.SeekStart)
	require.NoError(t, err, "seeking past the end is allowed")
	_, err = table.Read(h, make([]byte, 8))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestHandleTableClose(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()

	h, ok, err := table.Open(l.path("ffxiv", "000000.win32.index"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, table.Close(h))
	assert.False(t, table.IsVirtual(h))
	assert.ErrorIs(t, table.Close(h), ErrUnknownHandle)

	_, err = table.Read(h, make([]byte, 1))
	assert.ErrorIs(t, err, ErrUnknownHandle)
	_, err = table.ReadAt(h, make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	_, err = table.Seek(h, 0, io.SeekStart)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	assert.ErrorIs(t, table.Close(Handle(3)), ErrUnknownHandle)
}

func TestHandleTableWrapAndExhaustion(t *testing.T) {
	var logs bytes.Buffer
	ov, l := newTestOverlay(t, Options{
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
		HandleBase: 0x1000,
		HandleSpan: 4,
	})
	table := ov.Handles()
	path := l.path("ffxiv", "000000.win32.index")

	var hs []Handle
	for range 4 {
		h, ok, err := table.Open(path)
		require.NoError(t, err)
		require.True(t, ok)
		hs = append(hs, h)
	}
	assert.Equal(t, []Handle{0x1000, 0x1001, 0x1002, 0x1003}, hs)
	assert.Contains(t, logs.String(), "virtual handle range wrapped")

	_, _, err := table.Open(path)
	assert.ErrorIs(t, err, ErrHandlesExhausted)

	// A released identifier is reused; live ones are skipped.
	require.NoError(t, table.Close(0x1002))
	h, ok, err := table.Open(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Handle(0x1002), h)

	assert.Equal(t, 1, bytes.Count(logs.Bytes(), []byte("virtual handle range wrapped")), "wrap is reported once")
}

func TestNewHandleTableInvalidRange(t *testing.T) {
	ranges := []struct {
		name       string
		base, span uint64
	}{
		{name: "empty", base: 0x1000, span: 0},
		{name: "contains zero", base: 0, span: 16},
		{name: "reaches invalid handle", base: math.MaxUint64 - 4, span: 5},
		{name: "overflows", base: math.MaxUint64 - 4, span: 100},
	}

	for _, tt := range ranges {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandleTable(nil, Options{HandleBase: tt.base, HandleSpan: tt.span})
			assert.ErrorIs(t, err, ErrInvalidHandleRange)
		})
	}

	_, err := NewHandleTable(nil, Options{HandleBase: math.MaxUint64 - 5, HandleSpan: 4})
	assert.NoError(t, err)
}

func TestHandleTableConcurrent(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()
	pkg := ov.Package()

	paths := []string{l.path("ffxiv", "000000.win32.index"), l.path("ffxiv", "000000.win32.dat2")}
	wants := make([][]byte, len(paths))
	for i, p := range paths {
		id, kind, ok := pkg.Resolve(p)
		require.True(t, ok)
		size, err := pkg.Size(id, kind)
		require.NoError(t, err)
		wants[i] = make([]byte, size)
		_, err = pkg.Read(id, kind, 0, wants[i])
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				which := (w + i) % len(paths)
				h, ok, err := table.Open(paths[which])
				if !assert.NoError(t, err) || !assert.True(t, ok) {
					return
				}
				got, err := io.ReadAll(handleReader{table, h})
				assert.NoError(t, err)
				assert.Equal(t, wants[which], got)
				assert.NoError(t, table.Close(h))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, table.Len())
}

// handleReader adapts a handle to io.Reader.
type handleReader struct {
	table *HandleTable
	h     Handle
}

func (r handleReader) Read(p []byte) (int, error) {
	n, err := r.table.Read(r.h, p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func TestOverlayClose(t *testing.T) {
	ov, l := newTestOverlay(t, Options{})
	table := ov.Handles()
	path := l.path("ffxiv", "000000.win32.index")

	h, ok, err := table.Open(path)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ov.Close())
	require.NoError(t, ov.Close(), "close is idempotent")

	assert.False(t, table.IsVirtual(h))
	_, err = table.Read(h, make([]byte, 1))
	assert.ErrorIs(t, err, ErrUnknownHandle)

	_, _, err = table.Open(path)
	assert.ErrorIs(t, err, ErrClosed)

	// Paths that are not virtual still pass through.
	_, ok, err = table.Open(l.path("ffxiv", "000000.win32.dat0"))
	require.NoError(t, err)
	assert.False(t, ok)
}
