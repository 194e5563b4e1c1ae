package fusefs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsqpack "github.com/ahrav/go-vsqpack"
	"github.com/ahrav/go-vsqpack/internal/sqpacktest"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// fuseAvailable skips the test when /dev/fuse is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// testMount builds an overlay with one override in the common archive and
// mounts it. The mount is removed when the test ends.
func testMount(t *testing.T) (mountpoint, sqpack string, ov *vsqpack.Overlay, content []byte) {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	sqpack = filepath.Join(root, "sqpack")
	data := filepath.Join(root, "data")
	sqpacktest.WriteArchive(t, sqpack, "ffxiv", "000000", sqpacktest.Index{
		DatCount: 1,
		Entries:  []sqpacktest.Entry{{Path: "common/font/font2.tex", Packed: 0x100}},
	})
	content = sqpacktest.Pattern(9, 0x2345)
	sqpacktest.WriteFile(t, data, "common/font/font1.tex", content)

	ov, err := vsqpack.Open(sqpack, data, vsqpack.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ov.Close() })

	mountpoint = filepath.Join(root, "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, Overlay: ov})
	if err != nil {
		t.Skipf("skipping: cannot mount FUSE: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return mountpoint, sqpack, ov, content
}

func TestMountServesSyntheticDataFile(t *testing.T) {
	mountpoint, _, ov, content := testMount(t)

	got, err := os.ReadFile(filepath.Join(mountpoint, "ffxiv", "000000.win32.dat2"))
	require.NoError(t, err)

	size, err := ov.Package().Size(vsqpack.ArchiveID{}, vsqpack.SubFileData)
	require.NoError(t, err)
	require.Len(t, got, int(size))
	assert.Equal(t, sqpacktest.DatHeader(), got[:vsqpack.DatHeaderSize])
	assert.Equal(t, content, got[vsqpack.DatHeaderSize:vsqpack.DatHeaderSize+len(content)])

	fi, err := os.Stat(filepath.Join(mountpoint, "ffxiv", "000000.win32.dat2"))
	require.NoError(t, err)
	assert.Equal(t, int64(size), fi.Size())
	assert.Equal(t, os.FileMode(0o444), fi.Mode().Perm())
}

func TestMountServesPatchedIndex(t *testing.T) {
	mountpoint, sqpack, _, _ := testMount(t)

	got, err := os.ReadFile(filepath.Join(mountpoint, "ffxiv", "000000.win32.index"))
	require.NoError(t, err)
	onDisk, err := os.ReadFile(filepath.Join(sqpack, "ffxiv", "000000.win32.index"))
	require.NoError(t, err)
	assert.NotEqual(t, onDisk, got)

	v, err := vsqpack.NewVirtualIndex(got)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v.DatCount())

	h, err := vsqpack.HashPath("common/font/font1.tex")
	require.NoError(t, err)
	packed, ok := v.Lookup(h)
	require.True(t, ok)
	dat, raw := vsqpack.DecodeOffset(packed)
	assert.Equal(t, uint32(2), dat)
	assert.Equal(t, uint64(vsqpack.DatHeaderSize), raw)
}

func TestMountPassesThroughRealFiles(t *testing.T) {
	mountpoint, sqpack, _, _ := testMount(t)

	got, err := os.ReadFile(filepath.Join(mountpoint, "ffxiv", "000000.win32.dat0"))
	require.NoError(t, err)
	onDisk, err := os.ReadFile(filepath.Join(sqpack, "ffxiv", "000000.win32.dat0"))
	require.NoError(t, err)
	assert.Equal(t, onDisk, got)

	_, err = os.Stat(filepath.Join(mountpoint, "ffxiv", "000000.win32.dat3"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMountRejectsWrites(t *testing.T) {
	mountpoint, _, ov, _ := testMount(t)

	_, err := os.OpenFile(filepath.Join(mountpoint, "ffxiv", "000000.win32.index"), os.O_RDWR, 0)
	assert.True(t, errors.Is(err, syscall.EROFS), "got %v", err)
	assert.Zero(t, ov.Handles().Len())
}

func TestMountReleasesHandles(t *testing.T) {
	mountpoint, _, ov, _ := testMount(t)

	f, err := os.Open(filepath.Join(mountpoint, "ffxiv", "000000.win32.index"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("SqPack\x00\x00"), buf)
	assert.Equal(t, 1, ov.Handles().Len())

	require.NoError(t, f.Close())
	// Release is asynchronous; give the kernel a moment.
	assert.Eventually(t, func() bool { return ov.Handles().Len() == 0 }, eventuallyTimeout, eventuallyTick)
}
