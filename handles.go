// handles.go
//
// Virtual file handle table.
// The interception layer hands out *virtual handles* for opens that resolve
// into the package and forwards later reads, seeks and closes on those
// handles here. Each handle carries its archive, sub-file and cursor, so a
// virtual file behaves like a real one opened for sequential reading.
//
// Identifiers come from a reserved range chosen to be disjoint from the
// values the OS returns, so a handle is virtual exactly when the table
// knows it. The allocator walks the range with a wrapping cursor and skips
// identifiers still in use.

package vsqpack

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handle is an identifier issued by HandleTable.Open.
type Handle uint64

// String renders the handle in hex, the way hosts print HANDLE values.
func (h Handle) String() string { return fmt.Sprintf("%#x", uint64(h)) }

// virtualFile is the state behind one open handle.
type virtualFile struct {
	id   ArchiveID
	kind SubFile

	// mu serializes cursor updates of concurrent reads on the same handle.
	mu     sync.Mutex
	cursor uint64
}

// HandleTable maps virtual handles to open virtual files of a Package.
//
// All methods are safe for concurrent use.
type HandleTable struct {
	pkg    *Package
	logger *slog.Logger

	// base and span define the reserved range [base, base+span).
	base uint64
	span uint64

	mu sync.Mutex

	// next is the range offset of the next candidate identifier.
	next uint64

	// wrapped records that the allocator has cycled through the range once.
	wrapped bool

	// closed rejects new opens after the owning overlay shut down.
	closed bool

	files map[Handle]*virtualFile
}

// NewHandleTable returns an empty table serving files of pkg, issuing
// identifiers from [opts.HandleBase, opts.HandleBase+opts.HandleSpan).
func NewHandleTable(pkg *Package, opts Options) (*HandleTable, error) {
	opts.applyDefaults()
	if err := validateHandleRange(opts.HandleBase, opts.HandleSpan); err != nil {
		return nil, err
	}

	return &HandleTable{
		pkg:    pkg,
		logger: opts.Logger,
		base:   opts.HandleBase,
		span:   opts.HandleSpan,
		files:  make(map[Handle]*virtualFile),
	}, nil
}

// Open resolves path through the package. When path is virtual a new
// handle positioned at offset 0 is returned with ok set; otherwise ok is
// false and the caller must perform the real open.
func (t *HandleTable) Open(path string) (h Handle, ok bool, err error) {
	id, kind, ok := t.pkg.Resolve(path)
	if !ok {
		return 0, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, false, ErrClosed
	}
	h, err = t.allocate()
	if err != nil {
		return 0, false, err
	}
	t.files[h] = &virtualFile{id: id, kind: kind}
	return h, true, nil
}

// allocate returns the next free identifier. t.mu must be held.
func (t *HandleTable) allocate() (Handle, error) {
	if uint64(len(t.files)) >= t.span {
		return 0, ErrHandlesExhausted
	}

	for {
		h := Handle(t.base + t.next)
		t.next++
		if t.next == t.span {
			t.next = 0
			if !t.wrapped {
				t.wrapped = true
				t.logger.Warn("virtual handle range wrapped", "base", t.base, "span", t.span, "open", len(t.files))
			}
		}
		if _, used := t.files[h]; !used {
			return h, nil
		}
	}
}

// IsVirtual reports whether h is an open virtual handle.
func (t *HandleTable) IsVirtual(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[h]
	return ok
}

// Len returns the number of open virtual handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

func (t *HandleTable) lookup(h Handle) (*virtualFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vf, ok := t.files[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return vf, nil
}

// Read reads into p at the handle's cursor and advances the cursor by the
// number of bytes read. At end of file it returns 0 and no error.
func (t *HandleTable) Read(h Handle, p []byte) (int, error) {
	vf, err := t.lookup(h)
	if err != nil {
		return 0, err
	}

	vf.mu.Lock()
	defer vf.mu.Unlock()

	n, err := t.pkg.Read(vf.id, vf.kind, vf.cursor, p)
	vf.cursor += uint64(n)
	return n, err
}

// ReadAt reads into p at off without touching the cursor, like a
// positioned (overlapped) read.
func (t *HandleTable) ReadAt(h Handle, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	vf, err := t.lookup(h)
	if err != nil {
		return 0, err
	}
	return t.pkg.Read(vf.id, vf.kind, uint64(off), p)
}

// Seek moves the cursor of h. Only io.SeekStart is supported; every other
// whence fails with ErrUnsupportedSeekMode and leaves the cursor alone.
func (t *HandleTable) Seek(h Handle, offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, fmt.Errorf("%w: whence %d", ErrUnsupportedSeekMode, whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, offset)
	}
	vf, err := t.lookup(h)
	if err != nil {
		return 0, err
	}

	vf.mu.Lock()
	vf.cursor = uint64(offset)
	vf.mu.Unlock()
	return offset, nil
}

// Close releases h. Closing an unknown or already closed handle fails with
// ErrUnknownHandle.
func (t *HandleTable) Close(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	delete(t.files, h)
	return nil
}

// shutdown drops every open handle and rejects later opens.
func (t *HandleTable) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.files)
}
