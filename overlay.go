// Package vsqpack overlays loose asset files on top of SqPack game archives
// without touching the archives on disk.
//
// For every archive that has overrides the package serves two virtual
// files: the real .index with one more data file declared and entries
// pointing at the overrides, and a synthetic .datN that starts with the
// real .dat0 header and continues with the override contents. Everything
// else is left to the real file system.
//
// Typical usage from an interception layer:
//
//	ov, err := vsqpack.Open(sqpackDir, overrideDir, vsqpack.Options{Logger: logger})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ov.Close()
//
//	h, ok, err := ov.Handles().Open(path)
//	if !ok {
//	    // not virtual: perform the real open
//	}
//	n, err := ov.Handles().Read(h, buf)
//
// Overlay is safe for concurrent use once Open has returned.
package vsqpack

import (
	"sync"
)

// Overlay bundles a Package with the HandleTable that serves it. It is the
// context object an interception layer captures at start-up; independent
// overlays do not share state.
type Overlay struct {
	pkg     *Package
	handles *HandleTable

	closeOnce sync.Once
}

// Open discovers overrides under overrideRoot, builds the package for the
// SqPack directory baseDir, and returns an overlay ready for handle
// traffic.
func Open(baseDir, overrideRoot string, opts Options) (*Overlay, error) {
	opts.applyDefaults()

	pkg, err := NewPackage(baseDir, overrideRoot, opts)
	if err != nil {
		return nil, err
	}
	handles, err := NewHandleTable(pkg, opts)
	if err != nil {
		_ = pkg.Close()
		return nil, err
	}
	return &Overlay{pkg: pkg, handles: handles}, nil
}

// Package returns the overlay's package.
func (o *Overlay) Package() *Package { return o.pkg }

// Handles returns the overlay's handle table.
func (o *Overlay) Handles() *HandleTable { return o.handles }

// Close invalidates every open handle, rejects further opens with
// ErrClosed, and releases cached descriptors. Calling Close more than once
// is safe.
func (o *Overlay) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.handles.shutdown()
		err = o.pkg.Close()
	})
	return err
}
