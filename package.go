// package.go
//
// Virtual package: the registry of every virtual archive.
// Construction walks the override root once, maps each file to the archive
// its path belongs to, loads the needed base archives concurrently, and
// registers the overrides in walk order. After that the package answers two
// questions for the interception layer: "is this SqPack path virtual, and
// which sub-file is it" and "give me these bytes of it".

package vsqpack

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/woozymasta/pathrules"
	"golang.org/x/sync/errgroup"
)

// resolution is a remembered Resolve answer, negative answers included.
type resolution struct {
	id   ArchiveID
	kind SubFile
	ok   bool
}

// pendingFile is an override found by the discovery walk.
type pendingFile struct {
	path        string
	archivePath string
	id          ArchiveID
}

// ArchiveStats summarizes one virtual archive.
type ArchiveStats struct {
	ID           ArchiveID
	BaseDatCount uint32
	DatIndex     uint32
	DatFileName  string
	Files        int
	IndexSize    uint64
	DataSize     uint64
}

// Package owns one VirtualArchive per archive identity that has overrides.
//
// All methods are safe for concurrent use. Reads share a read lock;
// incremental registration through Add takes the write lock.
type Package struct {
	// baseDir is the absolute, cleaned SqPack directory.
	baseDir string

	logger *slog.Logger

	// files keeps override descriptors open across reads.
	files *fileCache

	// resolved caches Resolve results keyed by absolute path. ARC keeps
	// the handful of archives a game hammers resident even when it also
	// probes many unrelated files.
	resolved *arc.ARCCache[string, resolution]

	mu       sync.RWMutex
	archives map[ArchiveID]*VirtualArchive
}

// NewPackage builds a package for the SqPack directory baseDir from every
// regular file under overrideRoot. A file's path relative to overrideRoot,
// with forward slashes, is the asset path it overrides.
//
// Files whose first path segment is not a SqPack category, and files
// excluded by opts.Rules, are skipped. Any other failure aborts
// construction: walk errors are ErrDiscoveryIO, a missing base archive is
// ErrMissingBaseArchive, and a path registered twice is ErrDuplicatePath.
func NewPackage(baseDir, overrideRoot string, opts Options) (*Package, error) {
	opts.applyDefaults()

	p, err := newEmptyPackage(baseDir, opts)
	if err != nil {
		return nil, err
	}

	if err := p.build(overrideRoot, opts); err != nil {
		p.files.purge()
		return nil, err
	}
	return p, nil
}

func newEmptyPackage(baseDir string, opts Options) (*Package, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve SqPack directory: %w", err)
	}

	files, err := newFileCache(opts.OpenFileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create open-file cache: %w", err)
	}
	resolved, err := arc.NewARC[string, resolution](opts.ResolveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolve cache: %w", err)
	}

	return &Package{
		baseDir:  abs,
		logger:   opts.Logger,
		files:    files,
		resolved: resolved,
		archives: make(map[ArchiveID]*VirtualArchive),
	}, nil
}

// build runs discovery and registration. It is only called before the
// package is shared, so it does not lock.
func (p *Package) build(overrideRoot string, opts Options) error {
	matcher, err := newDiscoveryMatcher(opts.Rules, opts.MatcherOptions)
	if err != nil {
		return err
	}

	pending, skipped, err := p.discover(overrideRoot, matcher)
	if err != nil {
		return err
	}

	if err := p.loadArchives(pending, opts.LoadWorkers); err != nil {
		return err
	}

	for _, f := range pending {
		a := p.archives[f.id]
		off, err := a.Add(f.path, f.archivePath)
		if err != nil {
			return fmt.Errorf("register %s: %w", f.archivePath, err)
		}
		p.logger.Debug("registered override",
			"file", f.path, "archive_path", f.archivePath, "archive", f.id.String(), "offset", off)
	}

	for _, a := range p.archives {
		a.index.Seal()
	}

	p.logger.Info("virtual package ready",
		"sqpack", p.baseDir, "overrides", overrideRoot,
		"archives", len(p.archives), "files", len(pending), "skipped", skipped)
	return nil
}

// discover walks root and returns the overrides to register, in walk order.
func (p *Package) discover(root string, matcher *pathrules.Matcher) ([]pendingFile, int, error) {
	var (
		pending []pendingFile
		skipped int
	)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			// Follow symlinks to regular files; skip everything else.
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				p.logger.Warn("skipping non-regular override", "file", path)
				skipped++
				return nil
			}
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		archivePath := NormalizePath(filepath.ToSlash(rel))

		if matcher != nil && !matcher.Included(archivePath, false) {
			p.logger.Debug("override excluded by rules", "archive_path", archivePath)
			skipped++
			return nil
		}

		id, err := ParseArchivePath(archivePath)
		if isNotVirtual(err) {
			p.logger.Warn("skipping override outside any archive", "archive_path", archivePath, "error", err)
			skipped++
			return nil
		} else if err != nil {
			return err
		}

		pending = append(pending, pendingFile{path: path, archivePath: archivePath, id: id})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDiscoveryIO, err)
	}
	return pending, skipped, nil
}

// loadArchives creates the virtual archive for every identity referenced by
// pending, loading up to workers base archives at once.
func (p *Package) loadArchives(pending []pendingFile, workers int) error {
	var ids []ArchiveID
	seen := make(map[ArchiveID]struct{})
	for _, f := range pending {
		if _, ok := seen[f.id]; ok {
			continue
		}
		seen[f.id] = struct{}{}
		ids = append(ids, f.id)
	}

	loaded := make([]*VirtualArchive, len(ids))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			a, err := newVirtualArchive(p.baseDir, id, p.files)
			if err != nil {
				return err
			}
			loaded[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, a := range loaded {
		p.archives[a.id] = a
		p.logger.Debug("created virtual archive",
			"archive", a.id.String(), "index_dat_count", a.baseDatCount, "synthetic_dat", a.datIndex)
	}
	return nil
}

// newDiscoveryMatcher compiles discovery rules; nil means "include all".
func newDiscoveryMatcher(rules []pathrules.Rule, opts pathrules.MatcherOptions) (*pathrules.Matcher, error) {
	normalized := make([]pathrules.Rule, 0, len(rules))
	for _, rule := range rules {
		pattern := strings.ReplaceAll(strings.TrimSpace(rule.Pattern), `\`, "/")
		if pattern == "" {
			continue
		}
		normalized = append(normalized, pathrules.Rule{Action: rule.Action, Pattern: pattern})
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	m, err := pathrules.NewMatcher(normalized, opts)
	if err != nil {
		return nil, fmt.Errorf("compile discovery rules: %w", err)
	}
	return m, nil
}

// BaseDir returns the absolute SqPack directory the package overlays.
func (p *Package) BaseDir() string { return p.baseDir }

// Resolve reports whether path is a virtual file of this package and, if
// so, which archive and sub-file it denotes. Paths outside the SqPack
// directory, in the wrong expansion folder, of archives without overrides,
// or naming a real data file all resolve to false so the caller passes the
// operation through to the real file system.
func (p *Package) Resolve(path string) (ArchiveID, SubFile, bool) {
	// Relative paths depend on the working directory, so the cache is keyed
	// by the absolute path.
	abs, err := filepath.Abs(path)
	if err != nil {
		return ArchiveID{}, 0, false
	}

	// Lookups and inserts happen under the read lock and Add purges under
	// the write lock, so an answer computed before an Add is never cached
	// after it.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if r, ok := p.resolved.Get(abs); ok {
		return r.id, r.kind, r.ok
	}
	r := p.resolve(abs)
	p.resolved.Add(abs, r)
	return r.id, r.kind, r.ok
}

// resolve maps an absolute path to a virtual file. p.mu must be held.
func (p *Package) resolve(abs string) resolution {
	rel, err := filepath.Rel(p.baseDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return resolution{}
	}

	id, err := ParseArchiveFileName(rel)
	if err != nil || !strings.EqualFold(filepath.Dir(rel), id.Dir()) {
		return resolution{}
	}

	a, ok := p.archives[id]
	if !ok {
		return resolution{}
	}
	kind, ok := a.Open(rel)
	if !ok {
		return resolution{}
	}
	return resolution{id: id, kind: kind, ok: true}
}

// Read copies bytes of a virtual sub-file starting at off into p.
// ErrUnknownArchive is returned for identities Resolve never produced.
func (p *Package) Read(id ArchiveID, kind SubFile, off uint64, buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.archives[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownArchive, id)
	}
	return a.Read(kind, off, buf)
}

// Size returns the length of a virtual sub-file.
func (p *Package) Size(id ArchiveID, kind SubFile) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.archives[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownArchive, id)
	}
	return a.Size(kind)
}

// Add registers one more override after construction, creating the
// archive if needed. Cached resolutions are dropped because a new archive
// changes the answer for its files.
func (p *Package) Add(filePath, archivePath string) error {
	id, err := ParseArchivePath(archivePath)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A new archive is registered only once it holds an override.
	a, existing := p.archives[id]
	if !existing {
		a, err = newVirtualArchive(p.baseDir, id, p.files)
		if err != nil {
			return err
		}
	}

	off, err := a.Add(filePath, archivePath)
	if err != nil {
		return err
	}
	a.index.Seal()
	if !existing {
		p.archives[id] = a
		p.logger.Debug("created virtual archive",
			"archive", id.String(), "index_dat_count", a.baseDatCount, "synthetic_dat", a.datIndex)
	}
	p.resolved.Purge()

	p.logger.Debug("registered override",
		"file", filePath, "archive_path", archivePath, "archive", id.String(), "offset", off)
	return nil
}

// Locate returns where the index of the archive owning archivePath points
// for that path: the data file index and raw byte offset.
func (p *Package) Locate(archivePath string) (dat uint32, raw uint64, found bool, err error) {
	id, err := ParseArchivePath(archivePath)
	if err != nil {
		return 0, 0, false, err
	}
	h, err := HashPath(archivePath)
	if err != nil {
		return 0, 0, false, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.archives[id]
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: %s", ErrUnknownArchive, id)
	}
	packed, found := a.index.Lookup(h)
	if !found {
		return 0, 0, false, nil
	}
	dat, raw = DecodeOffset(packed)
	return dat, raw, true, nil
}

// Archives returns per-archive statistics ordered by identity.
func (p *Package) Archives() []ArchiveStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ArchiveStats, 0, len(p.archives))
	for id, a := range p.archives {
		out = append(out, ArchiveStats{
			ID:           id,
			BaseDatCount: a.baseDatCount,
			DatIndex:     a.datIndex,
			DatFileName:  id.DatFileName(a.datIndex),
			Files:        a.Files(),
			IndexSize:    a.index.Len(),
			DataSize:     a.data.Len(),
		})
	}
	slices.SortFunc(out, func(x, y ArchiveStats) int {
		return strings.Compare(x.ID.String(), y.ID.String())
	})
	return out
}

// Close releases cached override descriptors. Reads after Close reopen
// files as needed.
func (p *Package) Close() error {
	p.files.purge()
	return nil
}

// isNotVirtual reports whether err means "not an overlay path".
func isNotVirtual(err error) bool {
	return errors.Is(err, ErrUnrecognizedCategory) ||
		errors.Is(err, ErrMalformedArchiveName) ||
		errors.Is(err, ErrEmptyPath)
}
