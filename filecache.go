// filecache.go
//
// Open-file cache for override content.
// The cache maps *override file path* → *open read-only descriptor* so that
// the many small reads a game issues against one asset do not each pay for
// an open/close pair. Descriptors are reference counted: eviction only marks
// an entry, and the last reader to release it closes the file, so a reader
// never sees its descriptor closed underneath it.

package vsqpack

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultOpenFileCacheSize = 64

// cachedFile is one shared descriptor.
type cachedFile struct {
	f *os.File

	mu      sync.Mutex
	refs    int
	evicted bool
}

// acquire takes a reference unless the entry was already evicted.
func (c *cachedFile) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return false
	}
	c.refs++
	return true
}

// release drops a reference and closes the file when it was the last one
// on an evicted entry.
func (c *cachedFile) release() {
	c.mu.Lock()
	c.refs--
	closeNow := c.evicted && c.refs == 0
	c.mu.Unlock()

	if closeNow {
		_ = c.f.Close()
	}
}

// evict marks the entry as gone from the cache.
func (c *cachedFile) evict() {
	c.mu.Lock()
	c.evicted = true
	closeNow := c.refs == 0
	c.mu.Unlock()

	if closeNow {
		_ = c.f.Close()
	}
}

// fileCache bounds the number of override files held open at once.
//
// The zero value is not usable; construct with newFileCache. All methods
// are safe for concurrent use.
type fileCache struct {
	// openMu serializes cache misses so one path is opened at most once.
	openMu sync.Mutex

	// entries evicts least-recently-used descriptors once the capacity is
	// reached.
	entries *lru.Cache[string, *cachedFile]
}

// newFileCache allocates a cache holding at most size open files.
func newFileCache(size int) (*fileCache, error) {
	if size <= 0 {
		size = defaultOpenFileCacheSize
	}
	entries, err := lru.NewWithEvict[string, *cachedFile](size, func(_ string, c *cachedFile) {
		c.evict()
	})
	if err != nil {
		return nil, err
	}
	return &fileCache{entries: entries}, nil
}

// acquire returns an open descriptor for path and a release function the
// caller must invoke when done with it.
func (fc *fileCache) acquire(path string) (*os.File, func(), error) {
	if c, ok := fc.entries.Get(path); ok && c.acquire() {
		return c.f, c.release, nil
	}

	fc.openMu.Lock()
	defer fc.openMu.Unlock()

	if c, ok := fc.entries.Get(path); ok && c.acquire() {
		return c.f, c.release, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	c := &cachedFile{f: f, refs: 1}
	fc.entries.Add(path, c)
	return f, c.release, nil
}

// purge closes every descriptor that is not currently in use; descriptors
// held by in-flight readers close on release.
func (fc *fileCache) purge() {
	fc.entries.Purge()
}
