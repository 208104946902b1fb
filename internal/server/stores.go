package server

import (
	"log"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dejo1307/oupgrade/internal/changes"
)

// storeEntry is an open store and the number of handles still using it.
type storeEntry struct {
	version string
	store   *changes.Store
	refs    int
	evicted bool
}

// storeCache keeps recently used change stores open. A store leaving the
// cache is closed once its last handle is released.
type storeCache struct {
	path  func(version string) string
	mu    sync.Mutex
	cache *lru.Cache[string, *storeEntry]
}

func newStoreCache(size int, path func(version string) string) (*storeCache, error) {
	// The callback runs inside cache calls, which are made with mu held.
	cache, err := lru.NewWithEvict[string, *storeEntry](size, func(_ string, e *storeEntry) {
		e.evicted = true
		if e.refs == 0 {
			e.close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &storeCache{path: path, cache: cache}, nil
}

func (e *storeEntry) close() {
	if err := e.store.Close(); err != nil {
		log.Printf("[server] closing store %s: %v", e.version, err)
	}
}

// acquire returns the open store of version and a release func that must be
// called when the caller is done with it. A store whose file disappeared is
// dropped, and a missing store yields changes.ErrStoreNotFound.
func (c *storeCache) acquire(version string) (*changes.Store, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(version)
	if ok {
		if _, err := os.Stat(e.store.Path()); err != nil {
			c.cache.Remove(version)
			ok = false
		}
	}
	if !ok {
		s, err := changes.Open(c.path(version))
		if err != nil {
			return nil, nil, err
		}
		e = &storeEntry{version: version, store: s}
		c.cache.Add(version, e)
	}

	e.refs++
	var once sync.Once
	release := func() {
		once.Do(func() { c.release(e) })
	}
	return e.store, release, nil
}

func (c *storeCache) release(e *storeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.evicted && e.refs == 0 {
		e.close()
	}
}

// close evicts every cached store; stores still in use close on release.
func (c *storeCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}
