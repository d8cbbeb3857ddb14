package gitstore

import (
	"sync"

	"github.com/nullbridge/hg2git/internal/ids"
)

// ObjectReader is the read-side of the ObjectStore driver that TreeCache
// needs: resolve an oid to its materialized bytes and type, regardless of
// whether the object lives in the in-progress pack or an older one.
type ObjectReader interface {
	Get(oid ids.GitOid) ([]byte, ObjectType, error)
}

// TreeCache caches parsed *Tree values keyed by GitOid so that a manifest
// mirror rebuild, or a notes-tree fanout walk, never parses the same tree
// object twice within one session.
type TreeCache struct {
	reader ObjectReader

	mu  sync.RWMutex
	mem map[ids.GitOid]*Tree
}

// NewTreeCache creates a cache backed by reader.
func NewTreeCache(reader ObjectReader) *TreeCache {
	return &TreeCache{reader: reader, mem: make(map[ids.GitOid]*Tree)}
}

// Get returns the parsed tree for oid, the canonical empty tree for the
// zero oid, fetching and parsing on a cache miss.
func (c *TreeCache) Get(oid ids.GitOid) (*Tree, error) {
	if oid.IsZero() {
		return &Tree{}, nil
	}

	c.mu.RLock()
	if t, ok := c.mem[oid]; ok {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.mem[oid]; ok {
		return t, nil
	}

	raw, typ, err := c.reader.Get(oid)
	if err != nil {
		return nil, err
	}
	if typ != ObjTree {
		return nil, ErrTypeMismatch
	}
	t, err := ParseTree(raw)
	if err != nil {
		return nil, err
	}
	c.mem[oid] = t
	return t, nil
}
