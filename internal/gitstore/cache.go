package gitstore

import (
	"fmt"

	arc "github.com/hashicorp/golang-lru/arc/v2"

	farm "github.com/dgryski/go-farm"

	"github.com/nullbridge/hg2git/internal/ids"
)

// defaultObjectCacheSize bounds how many materialized object bodies the
// driver keeps around by oid. It exists to make repeated reads of the same
// handful of objects — a manifest's parent tree, a file's previously
// stored blob — cheap, not to cache the whole working set.
const defaultObjectCacheSize = 512

type cachedObject struct {
	typ  ObjectType
	data []byte
}

// objectCache is a read-through cache of already-materialized object
// bodies, keyed by oid. It backs both the "most recently stored" lookups
// FileStore does against its own last-written blob and the parent-tree
// reloads ManifestStore does on every incoming manifest revision.
type objectCache struct {
	arc *arc.ARCCache[ids.GitOid, cachedObject]
}

func newObjectCache(size int) *objectCache {
	c, err := arc.NewARC[ids.GitOid, cachedObject](size)
	if err != nil {
		// Only invalid (non-positive) sizes make NewARC fail; the caller
		// always passes a fixed positive constant.
		panic(fmt.Sprintf("gitstore: object cache: %v", err))
	}
	return &objectCache{arc: c}
}

func (c *objectCache) get(oid ids.GitOid) ([]byte, ObjectType, bool) {
	v, ok := c.arc.Get(oid)
	if !ok {
		return nil, ObjBad, false
	}
	return v.data, v.typ, true
}

func (c *objectCache) put(oid ids.GitOid, typ ObjectType, data []byte) {
	c.arc.Add(oid, cachedObject{typ: typ, data: data})
}

// FarmFingerprint returns a fast, non-cryptographic fingerprint of data.
// FileStore uses it as a cheap pre-check — comparing fingerprints of the
// reconstructed content against the previously stored file's content —
// before falling back to an exact byte comparison; it is never a
// substitute for the real SHA-1 object id.
func FarmFingerprint(data []byte) uint64 {
	return farm.Hash64(data)
}
