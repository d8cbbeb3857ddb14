// Package heads implements HeadsSet: the sorted vector of current head
// oids maintained for the changeset and manifest refs as commits are
// appended.
package heads

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/exp/slices"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
)

// flatManifestSentinel marks a manifest-ref tip commit whose body begins
// with this line as one where the first parent isn't a real head — it
// exists only to anchor the flat manifest tree, not to record history.
const flatManifestSentinel = "has-flat-manifest-tree"

// Set is a sorted, duplicate-free vector of head oids. The zero value is
// usable but uninitialized; EnsureInitialized (called implicitly by Add)
// seeds it from a ref tip exactly once.
type Set struct {
	store *gitstore.Store

	// skipFirstParent is set for the manifest heads instance: the sentinel
	// line semantics in EnsureInitialized only ever apply there.
	skipFirstParent bool

	initialized bool
	oids        []ids.GitOid
}

// New creates a HeadsSet backed by store. skipFirstParentSentinel selects
// the manifest-heads variant of ensure_initialized's sentinel handling.
func New(store *gitstore.Store, skipFirstParentSentinel bool) *Set {
	return &Set{store: store, skipFirstParent: skipFirstParentSentinel}
}

// Oids returns the current head vector in ascending order. Callers must
// not mutate the returned slice.
func (s *Set) Oids() []ids.GitOid { return s.oids }

// EnsureInitialized loads the head vector from tip's commit the first time
// it's called; later calls are no-ops. A zero tip means there is no
// preexisting ref and the set starts empty.
func (s *Set) EnsureInitialized(tip ids.GitOid) error {
	if s.initialized {
		return nil
	}
	s.initialized = true
	if tip.IsZero() {
		return nil
	}

	c, err := s.loadCommit(tip)
	if err != nil {
		return err
	}

	parents := c.Parents
	if s.skipFirstParent && len(parents) > 0 && hasSentinel(c.Body) {
		parents = parents[1:]
	}
	for _, p := range parents {
		s.insert(p)
	}
	return nil
}

func hasSentinel(body []byte) bool {
	line := body
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		line = body[:nl]
	}
	return string(line) == flatManifestSentinel
}

func (s *Set) loadCommit(oid ids.GitOid) (*gitstore.Commit, error) {
	raw, typ, err := s.store.Get(oid)
	if err != nil {
		return nil, fmt.Errorf("heads: load commit %s: %w", oid, err)
	}
	if typ != gitstore.ObjCommit {
		return nil, fmt.Errorf("heads: %s is not a commit", oid)
	}
	return gitstore.ParseCommit(raw)
}

// Add records oid as a new head, given tip as the ref's current
// preexisting tip (used only for lazy initialization the first time Add or
// EnsureInitialized is called). Every parent of oid's commit that was
// already a head is removed; oid itself is inserted at its sorted
// position unless already present.
func (s *Set) Add(oid ids.GitOid, tip ids.GitOid) error {
	if err := s.EnsureInitialized(tip); err != nil {
		return err
	}

	c, err := s.loadCommit(oid)
	if err != nil {
		return err
	}
	for _, p := range c.Parents {
		s.remove(p)
	}
	s.insert(oid)
	return nil
}

func (s *Set) find(oid ids.GitOid) (int, bool) {
	i := sort.Search(len(s.oids), func(i int) bool {
		return bytes.Compare(s.oids[i][:], oid[:]) >= 0
	})
	if i < len(s.oids) && s.oids[i] == oid {
		return i, true
	}
	return i, false
}

func (s *Set) insert(oid ids.GitOid) {
	i, ok := s.find(oid)
	if ok {
		return
	}
	s.oids = slices.Insert(s.oids, i, oid)
}

func (s *Set) remove(oid ids.GitOid) {
	i, ok := s.find(oid)
	if !ok {
		return
	}
	s.oids = slices.Delete(s.oids, i, i+1)
}
