package gitstore

import "github.com/nullbridge/hg2git/internal/ids"

// WalkTreeDiff walks the directory trees identified by parentOID and
// childOID and calls emit for every file that is new or has changed in the
// child tree. Deletions are intentionally not reported — CHECK_MANIFESTS
// round-trip verification uses this to cross-check the paths a rebuilt
// tree actually changed against the in-memory mirror that produced it.
func WalkTreeDiff(
	tc *TreeCache,
	parentOID, childOID ids.GitOid,
	prefix string,
	emit func(path string, old, new ids.GitOid, mode uint32) error,
) error {
	pt, err := tc.Get(parentOID)
	if err != nil {
		return err
	}
	ct, err := tc.Get(childOID)
	if err != nil {
		return err
	}

	pIdx, cIdx := 0, 0
	pEntries, cEntries := pt.sortedEntries, ct.sortedEntries

	for pIdx < len(pEntries) || cIdx < len(cEntries) {
		switch {
		case pIdx == len(pEntries):
			if err := walkEntry(tc, prefix, cEntries[cIdx], emit); err != nil {
				return err
			}
			cIdx++

		case cIdx == len(cEntries):
			pIdx++

		default:
			pEntry, cEntry := pEntries[pIdx], cEntries[cIdx]
			switch {
			case pEntry.Name == cEntry.Name:
				if pEntry.OID != cEntry.OID || pEntry.Mode != cEntry.Mode {
					if pEntry.Mode == dirMode && cEntry.Mode == dirMode {
						if err := WalkTreeDiff(tc, pEntry.OID, cEntry.OID, prefix+pEntry.Name+"/", emit); err != nil {
							return err
						}
					} else if err := emit(prefix+pEntry.Name, pEntry.OID, cEntry.OID, cEntry.Mode); err != nil {
						return err
					}
				}
				pIdx, cIdx = pIdx+1, cIdx+1

			case pEntry.Name < cEntry.Name:
				pIdx++

			default:
				if err := walkEntry(tc, prefix, cEntry, emit); err != nil {
					return err
				}
				cIdx++
			}
		}
	}
	return nil
}

func walkEntry(
	tc *TreeCache,
	prefix string,
	e TreeEntry,
	emit func(path string, old, new ids.GitOid, mode uint32) error,
) error {
	if e.Mode == dirMode {
		return WalkTreeDiff(tc, ids.GitOid{}, e.OID, prefix+e.Name+"/", emit)
	}
	return emit(prefix+e.Name, ids.GitOid{}, e.OID, e.Mode)
}
