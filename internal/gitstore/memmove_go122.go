//go:build go1.22

package gitstore

import "unsafe"

// copyMemory is a fast memory copy using memmove, safe for overlapping
// source and destination ranges. applyDelta uses it for COPY instructions,
// which copy from the base into a separate output buffer.
//
//go:linkname copyMemory runtime.memmove
//go:noescape
func copyMemory(to, from unsafe.Pointer, n int)
