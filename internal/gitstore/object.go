// Package gitstore is the ObjectStore driver and the streaming packfile
// writer it sits on top of: a thin adapter over a Git object database that
// writes new objects into a single growing packfile and reads back both
// freshly written and older, already-finalized objects.
package gitstore

// ObjectType enumerates the kinds of Git objects that can appear in a pack.
//
// The zero value, ObjBad, denotes an invalid or unknown object type. The
// String method returns the canonical, lower-case Git spelling.
type ObjectType byte

const (
	// ObjBad represents an invalid or unspecified object kind.
	ObjBad ObjectType = iota

	// ObjCommit is a regular commit object.
	ObjCommit

	// ObjTree is a directory tree object describing the hierarchy of a commit.
	ObjTree

	// ObjBlob is a file-content blob object.
	ObjBlob

	// ObjTag is an annotated tag object.
	ObjTag

	_ // unused — matches the on-disk type tag layout

	// ObjOfsDelta is a delta object whose base is addressed by packfile offset.
	ObjOfsDelta

	// ObjRefDelta is a delta object whose base is addressed by object ID.
	ObjRefDelta
)

var typeNames = map[ObjectType]string{
	ObjCommit:   "commit",
	ObjTree:     "tree",
	ObjBlob:     "blob",
	ObjTag:      "tag",
	ObjOfsDelta: "ofs-delta",
	ObjRefDelta: "ref-delta",
}

func (t ObjectType) String() string { return typeNames[t] }
