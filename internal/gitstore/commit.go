// commit.go – parse and build Git commit objects.
package gitstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/nullbridge/hg2git/internal/ids"
)

var ErrCorruptCommit = errors.New("corrupt commit object")

// Commit is a parsed view of a Git commit object: the header lines
// (tree/parent/author/committer) split out, and the raw message body kept
// as-is so callers can look for sentinel lines or trailing metadata.
type Commit struct {
	Tree      ids.GitOid
	Parents   []ids.GitOid
	Author    string
	Committer string
	Body      []byte
}

// ParseCommit decodes a raw Git commit object payload. It tolerates any
// header line it doesn't recognize by ignoring it, matching Git's own
// forward-compatible parsing.
func ParseCommit(raw []byte) (*Commit, error) {
	c := &Commit{}

	rest := raw
	for len(rest) > 0 {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, ErrCorruptCommit
		}
		line := rest[:nl]
		rest = rest[nl+1:]

		if len(line) == 0 {
			c.Body = rest
			return c, nil
		}

		sp := bytes.IndexByte(line, ' ')
		if sp < 0 {
			return nil, ErrCorruptCommit
		}
		key, val := string(line[:sp]), line[sp+1:]

		switch key {
		case "tree":
			oid, err := ids.ParseGitOid(string(val))
			if err != nil {
				return nil, fmt.Errorf("%w: bad tree line: %v", ErrCorruptCommit, err)
			}
			c.Tree = oid
		case "parent":
			oid, err := ids.ParseGitOid(string(val))
			if err != nil {
				return nil, fmt.Errorf("%w: bad parent line: %v", ErrCorruptCommit, err)
			}
			c.Parents = append(c.Parents, oid)
		case "author":
			c.Author = string(val)
		case "committer":
			c.Committer = string(val)
		}
	}

	// No blank line separating header from body — treat as an empty body,
	// matching Git's own tolerant reader.
	c.Body = nil
	return c, nil
}

// BuildCommit serializes a commit object payload from its header fields
// and message body verbatim.
func BuildCommit(tree ids.GitOid, parents []ids.GitOid, author, committer string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", author)
	fmt.Fprintf(&buf, "committer %s\n", committer)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}
