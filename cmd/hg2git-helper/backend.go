package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
)

// fastImportBackend is a minimal implementation of gitstore.Backend,
// covering the subset of the fast-import grammar the Orchestrator
// forwards pass-through commands to when a line doesn't match one of its
// own commands. It supports the counted `data <n>` form only, not the
// delimited `data <<EOF` form.
type fastImportBackend struct {
	objects *gitstore.Store
	out     io.Writer

	marks map[int]ids.GitOid
	refs  map[string]ids.GitOid
}

func newFastImportBackend(objects *gitstore.Store, out io.Writer) *fastImportBackend {
	return &fastImportBackend{
		objects: objects,
		out:     out,
		marks:   make(map[int]ids.GitOid),
		refs:    make(map[string]ids.GitOid),
	}
}

func (b *fastImportBackend) SetMark(id int, oid ids.GitOid) { b.marks[id] = oid }

func (b *fastImportBackend) ResolveMark(id int) (ids.GitOid, bool) {
	oid, ok := b.marks[id]
	return oid, ok
}

func (b *fastImportBackend) ResolveRef(ref string) (ids.GitOid, bool, error) {
	oid, ok := b.refs[ref]
	return oid, ok, nil
}

// Forward dispatches one already-read command line by its leading verb.
func (b *fastImportBackend) Forward(line string, r gitstore.LineReader) error {
	verb, rest := splitVerb(line)
	switch verb {
	case "feature":
		return nil
	case "blob":
		return b.handleBlob(r)
	case "commit":
		return b.handleCommit(rest, r)
	case "reset":
		return b.handleReset(rest, r)
	case "get-mark":
		return b.handleGetMark(rest)
	case "cat-blob":
		return b.handleCatBlob(rest)
	case "ls":
		return b.handleLs(rest)
	default:
		return fmt.Errorf("fastimport: unsupported command %q", verb)
	}
}

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

func readLine(r gitstore.LineReader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// readData reads one fast-import `data <n>` block: the length line is
// already consumed by the caller as rest; this reads exactly n bytes plus
// the single trailing newline fast-import always appends.
func readData(r gitstore.LineReader, rest string) ([]byte, error) {
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return nil, fmt.Errorf("fastimport: invalid data length %q: %w", rest, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(newByteReader(r), buf); err != nil {
		return nil, fmt.Errorf("fastimport: read data: %w", err)
	}
	var trailer [1]byte
	io.ReadFull(newByteReader(r), trailer[:])
	return buf, nil
}

// byteReader adapts gitstore.LineReader's Read method to io.Reader.
type byteReader struct{ r gitstore.LineReader }

func newByteReader(r gitstore.LineReader) io.Reader { return byteReader{r} }
func (b byteReader) Read(p []byte) (int, error)     { return b.r.Read(p) }

func (b *fastImportBackend) handleBlob(r gitstore.LineReader) error {
	var mark int
	hasMark := false

	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		verb, rest := splitVerb(line)
		switch verb {
		case "mark":
			n, err := strconv.Atoi(strings.TrimPrefix(rest, ":"))
			if err != nil {
				return fmt.Errorf("fastimport: invalid mark %q: %w", rest, err)
			}
			mark, hasMark = n, true
		case "data":
			data, err := readData(r, rest)
			if err != nil {
				return err
			}
			oid, err := b.objects.StoreObject(gitstore.ObjBlob, data, ids.GitOid{})
			if err != nil {
				return fmt.Errorf("fastimport: store blob: %w", err)
			}
			if hasMark {
				b.marks[mark] = oid
			}
			return nil
		default:
			return fmt.Errorf("fastimport: unexpected line %q in blob command", line)
		}
	}
}

type fileOp struct {
	mode uint32
	oid  ids.GitOid
	del  bool
}

func (b *fastImportBackend) handleCommit(rest string, r gitstore.LineReader) error {
	ref := strings.TrimSpace(rest)
	var mark int
	hasMark := false
	author, committer := "", ""
	var parents []ids.GitOid
	ops := make(map[string]fileOp)
	var order []string

	setOp := func(path string, op fileOp) {
		if _, exists := ops[path]; !exists {
			order = append(order, path)
		}
		ops[path] = op
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		verb, arg := splitVerb(line)
		switch verb {
		case "mark":
			n, err := strconv.Atoi(strings.TrimPrefix(arg, ":"))
			if err != nil {
				return fmt.Errorf("fastimport: invalid mark %q: %w", arg, err)
			}
			mark, hasMark = n, true
		case "author":
			author = arg
		case "committer":
			committer = arg
		case "data":
			if _, err := readData(r, arg); err != nil {
				return err
			}
		case "from":
			oid, err := b.resolveCommitish(arg)
			if err != nil {
				return err
			}
			parents = append([]ids.GitOid{oid}, parents...)
		case "merge":
			oid, err := b.resolveCommitish(arg)
			if err != nil {
				return err
			}
			parents = append(parents, oid)
		case "M":
			fields := strings.SplitN(arg, " ", 3)
			if len(fields) != 3 {
				return fmt.Errorf("fastimport: malformed M line %q", line)
			}
			modeStr, dataref, path := fields[0], fields[1], fields[2]
			mode, err := strconv.ParseUint(modeStr, 8, 32)
			if err != nil {
				return fmt.Errorf("fastimport: invalid mode %q: %w", modeStr, err)
			}
			oid, err := b.resolveDataref(dataref)
			if err != nil {
				return err
			}
			setOp(path, fileOp{mode: uint32(mode), oid: oid})
		case "D":
			setOp(strings.TrimSpace(arg), fileOp{del: true})
		case "deleteall":
			ops = make(map[string]fileOp)
			order = nil
		default:
			return fmt.Errorf("fastimport: unexpected line %q in commit command", line)
		}
	}

	baseTree := gitstore.EmptyTreeOID
	if len(parents) > 0 {
		raw, typ, err := b.objects.Get(parents[0])
		if err == nil && typ == gitstore.ObjCommit {
			if c, err := gitstore.ParseCommit(raw); err == nil {
				baseTree = c.Tree
			}
		}
	}

	tree, err := b.applyFileOps(baseTree, order, ops)
	if err != nil {
		return err
	}

	body := gitstore.BuildCommit(tree, parents, author, committer, nil)
	oid, err := b.objects.StoreObject(gitstore.ObjCommit, body, ids.GitOid{})
	if err != nil {
		return fmt.Errorf("fastimport: store commit: %w", err)
	}

	if hasMark {
		b.marks[mark] = oid
	}
	b.refs[ref] = oid
	return nil
}

// applyFileOps rebuilds the tree at root by applying path->fileOp
// modifications in the order they were given, honoring standard
// fast-import path semantics (no underscore prefixing — that convention
// is specific to ManifestStore's gitlink trees, not real commit trees).
func (b *fastImportBackend) applyFileOps(root ids.GitOid, order []string, ops map[string]fileOp) (ids.GitOid, error) {
	entries, err := b.flattenTree(root, "")
	if err != nil {
		return ids.GitOid{}, err
	}
	for _, path := range order {
		op := ops[path]
		if op.del {
			delete(entries, path)
			continue
		}
		entries[path] = gitstore.TreeEntry{Name: path, OID: op.oid, Mode: op.mode}
	}
	return b.buildNestedTree(entries)
}

func (b *fastImportBackend) flattenTree(root ids.GitOid, prefix string) (map[string]gitstore.TreeEntry, error) {
	out := make(map[string]gitstore.TreeEntry)
	if root == (ids.GitOid{}) || root == gitstore.EmptyTreeOID {
		return out, nil
	}
	tree, err := b.objects.Trees().Get(root)
	if err != nil {
		return nil, fmt.Errorf("fastimport: load tree %s: %w", root, err)
	}
	for _, e := range tree.Entries() {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		if e.Mode == 040000 {
			sub, err := b.flattenTree(e.OID, full)
			if err != nil {
				return nil, err
			}
			for k, v := range sub {
				out[k] = v
			}
			continue
		}
		out[full] = gitstore.TreeEntry{Name: full, OID: e.OID, Mode: e.Mode}
	}
	return out, nil
}

func (b *fastImportBackend) buildNestedTree(flat map[string]gitstore.TreeEntry) (ids.GitOid, error) {
	type node struct {
		children map[string]*node
		leaf     *gitstore.TreeEntry
	}
	root := &node{children: make(map[string]*node)}

	for path, e := range flat {
		parts := strings.Split(path, "/")
		cur := root
		for i, p := range parts {
			if i == len(parts)-1 {
				leaf := e
				cur.children[p] = &node{leaf: &leaf}
				continue
			}
			child, ok := cur.children[p]
			if !ok {
				child = &node{children: make(map[string]*node)}
				cur.children[p] = child
			}
			cur = child
		}
	}

	var build func(n *node) (ids.GitOid, error)
	build = func(n *node) (ids.GitOid, error) {
		if len(n.children) == 0 {
			return gitstore.EmptyTreeOID, nil
		}
		entries := make([]gitstore.TreeEntry, 0, len(n.children))
		for name, child := range n.children {
			if child.leaf != nil {
				entries = append(entries, gitstore.TreeEntry{Name: name, OID: child.leaf.OID, Mode: child.leaf.Mode})
				continue
			}
			oid, err := build(child)
			if err != nil {
				return ids.GitOid{}, err
			}
			entries = append(entries, gitstore.TreeEntry{Name: name, OID: oid, Mode: 040000})
		}
		return b.objects.StoreObject(gitstore.ObjTree, gitstore.BuildTree(entries), ids.GitOid{})
	}
	return build(root)
}

func (b *fastImportBackend) resolveCommitish(arg string) (ids.GitOid, error) {
	if strings.HasPrefix(arg, ":") {
		n, err := strconv.Atoi(arg[1:])
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("fastimport: invalid mark %q: %w", arg, err)
		}
		oid, ok := b.marks[n]
		if !ok {
			return ids.GitOid{}, fmt.Errorf("fastimport: mark %d not set", n)
		}
		return oid, nil
	}
	if oid, ok := b.refs[arg]; ok {
		return oid, nil
	}
	return ids.ParseGitOid(arg)
}

func (b *fastImportBackend) resolveDataref(arg string) (ids.GitOid, error) {
	if arg == "inline" {
		return ids.GitOid{}, fmt.Errorf("fastimport: inline dataref not supported")
	}
	return b.resolveCommitish(arg)
}

func (b *fastImportBackend) handleReset(rest string, r gitstore.LineReader) error {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return fmt.Errorf("fastimport: reset missing ref")
	}
	ref := fields[0]

	line, err := readLine(r)
	if err != nil {
		return err
	}
	if line == "" {
		delete(b.refs, ref)
		return nil
	}
	verb, arg := splitVerb(line)
	if verb != "from" {
		return fmt.Errorf("fastimport: unexpected line %q in reset command", line)
	}
	oid, err := b.resolveCommitish(arg)
	if err != nil {
		return err
	}
	b.refs[ref] = oid
	return nil
}

func (b *fastImportBackend) handleGetMark(rest string) error {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
	if err != nil {
		return fmt.Errorf("fastimport: invalid mark %q: %w", rest, err)
	}
	oid, ok := b.marks[n]
	if !ok {
		return fmt.Errorf("fastimport: mark %d not set", n)
	}
	fmt.Fprintf(b.out, "%s\n", oid)
	return nil
}

func (b *fastImportBackend) handleCatBlob(rest string) error {
	oid, err := b.resolveCommitish(strings.TrimSpace(rest))
	if err != nil {
		return err
	}
	data, typ, err := b.objects.Get(oid)
	if err != nil {
		return fmt.Errorf("fastimport: cat-blob %s: %w", oid, err)
	}
	fmt.Fprintf(b.out, "%s %s %d\n", oid, typ, len(data))
	b.out.Write(data)
	fmt.Fprintln(b.out)
	return nil
}

func (b *fastImportBackend) handleLs(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return fmt.Errorf("fastimport: ls wants 2 arguments")
	}
	treeish, path := fields[0], fields[1]
	oid, err := b.resolveCommitish(treeish)
	if err != nil {
		return err
	}
	raw, typ, err := b.objects.Get(oid)
	if err != nil {
		return fmt.Errorf("fastimport: ls %s: %w", treeish, err)
	}
	root := oid
	if typ == gitstore.ObjCommit {
		c, err := gitstore.ParseCommit(raw)
		if err != nil {
			return err
		}
		root = c.Tree
	}
	tree, err := b.objects.Trees().Get(root)
	if err != nil {
		return fmt.Errorf("fastimport: load tree %s: %w", root, err)
	}
	entry, ok := tree.Get(path)
	if !ok {
		fmt.Fprintf(b.out, "missing %s\n", path)
		return nil
	}
	_, entryTyp, err := b.objects.Get(entry.OID)
	if err != nil {
		entryTyp = gitstore.ObjBlob
	}
	fmt.Fprintf(b.out, "%06o %s %s\t%s\n", entry.Mode, entryTyp, entry.OID, path)
	return nil
}
