// Package orchestrator implements the command dispatcher that drives
// changegroup streams and single-object store/set operations, resolving
// `:h<hex>[:path]` mark references and enforcing the changeset conflict
// resolution rule.
package orchestrator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nullbridge/hg2git/internal/config"
	"github.com/nullbridge/hg2git/internal/filestore"
	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/heads"
	"github.com/nullbridge/hg2git/internal/ids"
	"github.com/nullbridge/hg2git/internal/manifest"
	"github.com/nullbridge/hg2git/internal/notes"
	"github.com/nullbridge/hg2git/internal/revchunk"
)

// hgMarkSlot is the single fast-import mark id reused by the `:h<hex>`
// reference syntax. Safe only because the driver is single-threaded and
// each command fully consumes the mark before the next command can set it
// again.
const hgMarkSlot = 2

const (
	sentinelHg2Git = "refs/cinnabar/hg2git"
	sentinelGit2Hg = "refs/notes/cinnabar"
)

// Orchestrator wires together every other component: the two NotesTree
// instances, the files_meta tree, both HeadsSets, FileStore, ManifestStore
// and the underlying ObjectStore driver, dispatching the command stream.
type Orchestrator struct {
	cfg     *config.Config
	objects *gitstore.Store
	backend gitstore.Backend

	hg2git    *notes.Tree
	git2hg    *notes.Tree
	filesMeta *notes.Tree

	changesetHeads *heads.Set
	manifestHeads  *heads.Set

	files     *filestore.Store
	manifests *manifest.Store

	out io.Writer

	done bool
}

// New constructs an Orchestrator. backend is the external fast-import
// style object database this module delegates pass-through commands to.
func New(cfg *config.Config, objects *gitstore.Store, backend gitstore.Backend, out io.Writer) *Orchestrator {
	hg2git := notes.New(objects, notes.GitlinkMode)
	git2hg := notes.New(objects, notes.RegularMode)
	filesMeta := notes.New(objects, notes.RegularMode)

	return &Orchestrator{
		cfg:            cfg,
		objects:        objects,
		backend:        backend,
		hg2git:         hg2git,
		git2hg:         git2hg,
		filesMeta:      filesMeta,
		changesetHeads: heads.New(objects, false),
		manifestHeads:  heads.New(objects, true),
		files:          filestore.New(objects, hg2git, filesMeta),
		manifests:      manifest.New(objects, hg2git, cfg.CheckManifests()),
		out:            out,
	}
}

// ErrProtocol signals a malformed or unrecognized command line.
var ErrProtocol = fmt.Errorf("orchestrator: protocol violation")

// Dispatch reads and executes exactly one command from r. A returned error
// is always fatal per §7; the caller (cmd/hg2git-helper) turns it into the
// `fatal: <message>\n` / nonzero-exit contract.
func (o *Orchestrator) Dispatch(r *bufio.Reader) error {
	line, err := readLine(r)
	if err == io.EOF {
		o.done = true
		return io.EOF
	}
	if err != nil {
		return err
	}
	if line == "" {
		return nil
	}

	verb, rest := splitVerb(line)
	switch verb {
	case "feature":
		return o.backend.Forward(line, r)
	case "blob", "get-mark", "cat-blob", "ls":
		return o.backend.Forward(line, r)
	case "commit":
		return o.dispatchCommitOrReset(verb, rest, line, r)
	case "reset":
		return o.dispatchCommitOrReset(verb, rest, line, r)
	case "set":
		return o.handleSet(rest)
	case "store":
		return o.handleStore(rest, r)
	case "done":
		o.done = true
		return o.handleDone()
	default:
		return fmt.Errorf("%w: unknown command %q", ErrProtocol, verb)
	}
}

// Done reports whether a `done` command has already been processed.
func (o *Orchestrator) Done() bool { return o.done }

func splitVerb(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// readLine reads one line, stripping the trailing newline. io.EOF is
// returned verbatim when there is nothing left to read at all, letting the
// caller distinguish "stream ended" from "blank line received"; a final
// unterminated line is returned with a nil error, and the next call
// returns io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\n")
	if err == io.EOF && line == "" {
		return "", io.EOF
	}
	return line, nil
}

// dispatchCommitOrReset forwards commit/reset to the backend, then, when
// the ref argument is one of the two sentinel refs (§4.8), reinitializes
// the corresponding notes tree from the commit the ref now points at.
func (o *Orchestrator) dispatchCommitOrReset(verb, rest, line string, r *bufio.Reader) error {
	ref := strings.Fields(rest)
	if len(ref) == 0 {
		return fmt.Errorf("%w: %s missing ref", ErrProtocol, verb)
	}
	refName := ref[0]

	if err := o.backend.Forward(line, r); err != nil {
		return fmt.Errorf("orchestrator: forward %s: %w", verb, err)
	}

	switch refName {
	case sentinelHg2Git:
		return o.reinitNotesTree(o.hg2git, refName)
	case sentinelGit2Hg:
		return o.reinitNotesTree(o.git2hg, refName)
	default:
		return nil
	}
}

func (o *Orchestrator) reinitNotesTree(tree *notes.Tree, refName string) error {
	tip, ok, err := o.backend.ResolveRef(refName)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve %s: %w", refName, err)
	}
	if !ok {
		tree.Reset(ids.GitOid{})
		return nil
	}
	raw, typ, err := o.objects.Get(tip)
	if err != nil {
		return fmt.Errorf("orchestrator: load %s commit: %w", refName, err)
	}
	if typ != gitstore.ObjCommit {
		return fmt.Errorf("%w: %s does not point at a commit", ErrProtocol, refName)
	}
	c, err := gitstore.ParseCommit(raw)
	if err != nil {
		return fmt.Errorf("orchestrator: parse %s commit: %w", refName, err)
	}
	tree.Reset(c.Tree)
	return nil
}

// handleSet implements `set <kind> <hg-sha> <git-ref-or-mark>`. For
// "git2hg", the changeset conflict rule of §4.7 is enforced: if the
// target commit already has a git2hg entry for a *different* Mercurial
// changeset, its body is mutated (trailing NUL appended, re-hashed) until
// the resulting oid is unused or already belongs to this changeset. When
// the target was given as a fast-import mark, the mark is rebound to the
// resolved oid so a later `set hg2git` against the same mark picks it up.
func (o *Orchestrator) handleSet(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return fmt.Errorf("%w: set wants 3 arguments, got %d", ErrProtocol, len(fields))
	}
	kind, hgHex, target := fields[0], fields[1], fields[2]

	hgOid, err := ids.ParseHgOid(hgHex)
	if err != nil {
		return fmt.Errorf("orchestrator: invalid sha %q: %w", hgHex, err)
	}

	gitOid, markID, isMark, err := o.resolveTarget(target)
	if err != nil {
		return err
	}

	switch kind {
	case "hg2git":
		o.hg2git.Put(notes.Key(hgOid), gitOid)
		return nil
	case "git2hg":
		if err := o.ensureChangesetHeadsInitialized(); err != nil {
			return err
		}
		if err := o.checkObjectKind(gitOid, gitstore.ObjCommit); err != nil {
			return err
		}
		finalOid, err := o.resolveChangesetConflict(hgOid, gitOid)
		if err != nil {
			return err
		}
		if isMark {
			o.backend.SetMark(markID, finalOid)
		}
		if err := o.changesetHeads.Add(finalOid, ids.GitOid{}); err != nil {
			return fmt.Errorf("orchestrator: update changeset heads: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown set kind %q", ErrProtocol, kind)
	}
}

// resolveChangesetConflict implements §4.7. meta is the
// "changeset <40hex>\n" metadata blob that git2hg's value points at.
func (o *Orchestrator) resolveChangesetConflict(hgOid ids.HgOid, gitOid ids.GitOid) (ids.GitOid, error) {
	meta := []byte("changeset " + hgOid.String() + "\n")
	metaBlob, err := o.objects.StoreObject(gitstore.ObjBlob, meta, ids.GitOid{})
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("orchestrator: store git2hg metadata: %w", err)
	}

	for {
		existing, ok, err := o.git2hg.Get(notes.Key(gitOid))
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("orchestrator: lookup git2hg %s: %w", gitOid, err)
		}
		if !ok || existing == metaBlob {
			o.git2hg.Put(notes.Key(gitOid), metaBlob)
			o.hg2git.Put(notes.Key(hgOid), gitOid)
			return gitOid, nil
		}

		raw, typ, err := o.objects.Get(gitOid)
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("orchestrator: load colliding commit %s: %w", gitOid, err)
		}
		if typ != gitstore.ObjCommit {
			return ids.GitOid{}, fmt.Errorf("orchestrator: object-type mismatch: %s is %s, want commit", gitOid, typ)
		}
		c, err := gitstore.ParseCommit(raw)
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("orchestrator: parse colliding commit %s: %w", gitOid, err)
		}
		newBody := append(append([]byte{}, c.Body...), 0)
		newRaw := gitstore.BuildCommit(c.Tree, c.Parents, c.Author, c.Committer, newBody)
		gitOid, err = o.objects.StoreObject(gitstore.ObjCommit, newRaw, ids.GitOid{})
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("orchestrator: rehash colliding commit: %w", err)
		}
	}
}

func (o *Orchestrator) checkObjectKind(oid ids.GitOid, want gitstore.ObjectType) error {
	_, typ, err := o.objects.Get(oid)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve %s: %w", oid, err)
	}
	if typ != want {
		return fmt.Errorf("orchestrator: object-type mismatch: %s is %s, want %s", oid, typ, want)
	}
	return nil
}

// resolveTarget decodes either a plain 40-hex GitOid, a fast-import mark
// (":N"), or a `:h<hex>[:path]` hg-mark reference. markID/isMark are set
// only for the fast-import-mark case, letting a caller rebind the mark
// after mutating the oid it resolved to.
func (o *Orchestrator) resolveTarget(target string) (oid ids.GitOid, markID int, isMark bool, err error) {
	if strings.HasPrefix(target, ":h") {
		oid, err = o.resolveHgMark(target)
		return oid, 0, false, err
	}
	if strings.HasPrefix(target, ":") {
		n, err := strconv.Atoi(target[1:])
		if err != nil {
			return ids.GitOid{}, 0, false, fmt.Errorf("%w: invalid mark %q", ErrProtocol, target)
		}
		oid, ok := o.backend.ResolveMark(n)
		if !ok {
			return ids.GitOid{}, 0, false, fmt.Errorf("orchestrator: mark %d not set", n)
		}
		return oid, n, true, nil
	}
	oid, err = ids.ParseGitOid(target)
	if err != nil {
		return ids.GitOid{}, 0, false, fmt.Errorf("orchestrator: invalid sha %q: %w", target, err)
	}
	return oid, 0, false, nil
}

// resolveHgMark resolves `:h<40-hex>[:<path>]`: the hg node is looked up
// in hg2git; when a path suffix is present the tree at that path within
// the mapped commit's tree is used instead, binding the result to the
// reused mark slot.
func (o *Orchestrator) resolveHgMark(arg string) (ids.GitOid, error) {
	rest := strings.TrimPrefix(arg, ":h")
	hexPart, path, hasPath := strings.Cut(rest, ":")

	hgOid, err := ids.ParseHgOid(hexPart)
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("%w: invalid hg mark %q: %v", ErrProtocol, arg, err)
	}

	gitOid, ok, err := o.hg2git.Get(notes.Key(hgOid))
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("orchestrator: resolve hg mark %s: %w", hgOid, err)
	}
	if !ok {
		return ids.GitOid{}, fmt.Errorf("orchestrator: unknown delta parent %s", hgOid)
	}

	if hasPath && path != "" {
		gitOid, err = o.treeAtPath(gitOid, path)
		if err != nil {
			return ids.GitOid{}, err
		}
	}

	o.backend.SetMark(hgMarkSlot, gitOid)
	return gitOid, nil
}

// treeAtPath descends from commitOID's tree through path's components,
// each stored under an underscore-prefixed name per the ManifestStore tree
// convention (§4.6), falling back to the canonical empty tree when the
// path isn't present.
func (o *Orchestrator) treeAtPath(commitOID ids.GitOid, path string) (ids.GitOid, error) {
	raw, typ, err := o.objects.Get(commitOID)
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("orchestrator: load %s: %w", commitOID, err)
	}
	if typ != gitstore.ObjCommit {
		return gitstore.EmptyTreeOID, nil
	}
	c, err := gitstore.ParseCommit(raw)
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("orchestrator: parse commit %s: %w", commitOID, err)
	}

	cur := c.Tree
	for _, part := range strings.Split(path, "/") {
		tree, err := o.objects.Trees().Get(cur)
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("orchestrator: load tree %s: %w", cur, err)
		}
		entry, ok := tree.Get("_" + part)
		if !ok {
			return gitstore.EmptyTreeOID, nil
		}
		cur = entry.OID
	}
	return cur, nil
}

// handleStore implements the `store ...` command family.
func (o *Orchestrator) handleStore(rest string, r *bufio.Reader) error {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return fmt.Errorf("%w: store missing subcommand", ErrProtocol)
	}

	switch fields[0] {
	case "metadata":
		if len(fields) != 2 {
			return fmt.Errorf("%w: store metadata wants 1 argument", ErrProtocol)
		}
		return o.handleStoreMetadata(fields[1])
	case "file":
		if len(fields) != 3 {
			return fmt.Errorf("%w: store file wants 2 arguments", ErrProtocol)
		}
		return o.handleStoreFile(fields[1], fields[2], r)
	case "manifest":
		if len(fields) != 3 {
			return fmt.Errorf("%w: store manifest wants 2 arguments", ErrProtocol)
		}
		return o.handleStoreManifest(fields[1], fields[2], r)
	case "changegroup":
		if len(fields) != 2 {
			return fmt.Errorf("%w: store changegroup wants 1 argument", ErrProtocol)
		}
		return o.handleStoreChangegroup(fields[1], r)
	default:
		return fmt.Errorf("%w: unknown store subcommand %q", ErrProtocol, fields[0])
	}
}

// handleStoreMetadata flushes the named notes tree and prints its
// resulting root oid followed by a newline on stdout.
func (o *Orchestrator) handleStoreMetadata(kind string) error {
	var tree *notes.Tree
	switch kind {
	case "hg2git":
		tree = o.hg2git
	case "git2hg":
		tree = o.git2hg
	case "files-meta":
		tree = o.filesMeta
	default:
		return fmt.Errorf("%w: unknown metadata kind %q", ErrProtocol, kind)
	}

	root, err := tree.Flush()
	if err != nil {
		return fmt.Errorf("orchestrator: flush %s: %w", kind, err)
	}
	fmt.Fprintf(o.out, "%s\n", root)
	return nil
}

func readChunkBody(r *bufio.Reader, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("orchestrator: read chunk body: %w", err)
	}
	return buf, nil
}

// decodeStandaloneChunk decodes a single chunk read for a `store
// file`/`store manifest` command, where tag is either the literal "cg2"
// (delta parent taken from the chunk header's explicit v2 slot) or a
// 40-hex delta-node sha supplied directly as the command argument.
func decodeStandaloneChunk(tag string, buf []byte) (*revchunk.RevChunk, error) {
	if tag == "cg2" {
		return revchunk.DecodeCG2(buf)
	}
	deltaNode, err := ids.ParseHgOid(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid delta-node-sha %q: %v", ErrProtocol, tag, err)
	}
	return revchunk.DecodeStandalone(buf, deltaNode)
}

// handleStoreFile implements `store file <cg2|delta-node-sha> <length>`.
func (o *Orchestrator) handleStoreFile(tag, lengthStr string, r *bufio.Reader) error {
	length, err := strconv.Atoi(lengthStr)
	if err != nil {
		return fmt.Errorf("%w: invalid length %q", ErrProtocol, lengthStr)
	}
	buf, err := readChunkBody(r, length)
	if err != nil {
		return err
	}
	rc, err := decodeStandaloneChunk(tag, buf)
	if err != nil {
		return fmt.Errorf("orchestrator: decode file chunk: %w", err)
	}
	return o.files.Store(rc)
}

// handleStoreManifest implements `store manifest <cg2|delta-node-sha>
// <length>`, tracking manifest heads.
func (o *Orchestrator) handleStoreManifest(tag, lengthStr string, r *bufio.Reader) error {
	length, err := strconv.Atoi(lengthStr)
	if err != nil {
		return fmt.Errorf("%w: invalid length %q", ErrProtocol, lengthStr)
	}
	buf, err := readChunkBody(r, length)
	if err != nil {
		return err
	}
	rc, err := decodeStandaloneChunk(tag, buf)
	if err != nil {
		return fmt.Errorf("orchestrator: decode manifest chunk: %w", err)
	}
	return o.storeManifestChunk(rc)
}

func (o *Orchestrator) storeManifestChunk(rc *revchunk.RevChunk) error {
	if err := o.ensureManifestHeadsInitialized(); err != nil {
		return err
	}
	commitOID, err := o.manifests.Store(rc)
	if err != nil {
		return fmt.Errorf("orchestrator: store manifest: %w", err)
	}
	if err := o.manifestHeads.Add(commitOID, ids.GitOid{}); err != nil {
		return fmt.Errorf("orchestrator: update manifest heads: %w", err)
	}
	return nil
}

// ensureManifestHeadsInitialized seeds manifestHeads from the current
// MANIFESTS_REF tip the first time a manifest is stored in this session.
func (o *Orchestrator) ensureManifestHeadsInitialized() error {
	tip, ok, err := o.backend.ResolveRef(o.cfg.ManifestsRef())
	if err != nil {
		return fmt.Errorf("orchestrator: resolve %s: %w", o.cfg.ManifestsRef(), err)
	}
	if !ok {
		tip = ids.GitOid{}
	}
	return o.manifestHeads.EnsureInitialized(tip)
}

// ensureChangesetHeadsInitialized seeds changesetHeads from the current
// CHANGESETS_REF tip the first time a changeset is recorded in this
// session.
func (o *Orchestrator) ensureChangesetHeadsInitialized() error {
	tip, ok, err := o.backend.ResolveRef(o.cfg.ChangesetsRef())
	if err != nil {
		return fmt.Errorf("orchestrator: resolve %s: %w", o.cfg.ChangesetsRef(), err)
	}
	if !ok {
		tip = ids.GitOid{}
	}
	return o.changesetHeads.EnsureInitialized(tip)
}

// handleStoreChangegroup implements `store changegroup {1,2}`: changesets
// are read and skipped, manifests are stored, then each file section is
// stored, in the order the format requires.
func (o *Orchestrator) handleStoreChangegroup(versionStr string, r *bufio.Reader) error {
	var version revchunk.Version
	switch versionStr {
	case "1":
		version = revchunk.V1
	case "2":
		version = revchunk.V2
	default:
		return fmt.Errorf("%w: unknown changegroup version %q", ErrProtocol, versionStr)
	}

	if err := o.skipSection(r); err != nil {
		return fmt.Errorf("orchestrator: skip changesets: %w", err)
	}

	if err := o.storeManifestSection(version, r); err != nil {
		return err
	}

	return o.storeFileSections(version, r)
}

func (o *Orchestrator) skipSection(r *bufio.Reader) error {
	seq := revchunk.NewSequence(revchunk.V2)
	for {
		buf, length, err := readFramedChunk(r)
		if err != nil {
			return err
		}
		if length == 0 {
			return nil
		}
		if _, err := seq.Next(buf); err != nil {
			return fmt.Errorf("orchestrator: decode chunk: %w", err)
		}
	}
}

func (o *Orchestrator) storeManifestSection(version revchunk.Version, r *bufio.Reader) error {
	seq := revchunk.NewSequence(version)
	for {
		buf, length, err := readFramedChunk(r)
		if err != nil {
			return fmt.Errorf("orchestrator: read manifest chunk: %w", err)
		}
		if length == 0 {
			return nil
		}
		rc, err := seq.Next(buf)
		if err != nil {
			return fmt.Errorf("orchestrator: decode manifest chunk: %w", err)
		}
		if err := o.storeManifestChunk(rc); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) storeFileSections(version revchunk.Version, r *bufio.Reader) error {
	for {
		nameBuf, length, err := readFramedChunk(r)
		if err != nil {
			return fmt.Errorf("orchestrator: read filename chunk: %w", err)
		}
		if length == 0 {
			return nil
		}
		_ = nameBuf // filename is routing metadata only; FileStore is path-agnostic.

		seq := revchunk.NewSequence(version)
		for {
			buf, chunkLen, err := readFramedChunk(r)
			if err != nil {
				return fmt.Errorf("orchestrator: read file chunk: %w", err)
			}
			if chunkLen == 0 {
				break
			}
			rc, err := seq.Next(buf)
			if err != nil {
				return fmt.Errorf("orchestrator: decode file chunk: %w", err)
			}
			if err := o.files.Store(rc); err != nil {
				return fmt.Errorf("orchestrator: store file chunk: %w", err)
			}
		}
	}
}

// readFramedChunk reads one changegroup-framed chunk: a 4-byte big-endian
// length followed by that many bytes. A length of zero ends the section
// and carries no body.
func readFramedChunk(r *bufio.Reader) (body []byte, length int, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, 0, err
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if n == 0 {
		return nil, 0, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, err
	}
	return buf, n, nil
}

// handleDone flushes the notes trees and finalizes the pack. The heads
// sets are not written out.
func (o *Orchestrator) handleDone() error {
	for _, t := range []*notes.Tree{o.hg2git, o.git2hg, o.filesMeta} {
		if _, err := t.Flush(); err != nil {
			return fmt.Errorf("orchestrator: flush notes tree on done: %w", err)
		}
	}
	if _, err := o.objects.Finish(); err != nil {
		return fmt.Errorf("orchestrator: finalize pack: %w", err)
	}
	return nil
}
