package squashfs

import (
	"context"
	"io"
	"path"
)

// TraverseEntry is one step of a pre-order filesystem walk: either a file
// or directory being descended into, or a DirEnd marker popped when a
// directory's entries are exhausted, mirroring squashfuse's traverse.c
// distinction between a regular visit and the dir_end sentinel a caller
// needs to, e.g., pop a path stack or close a per-directory resource.
type TraverseEntry struct {
	Path    string // full path from the traversal root, '/'-joined
	Name    string // this entry's own name
	Inode   *Inode
	DirEnd  bool // true when this entry signals "done with this directory"
}

// traverseFrame is one level of the descent: the directory's reader and
// the path prefix entries under it should be joined with.
type traverseFrame struct {
	dir    *Inode
	reader *dirReader
	prefix string
}

// Traverser performs a depth-first, pre-order walk of a directory subtree,
// yielding one TraverseEntry per Next call. Grounded on
// sqfs_traverse_descend_inode/sqfs_traverse_ascend/sqfs_traverse_next: a
// stack of open directory readers, descended into on encountering a
// subdirectory and popped (emitting a DirEnd entry) when exhausted.
type Traverser struct {
	sb      *Superblock
	stack   []*traverseFrame
	started bool
	root    *Inode
	rootPfx string
}

// NewTraverser starts a traversal rooted at root, whose entries will be
// reported with paths prefixed by rootPath (use "" for a bare relative
// walk).
func NewTraverser(sb *Superblock, root *Inode, rootPath string) *Traverser {
	return &Traverser{sb: sb, root: root, rootPfx: rootPath}
}

func (t *Traverser) descend(dir *Inode, prefix string) error {
	r, err := t.sb.dirReader(dir, nil)
	if err != nil {
		return err
	}
	t.stack = append(t.stack, &traverseFrame{dir: dir, reader: r, prefix: prefix})
	return nil
}

// Next returns the next entry in pre-order, or io.EOF once the whole
// subtree has been visited.
func (t *Traverser) Next(ctx context.Context) (*TraverseEntry, error) {
	if !t.started {
		t.started = true
		if err := t.descend(t.root, t.rootPfx); err != nil {
			return nil, err
		}
	}

	for len(t.stack) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		top := t.stack[len(t.stack)-1]
		name, _, _, inoR, err := top.reader.nextfull()
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			// Exhausted this directory: ascend and report DirEnd.
			t.stack = t.stack[:len(t.stack)-1]
			return &TraverseEntry{Path: top.prefix, Name: top.dir.nameHint, DirEnd: true}, nil
		}

		ino, err := t.sb.GetInodeRef(inoR)
		if err != nil {
			return nil, err
		}
		t.sb.setInodeRefCache(ino.Ino, inoR)

		entryPath := name
		if top.prefix != "" {
			entryPath = path.Join(top.prefix, name)
		}

		if ino.IsDir() {
			ino.nameHint = name
			if err := t.descend(ino, entryPath); err != nil {
				return nil, err
			}
		}

		return &TraverseEntry{Path: entryPath, Name: name, Inode: ino}, nil
	}

	return nil, io.EOF
}

// Walk drains a Traverser, calling fn for every non-DirEnd entry. fn
// returning an error stops the walk and that error is returned.
func Walk(ctx context.Context, sb *Superblock, root *Inode, rootPath string, fn func(*TraverseEntry) error) error {
	t := NewTraverser(sb, root, rootPath)
	for {
		entry, err := t.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if entry.DirEnd {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
