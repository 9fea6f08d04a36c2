package squashfs

import (
	"context"
	"io/fs"
	"path"
	"strings"
)

// maxSymlinkDepth bounds symlink-following path resolution, matching
// squashfuse's SQFS_RESOLVE_MAX_DEPTH in resolve.c.
const maxSymlinkDepth = 256

// resolver walks a slash-separated path one component at a time, following
// symlinks as it encounters them, using an explicit inode stack plus a
// queue of not-yet-consumed path components -- the same two pieces
// sqfs_resolver_resolve threads through its loop, rather than recursing
// (a symlink chain of absolute paths can otherwise recurse arbitrarily
// deep before the depth check ever fires).
type resolver struct {
	sb       *Superblock
	stack    []*Inode // stack[0] is always the root
	pending  []string // remaining path components, front is resolved next
	depth    int
}

func newResolver(sb *Superblock) *resolver {
	return &resolver{sb: sb, stack: []*Inode{sb.rootIno}}
}

func (r *resolver) top() *Inode { return r.stack[len(r.stack)-1] }

// pushPath splits name on '/' and prepends its components to the pending
// queue, handling a leading '/' as "reset to root".
func (r *resolver) pushPath(name string) {
	parts := strings.Split(name, "/")
	var comps []string
	for i, p := range parts {
		if p == "" {
			if i == 0 {
				// leading slash: absolute path, reset to root
				r.stack = r.stack[:1]
				continue
			}
			continue
		}
		if p == "." {
			continue
		}
		comps = append(comps, p)
	}
	r.pending = append(comps, r.pending...)
}

// resolve runs the resolver to completion and returns the final inode.
// followFinal controls whether a symlink in the very last path component is
// itself followed (stat semantics) or returned as-is (lstat semantics);
// every non-final symlink is always followed, since a directory component
// has to resolve to an actual directory.
func (r *resolver) resolve(ctx context.Context, name string, followFinal bool) (*Inode, error) {
	r.pushPath(name)

	for len(r.pending) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		comp := r.pending[0]
		r.pending = r.pending[1:]
		isLast := len(r.pending) == 0

		if comp == ".." {
			if len(r.stack) > 1 {
				r.stack = r.stack[:len(r.stack)-1]
			}
			continue
		}

		cur := r.top()
		next, err := cur.LookupRelativeInode(ctx, comp)
		if err != nil {
			return nil, err
		}

		if next.IsSymlink() && (!isLast || followFinal) {
			r.depth++
			if r.depth > maxSymlinkDepth {
				return nil, ErrTooManySymlinks
			}
			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}
			r.pushPath(string(target))
			continue
		}

		r.stack = append(r.stack, next)
	}

	return r.top(), nil
}

// IsSymlink reports whether the inode is a symbolic link (basic or
// extended).
func (i *Inode) IsSymlink() bool {
	return Type(i.Type).IsSymlink()
}

// FindInode resolves a slash-separated path (relative to the filesystem
// root) to its inode, following symlinks along the way and erroring with
// ErrTooManySymlinks past maxSymlinkDepth hops, per squashfuse's resolve.c.
// followSymlink controls whether a symlink named by the final path
// component is itself followed; set false for lstat-like semantics.
func (sb *Superblock) FindInode(name string, followSymlink bool) (*Inode, error) {
	return sb.FindInodeContext(context.Background(), name, followSymlink)
}

func (sb *Superblock) FindInodeContext(ctx context.Context, name string, followSymlink bool) (*Inode, error) {
	r := newResolver(sb)
	return r.resolve(ctx, name, followSymlink)
}

// Lstat resolves name like FindInode but does not follow a final symlink
// component, matching the POSIX lstat/stat distinction, and returns the
// fs.FileInfo view of the result the way the rest of this package's
// io/fs-facing methods do.
func (sb *Superblock) Lstat(name string) (fs.FileInfo, error) {
	ino, err := sb.FindInode(name, false)
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: path.Base(name), ino: ino}, nil
}
