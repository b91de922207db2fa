// Package vfs implements the virtual filesystem layer: an
// Inode interface concrete filesystems implement, a Dentry tree with weak
// parent back-links and negative-entry caching, bounded LRU inode/dentry
// caches, and path resolution with bounded symlink traversal.
//
// Built on hashicorp/golang-lru/v2 for both caches, reaching for a
// well-known generic container package rather than hand-rolling an
// eviction policy.
package vfs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Error is the VFS error taxonomy.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotFound        Error = "vfs: not found"
	ErrNotDirectory    Error = "vfs: not a directory"
	ErrIsDirectory     Error = "vfs: is a directory"
	ErrTooManySymlinks Error = "vfs: too many levels of symbolic links"
	ErrExists          Error = "vfs: already exists"
	ErrNotEmpty        Error = "vfs: directory not empty"
	ErrNoMount         Error = "vfs: no filesystem mounted at root"
)

// InodeKind distinguishes inode types.
type InodeKind int

const (
	KindRegular InodeKind = iota
	KindDirectory
	KindSymlink
)

// InodeID is a filesystem-scoped inode number.
type InodeID uint64

// Inode is the trait concrete filesystems implement: a regular file, directory, or symlink backed by whatever
// storage the filesystem chooses.
type Inode interface {
	ID() InodeID
	Kind() InodeKind
	Size() int64
	// ReadAt/WriteAt only apply to KindRegular inodes.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	// Readlink only applies to KindSymlink inodes.
	Readlink() (string, error)
	// Lookup/Create/Unlink/Readdir only apply to KindDirectory inodes.
	Lookup(name string) (InodeID, error)
	Create(name string, kind InodeKind, target string) (InodeID, error)
	Unlink(name string) error
	Readdir() ([]string, error)
}

// Filesystem is a mountable inode provider: the minimal contract vfs
// needs from a concrete filesystem.
type Filesystem interface {
	Root() InodeID
	Get(id InodeID) (Inode, error)
}

// dentry is one entry in the tree, holding a weak (non-owning) pointer to
// its parent so cycles never keep a subtree alive past its last strong
// reference -- dentries use weak parent back-links to avoid retain cycles.
// Go has no native weak pointer, so the back-link is modeled as a plain
// field that the cache, not the node itself, is responsible for keeping
// alive; dropping a dentry from the LRU is equivalent to dropping the
// weak reference.
type dentry struct {
	name     string
	parent   *dentry
	inode    InodeID
	fs       Filesystem
	negative bool // true: a cached "does not exist" lookup miss
	mount    *mountPoint
}

// mountPoint records a filesystem grafted onto a dentry.
type mountPoint struct {
	fs Filesystem
}

// Resolver performs path resolution over a tree of mounted filesystems,
// backed by bounded inode and dentry caches.
type Resolver struct {
	log *zap.Logger

	root *dentry

	inodeCache  *lru.Cache[cacheKey, Inode]
	dentryCache *lru.Cache[uint64, *dentry]

	maxSymlinks int

	mu sync.RWMutex
}

// cacheKey identifies an inode by filesystem identity and id. Filesystem
// values here are always pointer-backed (tmpfs.FS and friends), so
// comparing the interface values directly compares the underlying
// pointers -- unlike taking the address of a Filesystem parameter, which
// would differ on every call regardless of which filesystem it holds.
type cacheKey struct {
	fs Filesystem
	id InodeID
}

// NewResolver constructs a resolver rooted at rootFS, with cache sizes
// and symlink bound taken from internal/config.VFS.
func NewResolver(log *zap.Logger, rootFS Filesystem, inodeCacheSize, dentryCacheSize, maxSymlinks int) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ic, err := lru.New[cacheKey, Inode](inodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("vfs: inode cache: %w", err)
	}
	dc, err := lru.New[uint64, *dentry](dentryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("vfs: dentry cache: %w", err)
	}
	root := &dentry{name: "/", fs: rootFS, inode: rootFS.Root(), mount: &mountPoint{fs: rootFS}}
	return &Resolver{
		log:         log,
		root:        root,
		inodeCache:  ic,
		dentryCache: dc,
		maxSymlinks: maxSymlinks,
	}, nil
}

// Mount grafts fs onto the dentry at path, which must already resolve to
// a directory.
func (r *Resolver) Mount(path string, fs Filesystem) error {
	d, err := r.resolveDentry(path, 0)
	if err != nil {
		return err
	}
	r.mu.Lock()
	d.mount = &mountPoint{fs: fs}
	d.inode = fs.Root()
	d.fs = fs
	r.mu.Unlock()
	return nil
}

// getInode fetches an inode through the cache.
func (r *Resolver) getInode(fs Filesystem, id InodeID) (Inode, error) {
	key := cacheKey{fs: fs, id: id}
	if in, ok := r.inodeCache.Get(key); ok {
		return in, nil
	}
	in, err := fs.Get(id)
	if err != nil {
		return nil, err
	}
	r.inodeCache.Add(key, in)
	return in, nil
}

// Resolve walks path from the root, following symlinks up to maxSymlinks
// hops, and returns the final inode.
func (r *Resolver) Resolve(path string) (Inode, error) {
	d, err := r.resolveDentry(path, 0)
	if err != nil {
		return nil, err
	}
	return r.getInode(d.fs, d.inode)
}

func (r *Resolver) resolveDentry(path string, depth int) (*dentry, error) {
	if depth > r.maxSymlinks {
		return nil, ErrTooManySymlinks
	}
	cur := r.root
	parts := splitPath(path)
	for _, part := range parts {
		switch part {
		case ".":
			continue
		case "..":
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}

		dkey := dentryCacheKey(cur, part)
		if cached, ok := r.dentryCache.Get(dkey); ok {
			if cached.negative {
				return nil, ErrNotFound
			}
			cur = cached
			continue
		}

		in, err := r.getInode(cur.fs, cur.inode)
		if err != nil {
			return nil, err
		}
		if in.Kind() != KindDirectory {
			return nil, ErrNotDirectory
		}
		childID, err := in.Lookup(part)
		if err != nil {
			r.dentryCache.Add(dkey, &dentry{name: part, parent: cur, negative: true})
			return nil, ErrNotFound
		}
		child := &dentry{name: part, parent: cur, inode: childID, fs: cur.fs}
		r.dentryCache.Add(dkey, child)

		childInode, err := r.getInode(child.fs, child.inode)
		if err != nil {
			return nil, err
		}
		if childInode.Kind() == KindSymlink {
			target, err := childInode.Readlink()
			if err != nil {
				return nil, err
			}
			resolved, err := r.resolveDentry(target, depth+1)
			if err != nil {
				return nil, err
			}
			child = resolved
		}

		if child.mount != nil {
			cur = &dentry{name: part, parent: cur, inode: child.mount.fs.Root(), fs: child.mount.fs, mount: child.mount}
		} else {
			cur = child
		}
	}
	return cur, nil
}

// dentryCacheKey hashes a parent/name pair into the dentry cache's key
// space. xxhash gives a uniform, collision-resistant 64-bit digest
// cheaper than keeping the cache keyed by a formatted string.
func dentryCacheKey(parent *dentry, name string) uint64 {
	h := xxhash.New()
	h.WriteString(fmt.Sprintf("%p", parent))
	h.WriteString("/")
	h.WriteString(name)
	return h.Sum64()
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// InvalidateNegative drops any cached negative entry for name under
// parent, used after a Create makes the name start existing.
func (r *Resolver) InvalidateNegative(parentPath, name string) {
	d, err := r.resolveDentry(parentPath, 0)
	if err != nil {
		return
	}
	r.dentryCache.Remove(dentryCacheKey(d, name))
}
