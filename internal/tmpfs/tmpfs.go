// Package tmpfs is an in-memory filesystem exercising internal/vfs.
//
// tmpfs keeps every inode in one map keyed by id rather than a node
// graph of pointers, the same flat-table idiom internal/memory and
// internal/capability's object tables use.
package tmpfs

import (
	"sync"
	"sync/atomic"

	"github.com/darkfireeee/Exo-OS-sub002/internal/vfs"
)

// FS is an in-memory filesystem: every inode lives in a single map, and
// directory entries are plain name->id maps.
type FS struct {
	mu     sync.RWMutex
	inodes map[vfs.InodeID]*inode
	nextID uint64
	root   vfs.InodeID
}

// New constructs a tmpfs with an empty root directory.
func New() *FS {
	fs := &FS{inodes: make(map[vfs.InodeID]*inode)}
	rootID := fs.allocID()
	fs.inodes[rootID] = &inode{id: rootID, kind: vfs.KindDirectory, fs: fs, children: make(map[string]vfs.InodeID)}
	fs.root = rootID
	return fs
}

func (fs *FS) allocID() vfs.InodeID {
	return vfs.InodeID(atomic.AddUint64(&fs.nextID, 1))
}

// Root implements vfs.Filesystem.
func (fs *FS) Root() vfs.InodeID { return fs.root }

// Get implements vfs.Filesystem.
func (fs *FS) Get(id vfs.InodeID) (vfs.Inode, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	in, ok := fs.inodes[id]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return in, nil
}

// inode implements vfs.Inode backed by an in-memory byte buffer (regular
// files), a name->id map (directories), or a target string (symlinks).
type inode struct {
	mu       sync.RWMutex
	id       vfs.InodeID
	kind     vfs.InodeKind
	fs       *FS
	data     []byte
	children map[string]vfs.InodeID
	target   string
}

func (n *inode) ID() vfs.InodeID     { return n.id }
func (n *inode) Kind() vfs.InodeKind { return n.kind }

func (n *inode) Size() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.kind == vfs.KindRegular {
		return int64(len(n.data))
	}
	return 0
}

func (n *inode) ReadAt(p []byte, off int64) (int, error) {
	if n.kind != vfs.KindRegular {
		return 0, vfs.ErrIsDirectory
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	c := copy(p, n.data[off:])
	return c, nil
}

func (n *inode) WriteAt(p []byte, off int64) (int, error) {
	if n.kind != vfs.KindRegular {
		return 0, vfs.ErrIsDirectory
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], p)
	return len(p), nil
}

func (n *inode) Truncate(size int64) error {
	if n.kind != vfs.KindRegular {
		return vfs.ErrIsDirectory
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if size < int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	return nil
}

func (n *inode) Readlink() (string, error) {
	if n.kind != vfs.KindSymlink {
		return "", vfs.ErrNotFound
	}
	return n.target, nil
}

func (n *inode) Lookup(name string) (vfs.InodeID, error) {
	if n.kind != vfs.KindDirectory {
		return 0, vfs.ErrNotDirectory
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.children[name]
	if !ok {
		return 0, vfs.ErrNotFound
	}
	return id, nil
}

func (n *inode) Create(name string, kind vfs.InodeKind, target string) (vfs.InodeID, error) {
	if n.kind != vfs.KindDirectory {
		return 0, vfs.ErrNotDirectory
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.children[name]; exists {
		return 0, vfs.ErrExists
	}
	id := n.fs.allocID()
	child := &inode{id: id, kind: kind, fs: n.fs, target: target}
	if kind == vfs.KindDirectory {
		child.children = make(map[string]vfs.InodeID)
	}
	n.fs.mu.Lock()
	n.fs.inodes[id] = child
	n.fs.mu.Unlock()
	n.children[name] = id
	return id, nil
}

func (n *inode) Unlink(name string) error {
	if n.kind != vfs.KindDirectory {
		return vfs.ErrNotDirectory
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.children[name]
	if !ok {
		return vfs.ErrNotFound
	}
	n.fs.mu.RLock()
	target := n.fs.inodes[id]
	n.fs.mu.RUnlock()
	if target != nil && target.kind == vfs.KindDirectory && len(target.children) > 0 {
		return vfs.ErrNotEmpty
	}
	delete(n.children, name)
	n.fs.mu.Lock()
	delete(n.fs.inodes, id)
	n.fs.mu.Unlock()
	return nil
}

func (n *inode) Readdir() ([]string, error) {
	if n.kind != vfs.KindDirectory {
		return nil, vfs.ErrNotDirectory
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	return names, nil
}
