package vfs

import (
	"testing"

	"go.uber.org/zap"

	"github.com/darkfireeee/Exo-OS-sub002/internal/tmpfs"
)

func TestResolvePathWithDotDot(t *testing.T) {
	fs := tmpfs.New()
	root, err := fs.Get(fs.Root())
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	dirID, err := root.Create("a", KindDirectory, "")
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	dir, _ := fs.Get(dirID)
	fileID, err := dir.Create("b.txt", KindRegular, "")
	if err != nil {
		t.Fatalf("Create b.txt: %v", err)
	}
	file, _ := fs.Get(fileID)
	if _, err := file.WriteAt([]byte("data"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	r, err := NewResolver(zap.NewNop(), fs, 16, 16, 40)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	in, err := r.Resolve("/a/./b.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if in.Size() != 4 {
		t.Fatalf("expected size 4, got %d", in.Size())
	}

	in2, err := r.Resolve("/a/../a/b.txt")
	if err != nil {
		t.Fatalf("Resolve with ..: %v", err)
	}
	if in2.ID() != in.ID() {
		t.Fatalf("expected .. traversal to resolve to the same inode")
	}
}

func TestResolveMissingPathCachesNegativeEntry(t *testing.T) {
	fs := tmpfs.New()
	r, err := NewResolver(zap.NewNop(), fs, 16, 16, 40)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := r.Resolve("/nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Second lookup should hit the cached negative entry and still report
	// not-found without touching the filesystem again.
	if _, err := r.Resolve("/nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on cached negative entry, got %v", err)
	}
}

func TestSymlinkTraversalBounded(t *testing.T) {
	fs := tmpfs.New()
	root, _ := fs.Get(fs.Root())
	// Build a self-referential symlink chain: /loop -> /loop
	if _, err := root.Create("loop", KindSymlink, "/loop"); err != nil {
		t.Fatalf("Create symlink: %v", err)
	}
	r, err := NewResolver(zap.NewNop(), fs, 16, 16, 5)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := r.Resolve("/loop"); err != ErrTooManySymlinks {
		t.Fatalf("expected ErrTooManySymlinks, got %v", err)
	}
}
