package tmpfs

import (
	"testing"

	"github.com/darkfireeee/Exo-OS-sub002/internal/vfs"
)

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := New()
	root, err := fs.Get(fs.Root())
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	id, err := root.Create("hello.txt", vfs.KindRegular, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	file, err := fs.Get(id)
	if err != nil {
		t.Fatalf("Get file: %v", err)
	}
	if _, err := file.WriteAt([]byte("hi there"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 8)
	n, err := file.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:n]) != "hi there" {
		t.Fatalf("expected 'hi there', got %q", buf[:n])
	}
}

func TestUnlinkRejectsNonEmptyDirectory(t *testing.T) {
	fs := New()
	root, _ := fs.Get(fs.Root())
	dirID, err := root.Create("d", vfs.KindDirectory, "")
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	dir, _ := fs.Get(dirID)
	if _, err := dir.Create("child", vfs.KindRegular, ""); err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if err := root.Unlink("d"); err != vfs.ErrNotEmpty {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
}
