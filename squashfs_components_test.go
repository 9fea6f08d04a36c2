package squashfs_test

import (
	"bytes"
	"io"
	"io/fs"
	"testing"

	"github.com/moku-fs/squashfs"
)

// TestCompression tests the basic compression functionality
func TestCompression(t *testing.T) {
	// Test the String() method for compression types
	compressionTypes := []squashfs.Compression{
		squashfs.GZip,
		squashfs.LZMA,
		squashfs.LZO,
		squashfs.XZ,
		squashfs.LZ4,
		squashfs.ZSTD,
	}

	expectedNames := []string{
		"GZip",
		"LZMA",
		"LZO",
		"XZ",
		"LZ4",
		"ZSTD",
	}

	for i, compType := range compressionTypes {
		if compType.String() != expectedNames[i] {
			t.Errorf("Expected compression type %d name to be %s, got %s",
				compType, expectedNames[i], compType.String())
		}
	}

	// Test an unknown compression type
	unknownType := squashfs.Compression(99)
	if unknownType.String() != "Compression(99)" {
		t.Errorf("Expected unknown compression type to be Compression(99), got %s", unknownType.String())
	}
}

// TestFileOperations tests various file operations against the synthetic image.
func TestFileOperations(t *testing.T) {
	sqfs := openSyntheticImage(t)

	entries, err := sqfs.ReadDir("sub")
	if err != nil {
		t.Errorf("failed to read directory 'sub': %s", err)
	}
	if len(entries) < 1 {
		t.Errorf("expected at least 1 entry in 'sub', got %d", len(entries))
	}

	for _, entry := range entries {
		name := entry.Name()

		info, err := entry.Info()
		if err != nil {
			t.Errorf("failed to get info for %s: %s", name, err)
		}

		if info.Name() != name {
			t.Errorf("info.Name() returned %s, expected %s", info.Name(), name)
		}

		if info.IsDir() != entry.IsDir() {
			t.Errorf("isDir mismatch for %s: entry.IsDir()=%v, info.IsDir()=%v",
				name, entry.IsDir(), info.IsDir())
		}
	}

	file, err := sqfs.Open("hello.txt")
	if err != nil {
		t.Errorf("failed to open hello.txt: %s", err)
	} else {
		defer file.Close()

		fileInfo, err := file.Stat()
		if err != nil {
			t.Errorf("failed to get stat on open file: %s", err)
		} else if fileInfo.Name() != "hello.txt" {
			t.Errorf("expected filename to be hello.txt, got %s", fileInfo.Name())
		}

		buf := make([]byte, 100)
		n, err := file.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("failed to read from file: %s", err)
		}
		if n == 0 {
			t.Errorf("read 0 bytes from file")
		}
	}

	_, err = sqfs.ReadDir("nonexistent")
	if err == nil {
		t.Errorf("expected error when reading non-existent directory")
	}

	_, err = sqfs.Open("nonexistent/file.txt")
	if err == nil {
		t.Errorf("expected error when opening non-existent file")
	}
}

// TestInodeAttributes tests access to inode attributes.
func TestInodeAttributes(t *testing.T) {
	sqfs := openSyntheticImage(t)

	ino, err := sqfs.FindInode("hello.txt", false)
	if err != nil {
		t.Errorf("failed to find hello.txt: %s", err)
	} else {
		uid := ino.GetUid()
		gid := ino.GetGid()
		t.Logf("UID: %d, GID: %d", uid, gid)
	}

	fileInfo, err := fs.Stat(sqfs, "hello.txt")
	if err != nil {
		t.Errorf("failed to stat hello.txt: %s", err)
	} else {
		mode := fileInfo.Mode()
		if mode.IsDir() {
			t.Errorf("hello.txt should not be a directory")
		}
		if !mode.IsRegular() {
			t.Errorf("hello.txt should be a regular file")
		}
		if mode&0400 == 0 {
			t.Errorf("hello.txt should have read permission")
		}
	}
}

// TestSubFS tests the fs.Sub interface for creating sub-filesystems.
func TestSubFS(t *testing.T) {
	sqfs := openSyntheticImage(t)

	subFS, err := fs.Sub(sqfs, "sub")
	if err != nil {
		t.Errorf("failed to create sub-filesystem: %s", err)
		return
	}

	data, err := fs.ReadFile(subFS, "real.txt")
	if err != nil {
		t.Errorf("failed to read real.txt from sub-filesystem: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from real.txt in sub-filesystem")
	}

	entries, err := fs.ReadDir(subFS, ".")
	if err != nil {
		t.Errorf("failed to read directory entries from sub-filesystem: %s", err)
	} else if len(entries) == 0 {
		t.Errorf("no entries found in sub-filesystem")
	}

	_, err = fs.ReadFile(subFS, "../hello.txt")
	if err == nil {
		t.Errorf("should not be able to access files outside the sub-filesystem")
	}
}

// TestErrorCases tests various error conditions against the synthetic image.
func TestErrorCases(t *testing.T) {
	sqfs := openSyntheticImage(t)

	_, err := sqfs.Open("..")
	if err == nil {
		t.Errorf("expected error opening invalid path '..'")
	}

	dir, err := sqfs.Open("sub")
	if err != nil {
		t.Errorf("failed to open directory: %s", err)
	} else {
		defer dir.Close()

		buf := make([]byte, 100)
		_, err = dir.Read(buf)
		if err == nil {
			t.Errorf("expected error reading from directory")
		}
	}

	_, err = fs.ReadFile(sqfs, "nonexistent.h")
	if err == nil {
		t.Errorf("expected error reading non-existent file")
	}

	_, err = sqfs.FindInode(string(make([]byte, 1000)), false)
	if err == nil {
		t.Errorf("expected error with very long path")
	}
}

// TestFileServerCompatibility tests compatibility with http.FileServer.
func TestFileServerCompatibility(t *testing.T) {
	sqfs := openSyntheticImage(t)

	var fsys fs.FS = sqfs
	var _ fs.StatFS = sqfs

	_, err := fs.Stat(fsys, "hello.txt")
	if err != nil {
		t.Errorf("fs.Stat failed: %s", err)
	}

	_, err = fs.ReadDir(fsys, "sub")
	if err != nil {
		t.Errorf("fs.ReadDir failed: %s", err)
	}

	f, err := fsys.Open("hello.txt")
	if err != nil {
		t.Errorf("Open failed: %s", err)
	} else {
		defer f.Close()

		_, err = f.Stat()
		if err != nil {
			t.Errorf("file.Stat failed: %s", err)
		}

		buf := make([]byte, 100)
		_, err = f.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("file.Read failed: %s", err)
		}

		_, ok := f.(io.ReadSeeker)
		if !ok {
			t.Errorf("file doesn't implement io.ReadSeeker interface")
		}
	}
}

// TestSquashFSNew tests creation of a SquashFS reader from an arbitrary ReaderAt.
func TestSquashFSNew(t *testing.T) {
	img := buildSyntheticImage(t)

	sqfs, err := squashfs.New(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("failed to create SquashFS with New: %s", err)
	}

	data, err := fs.ReadFile(sqfs, "hello.txt")
	if err != nil {
		t.Errorf("failed to read file using New-created SquashFS: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from file")
	}
}
