package fs

import (
	"bytes"
	"context"
	"os"
	"syscall"
	"testing"

	"bazil.org/fuse"
)

func TestFileOperations(t *testing.T) {
	pfs, eng := setupTestFS(t)
	ctx := context.Background()
	dir := rootDir(t, pfs)

	node, handle, err := dir.Create(ctx, &fuse.CreateRequest{Name: "testfile.txt"}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	file := node.(*File)
	fh := handle.(*File)

	write := func(t *testing.T, off int64, data string) {
		t.Helper()
		resp := &fuse.WriteResponse{}
		if err := fh.Write(ctx, &fuse.WriteRequest{Offset: off, Data: []byte(data)}, resp); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if resp.Size != len(data) {
			t.Errorf("Expected %d bytes written, got %d", len(data), resp.Size)
		}
	}
	read := func(t *testing.T, off int64, size int) string {
		t.Helper()
		resp := &fuse.ReadResponse{}
		if err := fh.Read(ctx, &fuse.ReadRequest{Offset: off, Size: size}, resp); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		return string(resp.Data)
	}

	t.Run("CreateTwice", func(t *testing.T) {
		_, _, err := dir.Create(ctx, &fuse.CreateRequest{Name: "testfile.txt"}, &fuse.CreateResponse{})
		if err != syscall.EEXIST {
			t.Errorf("Expected EEXIST, got %v", err)
		}
	})

	t.Run("FileAttributes", func(t *testing.T) {
		write(t, 0, "test file content")

		found, err := dir.Lookup(ctx, "testfile.txt")
		if err != nil {
			t.Fatalf("Failed to lookup file: %v", err)
		}
		attr := &fuse.Attr{}
		if err := found.Attr(ctx, attr); err != nil {
			t.Fatalf("Failed to get file attributes: %v", err)
		}
		if attr.Mode&os.ModeDir != 0 {
			t.Error("File should not be a directory")
		}
		if attr.Size != uint64(len("test file content")) {
			t.Errorf("Expected size %d, got %d", len("test file content"), attr.Size)
		}
		if attr.Blocks != 1 {
			t.Errorf("Expected 1 block, got %d", attr.Blocks)
		}
	})

	t.Run("FileReading", func(t *testing.T) {
		if _, err := file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{}); err != nil {
			t.Fatalf("Failed to open file: %v", err)
		}
		if got := read(t, 0, 100); got != "test file content" {
			t.Errorf("Expected full content, got %q", got)
		}
		if got := read(t, 5, 4); got != "file" {
			t.Errorf("Expected \"file\", got %q", got)
		}
		if got := read(t, 100, 10); got != "" {
			t.Errorf("Read past end returned %q", got)
		}
	})

	t.Run("WriteAtOffset", func(t *testing.T) {
		write(t, 5, "FILE")
		if got := read(t, 0, 100); got != "test FILE content" {
			t.Errorf("Unexpected content %q", got)
		}

		write(t, 20, "tail")
		want := "test FILE content\x00\x00\x00tail"
		if got := read(t, 0, 100); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	})

	t.Run("LargeWrite", func(t *testing.T) {
		big := bytes.Repeat([]byte("0123456789"), 60)
		write(t, 0, string(big))
		if got := read(t, 0, len(big)+10); got != string(big) {
			t.Errorf("Large content mismatch: %d bytes read", len(got))
		}
		if got := read(t, 250, 20); got != string(big[250:270]) {
			t.Errorf("Ranged read across pages returned %q", got)
		}
	})

	t.Run("Truncate", func(t *testing.T) {
		used := eng.Usage().PoolUsed
		req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 4}
		resp := &fuse.SetattrResponse{}
		if err := file.Setattr(ctx, req, resp); err != nil {
			t.Fatalf("Setattr failed: %v", err)
		}
		if resp.Attr.Size != 4 {
			t.Errorf("Expected size 4 in response, got %d", resp.Attr.Size)
		}
		if got := read(t, 0, 100); got != "0123" {
			t.Errorf("Expected \"0123\", got %q", got)
		}
		if eng.Usage().PoolUsed >= used {
			t.Error("Truncation did not release pages")
		}

		req = &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 6}
		if err := file.Setattr(ctx, req, &fuse.SetattrResponse{}); err != nil {
			t.Fatalf("Setattr failed: %v", err)
		}
		if got := read(t, 0, 100); got != "0123\x00\x00" {
			t.Errorf("Expected zero extension, got %q", got)
		}
	})

	t.Run("TruncateTooLarge", func(t *testing.T) {
		limit := uint64(eng.MaxFileSize())
		for _, size := range []uint64{limit + 1, 1 << 40, 1 << 62, ^uint64(0)} {
			req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: size}
			if err := file.Setattr(ctx, req, &fuse.SetattrResponse{}); err != syscall.EFBIG {
				t.Errorf("Setattr size %d: expected EFBIG, got %v", size, err)
			}
		}
		if got := read(t, 0, 100); got != "0123\x00\x00" {
			t.Errorf("Rejected truncate changed the content: %q", got)
		}
	})

	t.Run("WriteTooLarge", func(t *testing.T) {
		limit := eng.MaxFileSize()
		tests := []struct {
			name string
			off  int64
			size int
		}{
			{"past limit", limit, 1},
			{"straddling limit", limit - 2, 3},
			{"huge offset", 1 << 40, 1},
			{"overflowing offset", 1<<63 - 1, 4},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := &fuse.WriteRequest{Offset: tt.off, Data: make([]byte, tt.size)}
				if err := fh.Write(ctx, req, &fuse.WriteResponse{}); err != syscall.EFBIG {
					t.Errorf("Expected EFBIG, got %v", err)
				}
			})
		}
		if got := read(t, 0, 100); got != "0123\x00\x00" {
			t.Errorf("Rejected write changed the content: %q", got)
		}
	})

	t.Run("FlushAndFsync", func(t *testing.T) {
		if err := fh.Flush(ctx, &fuse.FlushRequest{}); err != nil {
			t.Errorf("Flush failed: %v", err)
		}
		if err := file.Fsync(ctx, &fuse.FsyncRequest{}); err != nil {
			t.Errorf("Fsync failed: %v", err)
		}
	})

	t.Run("CatThroughEngine", func(t *testing.T) {
		data, err := eng.Cat("testfile.txt")
		if err != nil {
			t.Fatalf("Cat failed: %v", err)
		}
		if string(data) != "0123\x00\x00" {
			t.Errorf("Engine sees %q", data)
		}
	})

	t.Run("RemoveFile", func(t *testing.T) {
		if err := dir.Remove(ctx, &fuse.RemoveRequest{Name: "testfile.txt"}); err != nil {
			t.Fatalf("Failed to remove file: %v", err)
		}
		attr := &fuse.Attr{}
		if err := file.Attr(ctx, attr); err != syscall.ENOENT {
			t.Errorf("Expected ENOENT for removed file, got %v", err)
		}
		if err := fh.Read(ctx, &fuse.ReadRequest{Size: 10}, &fuse.ReadResponse{}); err != syscall.ENOENT {
			t.Errorf("Expected ENOENT reading removed file, got %v", err)
		}
		if eng.Usage().PoolUsed != 0 {
			t.Errorf("Expected empty pool, %d bytes in use", eng.Usage().PoolUsed)
		}
	})

	t.Run("OutOfSpace", func(t *testing.T) {
		f, _, err := dir.Create(ctx, &fuse.CreateRequest{Name: "huge"}, &fuse.CreateResponse{})
		if err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
		if err := eng.Write("filler", make([]byte, 124*20)); err != nil {
			t.Fatalf("Failed to write filler: %v", err)
		}
		// fits an empty pool but not what is left of this one
		huge := make([]byte, 124*50)
		err = f.(*File).Write(ctx, &fuse.WriteRequest{Data: huge}, &fuse.WriteResponse{})
		if err != syscall.ENOSPC {
			t.Errorf("Expected ENOSPC, got %v", err)
		}
	})
}
