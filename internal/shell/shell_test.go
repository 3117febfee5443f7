package shell

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"pagefs/internal/disk"
	"pagefs/internal/engine"
)

func setupTestShell(t *testing.T) (*Shell, *engine.Engine, *bytes.Buffer) {
	t.Helper()
	geom := disk.Geometry{PageSize: 128, BitmapPages: 1, RootEntries: 6, PoolPages: 64}
	store, err := disk.NewStore(geom, disk.NewMemory(geom.ImageSize()))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	eng, err := engine.New(store, engine.Options{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	out := &bytes.Buffer{}
	return New(eng, strings.NewReader(""), out, ""), eng, out
}

func run(t *testing.T, s *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if err := s.Execute(line); err != nil {
		t.Fatalf("%q failed: %v", line, err)
	}
	return out.String()
}

func TestDocsSession(t *testing.T) {
	s, _, out := setupTestShell(t)

	run(t, s, out, "mkdir docs")
	run(t, s, out, "cd docs")
	run(t, s, out, "write a.txt 5 68656c6c6f")
	if got := run(t, s, out, "pwd"); got != "/docs/\n" {
		t.Errorf("Expected /docs/, got %q", got)
	}
	if got := run(t, s, out, "ls"); got != "f 5 a.txt\n" {
		t.Errorf("Unexpected listing %q", got)
	}
	if got := run(t, s, out, "cat a.txt"); got != "hello\n" {
		t.Errorf("Expected hello, got %q", got)
	}

	run(t, s, out, "append a.txt 3 212121")
	if got := run(t, s, out, "get a.txt 3 8"); got != "lo!!!\n" {
		t.Errorf("Expected lo!!!, got %q", got)
	}

	run(t, s, out, "cd ..")
	if got := run(t, s, out, "ls"); got != "d 128 docs\n" {
		t.Errorf("Unexpected root listing %q", got)
	}
	run(t, s, out, "rm -rf docs")
	if got := run(t, s, out, "ls"); got != "" {
		t.Errorf("Expected empty root, got %q", got)
	}
	if got := run(t, s, out, "scandisk"); !strings.HasPrefix(got, "2 records scanned, 0 orphaned pages reclaimed") {
		t.Errorf("Unexpected scandisk output %q", got)
	}
}

func TestCommandErrors(t *testing.T) {
	s, _, _ := setupTestShell(t)
	if err := s.Execute("mkdir d"); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	tests := []struct {
		line string
		want error
	}{
		{"mkdir d", engine.ErrAlreadyExists},
		{"cat d", engine.ErrIsADirectory},
		{"cd nowhere", engine.ErrNotFound},
		{"rmdir ..", engine.ErrInvalidName},
		{"rm d", engine.ErrNotFound},
		{"dump 100000", engine.ErrInvalidPage},
		{"dump x", ErrUsage},
		{"write f 2 ab", nil},
		{"write f x ab", ErrUsage},
		{"get f 3 1", ErrUsage},
		{"rm -rf", ErrUsage},
		{"mkdir", ErrUsage},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			err := s.Execute(tt.line)
			if tt.want == nil {
				if err == nil {
					t.Errorf("Expected an error")
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute(%q) = %v, want %v", tt.line, err, tt.want)
			}
		})
	}

	if err := s.Execute("frobnicate"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Expected unknown command error, got %v", err)
	}
}

func TestGetPagesAndDump(t *testing.T) {
	s, eng, out := setupTestShell(t)
	run(t, s, out, "write f 3 414243")

	ent, err := eng.Stat("f")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	got := run(t, s, out, "getpages f")
	want := strings.Join([]string{strconv.Itoa(int(ent.Page)), strconv.Itoa(int(ent.Head()))}, ", ") + "\n"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	dump := run(t, s, out, "dump "+strconv.Itoa(int(ent.Head())))
	lines := strings.Split(strings.TrimRight(dump, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 rows for a 128 byte page, got %d", len(lines))
	}
	// next pointer -1 then "ABC"
	if !strings.HasPrefix(lines[0], "ff ff ff ff 41 42 43 00 ") {
		t.Errorf("Unexpected first row %q", lines[0])
	}
}

func TestUsageTable(t *testing.T) {
	s, _, out := setupTestShell(t)
	run(t, s, out, "write f 1 00")

	lines := strings.Split(strings.TrimRight(run(t, s, out, "usage"), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %q", lines)
	}
	root := strings.Fields(lines[1])
	if strings.Join(root, " ") != "Root Sector 896 512 384" {
		t.Errorf("Unexpected root row %q", lines[1])
	}
	files := strings.Fields(lines[2])
	if strings.Join(files, " ") != "Files 8192 128 8064" {
		t.Errorf("Unexpected files row %q", lines[2])
	}
}

func TestRun(t *testing.T) {
	s, eng, out := setupTestShell(t)
	script := "mkdir a\ncd a\nbogus\nwrite x 2 4142\nquit\nmkdir never\n"
	s = New(eng, strings.NewReader(script), out, "> ")

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), "error: unknown command") {
		t.Errorf("Error not reported: %q", out.String())
	}
	if strings.Count(out.String(), "> ") != 5 {
		t.Errorf("Expected 5 prompts, got %q", out.String())
	}
	if _, err := eng.Stat("never"); !errors.Is(err, engine.ErrNotFound) {
		t.Error("Commands after quit were executed")
	}
	data, err := eng.Cat("x")
	if err != nil || string(data) != "AB" {
		t.Errorf("Cat x = %q, %v", data, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(eng, strings.NewReader("ls\n"), out, "").Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestHelp(t *testing.T) {
	s, _, out := setupTestShell(t)
	got := run(t, s, out, "help")
	for _, want := range []string{"write NAME COUNT HEX", "rm [-rf] NAME", "scandisk"} {
		if !strings.Contains(got, want) {
			t.Errorf("help output lacks %q", want)
		}
	}
}
