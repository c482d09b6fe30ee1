package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "block.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestReadAllReturnsFullContent(t *testing.T) {
	want := []byte("scan-123-datum-payload")
	path := writeTempFile(t, want)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got := r.ReadAll()
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReadRangeClampsToFileSize(t *testing.T) {
	path := writeTempFile(t, []byte("0123456789"))

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	got, err := r.ReadRange(5, 100)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(got) != "56789" {
		t.Fatalf("got %q, want %q", got, "56789")
	}
}

func TestReadRangeRejectsOutOfBoundsOffset(t *testing.T) {
	path := writeTempFile(t, []byte("short"))

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadRange(1000, 10); err == nil {
		t.Fatal("expected an error for out-of-bounds offset")
	}
}

func TestNewReaderRejectsEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)

	if _, err := NewReader(path); err == nil {
		t.Fatal("expected an error for an empty file")
	}
}

func TestProcessParallelVisitsEntireFile(t *testing.T) {
	content := make([]byte, 5*1024*1024)
	for i := range content {
		content[i] = byte(i % 256)
	}
	path := writeTempFile(t, content)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var seen int64
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	err = r.ProcessParallel(func(chunk []byte, offset int64) error {
		<-mu
		seen += int64(len(chunk))
		mu <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessParallel: %v", err)
	}
	if seen != int64(len(content)) {
		t.Fatalf("visited %d bytes, want %d", seen, len(content))
	}
}
