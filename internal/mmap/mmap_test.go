package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenReadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	content := []byte("0123456789abcdef")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if m.Size() != int64(len(content)) {
		t.Fatalf("Size = %d", m.Size())
	}
	if !bytes.Equal(m.Bytes(), content) {
		t.Fatal("Bytes mismatch")
	}

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 10)
	if err != nil || n != 4 {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("ReadAt content = %q", buf)
	}

	if _, err := m.ReadAt(buf, int64(len(content))); err == nil {
		t.Fatal("ReadAt past EOF should error")
	}
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.Size() != 0 {
		t.Fatalf("Size = %d", m.Size())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
