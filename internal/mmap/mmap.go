// Package mmap provides read-only memory mapping for immutable index files.
// On platforms without mmap support the file is read into memory instead;
// callers only see a byte slice either way.
package mmap

import (
	"io"
	"os"
)

// File is a read-only view of a file's contents.
type File struct {
	data   []byte
	f      *os.File
	mapped bool
}

// Open maps the file at path read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &File{f: f}, nil
	}

	data, mapped, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{data: data, f: f, mapped: mapped}, nil
}

// Bytes returns the mapped contents. Valid until Close.
func (m *File) Bytes() []byte {
	return m.data
}

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the mapped contents.
func (m *File) Size() int64 {
	return int64(len(m.data))
}

// Close unmaps the memory and closes the underlying file.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.data != nil && m.mapped {
		err = unmapFile(m.data)
	}
	m.data = nil
	if m.f != nil {
		if cerr := m.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
