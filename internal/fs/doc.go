// Package fs abstracts file system operations so the write paths (WAL
// append, snapshot dump, immutable build, layer install by rename) can be
// exercised under injected I/O failures in tests.
package fs
