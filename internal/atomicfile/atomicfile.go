// Package atomicfile writes a file by building it up in a temporary file
// in the same directory and renaming it into place, so a failed or
// interrupted write never leaves a half-written output behind.
package atomicfile

import (
	"io"
	"os"
	"path/filepath"
)

// File is an io.Writer that must be Commit()ed to become visible at its
// final path; Abort() discards the temp file instead.
type File interface {
	io.Writer
	// Commit finalizes the write, renaming the temp file into place.
	Commit() error
	// Abort discards the temp file without touching the destination.
	Abort() error
}

type file struct {
	name string
	temp *os.File
}

// New opens a temp file beside name, ready to receive the new contents.
func New(name string) (File, error) {
	temp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp")
	if err != nil {
		return nil, err
	}
	return &file{name: name, temp: temp}, nil
}

func (f *file) Write(p []byte) (int, error) {
	return f.temp.Write(p)
}

func (f *file) Abort() error {
	if f.temp == nil {
		return nil
	}
	f.temp.Close()
	err := os.Remove(f.temp.Name())
	f.temp = nil
	return err
}

func (f *file) Commit() error {
	if f.temp == nil {
		return os.ErrClosed
	}
	if err := f.temp.Chmod(0644); err != nil {
		f.Abort()
		return err
	}
	if err := f.temp.Close(); err != nil {
		os.Remove(f.temp.Name())
		f.temp = nil
		return err
	}
	tempName := f.temp.Name()
	f.temp = nil
	// os.Rename overwrites an existing destination on every platform this
	// signer targets, so no separate remove-then-rename dance is needed.
	return os.Rename(tempName, f.name)
}

// WriteFile writes data to name atomically.
func WriteFile(name string, data []byte) error {
	f, err := New(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}
