// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Buffer errors.
var (
	// ErrPayloadTooLarge is returned by WriteString when the payload
	// plus its mandatory NUL terminator does not fit the buffer. The
	// buffer contents are untouched when this is returned.
	ErrPayloadTooLarge = errors.New("ipc: payload does not fit buffer")

	// ErrUnterminated is returned by ReadString when the mapping holds
	// no NUL terminator. This means the writer never completed a valid
	// publish into this buffer.
	ErrUnterminated = errors.New("ipc: buffer contents are not NUL-terminated")
)

// Buffer is a fixed-size named shared buffer backed by an mmap'd file
// in the runtime directory. All processes that open the same name see
// the same memory.
type Buffer struct {
	path string
	file *os.File
	data []byte
}

// CreateBuffer creates or opens the named buffer with the given size
// in bytes and maps it. An existing file is reused as long as it is
// large enough; a fresh file is sized with truncate.
func CreateBuffer(runtimeDir, name string, size int) (*Buffer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size <= 1 {
		return nil, fmt.Errorf("ipc: buffer size %d too small for payload plus terminator", size)
	}
	path := filepath.Join(runtimeDir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ipc: create buffer %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("ipc: size buffer %s to %d bytes: %w", path, size, err)
	}
	return mapBuffer(path, file, size)
}

// OpenBuffer opens an existing named buffer and maps it. Returns an
// error when the buffer does not exist or is smaller than size —
// callers treat either as "no handshake published".
func OpenBuffer(runtimeDir, name string, size int) (*Buffer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(runtimeDir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: open buffer %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ipc: stat buffer %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		file.Close()
		return nil, fmt.Errorf("ipc: buffer %s is %d bytes, need %d", path, info.Size(), size)
	}
	return mapBuffer(path, file, size)
}

// mapBuffer maps size bytes of file shared and wraps them in a Buffer.
func mapBuffer(path string, file *os.File, size int) (*Buffer, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ipc: map buffer %s: %w", path, err)
	}
	return &Buffer{path: path, file: file, data: data}, nil
}

// Size returns the buffer's fixed capacity in bytes, including the
// terminator slot.
func (b *Buffer) Size() int { return len(b.data) }

// Path returns the filesystem path backing the buffer.
func (b *Buffer) Path() string { return b.path }

// WriteString publishes payload into the buffer followed by a NUL
// terminator, zeroing the remainder. When the payload plus terminator
// exceeds the buffer, ErrPayloadTooLarge is returned and no byte of
// the mapping is modified — a waiting reader can never observe a
// partial payload behind a write that reported success.
func (b *Buffer) WriteString(payload string) error {
	if len(payload)+1 > len(b.data) {
		return fmt.Errorf("%w: %d bytes plus terminator into %d", ErrPayloadTooLarge, len(payload), len(b.data))
	}
	copy(b.data, payload)
	for i := len(payload); i < len(b.data); i++ {
		b.data[i] = 0
	}
	return nil
}

// ReadString returns the buffer contents up to the first NUL
// terminator. A buffer with no terminator was never validly published
// and yields ErrUnterminated.
func (b *Buffer) ReadString() (string, error) {
	end := bytes.IndexByte(b.data, 0)
	if end < 0 {
		return "", ErrUnterminated
	}
	return string(b.data[:end]), nil
}

// Close unmaps and closes the buffer. The backing file stays on disk
// for other processes holding it open; see Remove.
func (b *Buffer) Close() error {
	var errs []error
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			errs = append(errs, fmt.Errorf("ipc: unmap buffer %s: %w", b.path, err))
		}
		b.data = nil
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ipc: close buffer %s: %w", b.path, err))
		}
		b.file = nil
	}
	return errors.Join(errs...)
}

// Remove unlinks the backing file. The creating side calls this during
// teardown so a later transition starts from a fresh buffer.
func (b *Buffer) Remove() error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: remove buffer %s: %w", b.path, err)
	}
	return nil
}

// validateName rejects names that would escape the runtime directory.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return fmt.Errorf("ipc: invalid object name %q", name)
	}
	return nil
}
