// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileStorage implements persistence using file operations. Area memory
// is held in process and written back range by range on Sync.
type FileStorage struct {
	dir string

	mu    sync.Mutex
	areas map[Key]*fileArea
}

type fileArea struct {
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{
		dir:   dir,
		areas: make(map[Key]*fileArea),
	}
}

// Load reads the area file into memory.
func (fs *FileStorage) Load(key Key, size int) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.areas[key]; ok {
		return nil, fmt.Errorf("area %s already loaded", key)
	}

	f, err := openArea(fs.dir, key, size)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.areas[key] = &fileArea{file: f, data: data}
	return data, nil
}

// Sync writes the modified range and flushes it to disk.
func (fs *FileStorage) Sync(key Key, off, n int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	a, ok := fs.areas[key]
	if !ok {
		return fmt.Errorf("area %s not loaded", key)
	}
	if err := checkRange(key, len(a.data), off, n); err != nil {
		return err
	}
	if _, err := a.file.WriteAt(a.data[off:off+n], int64(off)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the files.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var errs []error
	for key, a := range fs.areas {
		errs = append(errs, a.file.Close())
		delete(fs.areas, key)
	}
	return errors.Join(errs...)
}
