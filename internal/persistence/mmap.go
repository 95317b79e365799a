// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// MmapStorage implements persistence using memory-mapped files.
// Area memory is the mapping itself, so writes reach the page cache
// immediately and Sync only has to flush.
type MmapStorage struct {
	dir string

	mu    sync.Mutex
	areas map[Key]*mmapArea
}

type mmapArea struct {
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage rooted at dir.
func NewMmapStorage(dir string) *MmapStorage {
	return &MmapStorage{
		dir:   dir,
		areas: make(map[Key]*mmapArea),
	}
}

// Load memory-maps the area file.
func (ms *MmapStorage) Load(key Key, size int) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.areas[key]; ok {
		return nil, fmt.Errorf("area %s already loaded", key)
	}

	f, err := openArea(ms.dir, key, size)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.areas[key] = &mmapArea{file: f, data: data}
	return data, nil
}

// Sync flushes the mapping to disk.
func (ms *MmapStorage) Sync(key Key, off, n int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	a, ok := ms.areas[key]
	if !ok {
		return fmt.Errorf("area %s not loaded", key)
	}
	if err := checkRange(key, len(a.data), off, n); err != nil {
		return err
	}
	return a.data.Flush()
}

// Close unmaps and closes the files.
func (ms *MmapStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for key, a := range ms.areas {
		errs = append(errs, a.data.Unmap(), a.file.Close())
		delete(ms.areas, key)
	}
	return errors.Join(errs...)
}
