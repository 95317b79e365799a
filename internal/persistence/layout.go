// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"os"
	"path/filepath"
)

// Each area lives in its own file under the storage directory, named after
// its key, e.g. "holding-100.bin". Register areas are stored in host byte
// order, so files are not portable across architectures with different
// endianness.

func areaPath(dir string, key Key) string {
	return filepath.Join(dir, key.String()+".bin")
}

// openArea opens (creating if necessary) the file of an area and resizes it
// to exactly size bytes.
func openArea(dir string, key Key, size int) (*os.File, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	f, err := os.OpenFile(areaPath(dir, key), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open area file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize area file: %w", err)
		}
	}
	return f, nil
}

func checkRange(key Key, size, off, n int) error {
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("sync range %d+%d outside area %s of %d bytes", off, n, key, size)
	}
	return nil
}
