// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps the memory of slave register areas across
// restarts.
package persistence

import (
	"fmt"

	"github.com/ffutop/modbus-controller/modbus"
)

// Key identifies a persisted register area.
type Key struct {
	Type  modbus.RegisterType
	Start uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%d", k.Type, k.Start)
}

// Storage defines the interface for persisting register area memory.
type Storage interface {
	// Load returns size bytes of memory for the area, restoring any content
	// persisted earlier. The returned slice stays valid until Close.
	Load(key Key, size int) ([]byte, error)

	// Sync persists n bytes at off of the area memory returned by Load.
	Sync(key Key, off, n int) error

	Close() error
}

// Options selects and configures a storage backend.
type Options struct {
	Type   string // "memory", "file", "mmap", "sql"
	Path   string // directory for "file" and "mmap"
	Driver string // database/sql driver name for "sql"
	DSN    string
}

// New creates the storage described by opts.
func New(opts Options) (Storage, error) {
	switch opts.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(opts.Path), nil
	case "mmap":
		return NewMmapStorage(opts.Path), nil
	case "sql":
		return NewSQLStorage(opts.Driver, opts.DSN), nil
	default:
		return nil, fmt.Errorf("%w: unknown persistence type %q", modbus.ErrNotSupported, opts.Type)
	}
}

// AreaSyncer binds one area of a Storage to the area write hook.
type AreaSyncer struct {
	Storage Storage
	Key     Key
}

func (s AreaSyncer) Sync(off, n int) error {
	return s.Storage.Sync(s.Key, off, n)
}
