// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// SQLStorage implements persistence using a SQL database.
// Every area is one row of the `modbus_areas` table holding its memory as
// a blob.
type SQLStorage struct {
	driver string
	dsn    string

	mu    sync.Mutex
	db    *sql.DB
	areas map[Key][]byte
}

// NewSQLStorage creates a new SQLStorage.
// Note: The driver (e.g., sqlite3) must be imported by the caller.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
		areas:  make(map[Key][]byte),
	}
}

func (s *SQLStorage) open() error {
	if s.db != nil {
		return nil
	}
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	query := `
	CREATE TABLE IF NOT EXISTS modbus_areas (
		register_type INTEGER,
		start INTEGER,
		data BLOB,
		PRIMARY KEY (register_type, start)
	);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return fmt.Errorf("failed to init schema: %w", err)
	}
	s.db = db
	return nil
}

// Load connects to the DB on first use and restores the area blob. A blob
// of a different size is truncated or zero-extended.
func (s *SQLStorage) Load(key Key, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.areas[key]; ok {
		return nil, fmt.Errorf("area %s already loaded", key)
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	data := make([]byte, size)
	var blob []byte
	err := s.db.QueryRow("SELECT data FROM modbus_areas WHERE register_type = ? AND start = ?", int(key.Type), int(key.Start)).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.upsert(key, data); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to query area %s: %w", key, err)
	default:
		copy(data, blob)
	}
	s.areas[key] = data
	return data, nil
}

// Sync rewrites the area blob.
func (s *SQLStorage) Sync(key Key, off, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.areas[key]
	if !ok {
		return fmt.Errorf("area %s not loaded", key)
	}
	if err := checkRange(key, len(data), off, n); err != nil {
		return err
	}
	return s.upsert(key, data)
}

func (s *SQLStorage) upsert(key Key, data []byte) error {
	query := "INSERT INTO modbus_areas (register_type, start, data) VALUES (?, ?, ?) ON CONFLICT(register_type, start) DO UPDATE SET data=excluded.data"
	if _, err := s.db.Exec(query, int(key.Type), int(key.Start), data); err != nil {
		return fmt.Errorf("failed to persist area %s: %w", key, err)
	}
	return nil
}

func (s *SQLStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.areas)
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
