// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements durable persistence for tasks, logs,
// artifacts, gates, checkpoints, and iteration history over an embedded
// relational engine (SQLite by default; Postgres/MySQL supported through
// the same DatabaseConfig dialect abstraction used elsewhere in the
// module).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kadirpekel/apex/pkg/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the single owner of all persisted task state.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open opens (creating if necessary) the database described by cfg,
// ensures the schema exists, and additively migrates it to the current
// column set.
func Open(ctx context.Context, pool *config.DBPool, cfg *config.DatabaseConfig) (*Store, error) {
	db, err := pool.Get(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db, dialect: cfg.Dialect()}

	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	return s, nil
}

// Close leaves the underlying *sql.DB open. Pooled connections are owned
// by the config.DBPool, not the Store, so Close is a no-op placeholder
// kept for symmetry with callers that defer it.
func (s *Store) Close() error {
	return nil
}

func (s *Store) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) now() time.Time {
	return time.Now().UTC()
}
