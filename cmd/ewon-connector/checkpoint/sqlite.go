// Copyright 2023 UMH Systems GmbH
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

package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS checkpoint (
	key TEXT PRIMARY KEY,
	transaction_id INTEGER NOT NULL,
	last_local_sync INTEGER NOT NULL,
	last_remote_sync INTEGER NOT NULL,
	last_history_timestamp INTEGER NOT NULL
)`

// SQLitePersistence stores checkpoints in a local sqlite file. Timestamps are unix milliseconds.
type SQLitePersistence struct {
	db *sql.DB
}

func NewSQLitePersistence(ctx context.Context, dbPath string) (*SQLitePersistence, error) {
	connStr := dbPath + "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", dbPath, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &SQLitePersistence{db: db}, nil
}

func (p *SQLitePersistence) Load(ctx context.Context, key string) (shared.CheckpointState, bool, error) {
	var state shared.CheckpointState
	var localSync, remoteSync, historyTs int64
	err := p.db.QueryRowContext(ctx,
		`SELECT transaction_id, last_local_sync, last_remote_sync, last_history_timestamp FROM checkpoint WHERE key = ?`, key,
	).Scan(&state.TransactionID, &localSync, &remoteSync, &historyTs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, false, nil
		}
		return state, false, err
	}
	state.LastLocalSync = time.UnixMilli(localSync).UTC()
	state.LastRemoteSync = time.UnixMilli(remoteSync).UTC()
	state.LastHistoryTimestamp = time.UnixMilli(historyTs).UTC()
	return state, true, nil
}

func (p *SQLitePersistence) Save(ctx context.Context, key string, state shared.CheckpointState) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO checkpoint (key, transaction_id, last_local_sync, last_remote_sync, last_history_timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			transaction_id = excluded.transaction_id,
			last_local_sync = excluded.last_local_sync,
			last_remote_sync = excluded.last_remote_sync,
			last_history_timestamp = excluded.last_history_timestamp`,
		key, state.TransactionID, state.LastLocalSync.UnixMilli(), state.LastRemoteSync.UnixMilli(), state.LastHistoryTimestamp.UnixMilli())
	return err
}

func (p *SQLitePersistence) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *SQLitePersistence) Close() error {
	return p.db.Close()
}
