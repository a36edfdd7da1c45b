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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS ewon_checkpoint (
	key TEXT PRIMARY KEY,
	transaction_id BIGINT NOT NULL,
	last_local_sync TIMESTAMPTZ NOT NULL,
	last_remote_sync TIMESTAMPTZ NOT NULL,
	last_history_timestamp TIMESTAMPTZ NOT NULL
)`

// PgxIface is the subset of pgxpool.Pool used here, satisfied by pgxmock as well.
type PgxIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresPersistence stores checkpoints next to the historian tables.
type PostgresPersistence struct {
	db PgxIface
}

func NewPostgresPersistence(ctx context.Context, db PgxIface) (*PostgresPersistence, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &PostgresPersistence{db: db}, nil
}

func (p *PostgresPersistence) Load(ctx context.Context, key string) (shared.CheckpointState, bool, error) {
	var state shared.CheckpointState
	err := p.db.QueryRow(ctx,
		`SELECT transaction_id, last_local_sync, last_remote_sync, last_history_timestamp FROM ewon_checkpoint WHERE key = $1`, key,
	).Scan(&state.TransactionID, &state.LastLocalSync, &state.LastRemoteSync, &state.LastHistoryTimestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, false, nil
		}
		return state, false, err
	}
	state.LastLocalSync = state.LastLocalSync.UTC()
	state.LastRemoteSync = state.LastRemoteSync.UTC()
	state.LastHistoryTimestamp = state.LastHistoryTimestamp.UTC()
	return state, true, nil
}

func (p *PostgresPersistence) Save(ctx context.Context, key string, state shared.CheckpointState) error {
	_, err := p.db.Exec(ctx, `INSERT INTO ewon_checkpoint (key, transaction_id, last_local_sync, last_remote_sync, last_history_timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			transaction_id = EXCLUDED.transaction_id,
			last_local_sync = EXCLUDED.last_local_sync,
			last_remote_sync = EXCLUDED.last_remote_sync,
			last_history_timestamp = EXCLUDED.last_history_timestamp`,
		key, state.TransactionID, state.LastLocalSync, state.LastRemoteSync, state.LastHistoryTimestamp)
	return err
}

func (p *PostgresPersistence) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
