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

package historian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/coercion"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

// Origin is written into the origin column of every row.
const Origin = "ewon-connector"

var tagColumns = []string{"timestamp", "name", "origin", "asset_id", "value"}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPool opens a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := pgxpool.New(ctx, conString)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}
	if err = db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database is not available: %w", err)
	}
	return db, nil
}

// PgxIface is the subset of pgxpool.Pool used by the sink, satisfied by pgxmock as well.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresSink writes history into the UMH historian tables (asset, tag, tag_string).
// Rows are copied into a temporary table and merged with ON CONFLICT DO NOTHING, so replayed batches are harmless.
type PostgresSink struct {
	db    PgxIface
	cache *lru.ARCCache

	goiLock  sync.Mutex
	inserted atomic.Uint64
	lruHits  atomic.Uint64
	lruMiss  atomic.Uint64
}

func NewPostgresSink(db PgxIface, lruSize int) (*PostgresSink, error) {
	cache, err := lru.NewARC(lruSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ARC: %w", err)
	}
	return &PostgresSink{db: db, cache: cache}, nil
}

// ValidateTables checks that the historian schema exists.
func (s *PostgresSink) ValidateTables(ctx context.Context) error {
	for _, table := range []string{"asset", "tag", "tag_string"} {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err := s.db.QueryRow(ctx, query, table).Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("table %s does not exist in the database", table)
			}
			return fmt.Errorf("failed to check for table %s: %w", table, err)
		}
	}
	return nil
}

// StoreBatch writes the samples of one history provider. Samples of a device become rows of the asset
// (enterprise = sinkName, site = device).
func (s *PostgresSink) StoreBatch(ctx context.Context, sinkName string, samples []shared.HistoricalSample) error {
	if len(samples) == 0 {
		return nil
	}
	var numericRows, stringRows [][]any
	var badQuality int
	for _, sample := range samples {
		// The historian tables have no quality column
		if sample.Value.Quality != shared.QualityGood {
			badQuality++
			continue
		}
		assetID, err := s.GetOrInsertAsset(ctx, sinkName, sample.Device)
		if err != nil {
			return fmt.Errorf("failed to resolve asset for %s: %w", sample.Device, err)
		}
		value, numeric := dbValue(sample)
		row := []any{sample.Value.Timestamp, sample.Tag, Origin, assetID, value}
		if numeric {
			numericRows = append(numericRows, row)
		} else {
			stringRows = append(stringRows, row)
		}
	}

	if badQuality > 0 {
		zap.S().Warnf("Dropped %d history samples of %s with bad quality", badQuality, sinkName)
	}
	if len(numericRows) == 0 && len(stringRows) == 0 {
		return nil
	}

	txn, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	var copied int64
	for _, t := range []struct {
		table string
		rows  [][]any
	}{{"tag", numericRows}, {"tag_string", stringRows}} {
		if len(t.rows) == 0 {
			continue
		}
		n, err := copyInto(ctx, txn, t.table, t.rows)
		if err != nil {
			if rbErr := txn.Rollback(ctx); rbErr != nil {
				zap.S().Errorf("Failed to rollback transaction: %s (%s)", rbErr, t.table)
			}
			return err
		}
		copied += n
	}

	now := time.Now()
	if err = txn.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit history batch: %w", err)
	}
	zap.S().Debugf("Committing %d history rows of %s took %s", copied, sinkName, time.Since(now))
	s.inserted.Add(uint64(copied))
	return nil
}

func copyInto(ctx context.Context, txn pgx.Tx, tableName string, rows [][]any) (int64, error) {
	tableNameTemp := fmt.Sprintf("tmp_%s", tableName)
	_, err := txn.Exec(ctx, fmt.Sprintf(`
	   CREATE TEMP TABLE %s
	          ( LIKE %s INCLUDING DEFAULTS )
	          ON COMMIT DROP;
	   `, tableNameTemp, tableName))
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tableNameTemp, err)
	}
	copied, err := txn.CopyFrom(ctx, pgx.Identifier{tableNameTemp}, tagColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy into %s: %w", tableNameTemp, err)
	}
	_, err = txn.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (SELECT * FROM %s) ON CONFLICT DO NOTHING;
			`, tableName, tableNameTemp))
	if err != nil {
		return 0, fmt.Errorf("failed to merge %s into %s: %w", tableNameTemp, tableName, err)
	}
	return copied, nil
}

// dbValue converts a sample for the table of its data type. Numeric types go to tag, the rest to tag_string.
func dbValue(sample shared.HistoricalSample) (any, bool) {
	if sample.DataType.IsNumeric() {
		switch v := sample.Value.Value.(type) {
		case float64:
			return v, true
		case int64:
			return float64(v), true
		case bool:
			if v {
				return float64(1), true
			}
			return float64(0), true
		default:
			return coercion.Coerce(v, shared.DataTypeFloat), true
		}
	}
	switch v := sample.Value.Value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), false
	case string:
		return v, false
	default:
		return coercion.Coerce(v, shared.DataTypeString), false
	}
}

// GetOrInsertAsset returns the id of the asset (enterprise, site), creating it if needed.
func (s *PostgresSink) GetOrInsertAsset(ctx context.Context, enterprise string, site string) (int, error) {
	key := assetKey{enterprise: enterprise, site: site}
	if id, hit := s.lookupLRU(key); hit {
		return id, nil
	}

	s.goiLock.Lock()
	defer s.goiLock.Unlock()
	// Another caller might have added it while we waited
	if id, hit := s.lookupLRU(key); hit {
		return id, nil
	}

	var id int
	selectQuery := `SELECT id FROM asset WHERE enterprise = $1 AND 
    site = $2 AND 
    area = $3 AND 
    line = $4 AND 
    workcell = $5 AND 
    origin_id = $6`
	err := s.db.QueryRow(ctx, selectQuery, enterprise, site, "", "", "", "").Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}
		insertQuery := `INSERT INTO asset (enterprise, site, area, line, workcell, origin_id) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
		if err = s.db.QueryRow(ctx, insertQuery, enterprise, site, "", "", "", "").Scan(&id); err != nil {
			return 0, err
		}
	}
	s.cache.Add(key, id)
	return id, nil
}

func (s *PostgresSink) lookupLRU(key assetKey) (int, bool) {
	value, ok := s.cache.Get(key)
	if ok {
		s.lruHits.Add(1)
		return value.(int), true
	}
	s.lruMiss.Add(1)
	return 0, false
}

// assetKey identifies an asset in the ARC cache.
type assetKey struct {
	enterprise string
	site       string
}

func (s *PostgresSink) Inserted() uint64 {
	return s.inserted.Load()
}

func (s *PostgresSink) GetHealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			return fmt.Errorf("healthcheck failed to reach database: %w", err)
		}
		return nil
	}
}
