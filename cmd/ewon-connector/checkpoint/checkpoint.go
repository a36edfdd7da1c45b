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
	"sync"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

var (
	// ErrCheckpointReset is returned by Commit when the checkpoint was reset after the caller took its snapshot.
	ErrCheckpointReset = errors.New("checkpoint was reset while the batch was being applied")
	ErrNotMonotonic    = errors.New("transaction id must not decrease")
)

// Store owns the in-memory checkpoint and writes it through to the persistence before trusting it.
type Store struct {
	persistence shared.CheckpointPersistence
	key         string
	live        shared.LiveStore

	mu         sync.Mutex
	state      shared.CheckpointState
	generation uint64
}

// NewStore creates a store. live may be nil, in which case nothing is published.
func NewStore(persistence shared.CheckpointPersistence, key string, live shared.LiveStore) *Store {
	return &Store{
		persistence: persistence,
		key:         key,
		live:        live,
		state:       ZeroState(),
	}
}

func ZeroState() shared.CheckpointState {
	return shared.CheckpointState{
		TransactionID:        0,
		LastLocalSync:        shared.Epoch,
		LastRemoteSync:       shared.Epoch,
		LastHistoryTimestamp: shared.Epoch,
	}
}

// Load reads the persisted checkpoint. On first run a zero checkpoint is created and saved.
func (s *Store) Load(ctx context.Context) (shared.CheckpointState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, found, err := s.persistence.Load(ctx, s.key)
	if err != nil {
		return s.state, fmt.Errorf("failed to load checkpoint %s: %w", s.key, err)
	}
	if !found {
		zap.S().Infof("No checkpoint found for %s, starting from the beginning of history", s.key)
		state = ZeroState()
		if err = s.persistence.Save(ctx, s.key, state); err != nil {
			return s.state, fmt.Errorf("failed to create checkpoint %s: %w", s.key, err)
		}
	}
	s.state = state
	zap.S().Infow("Loaded checkpoint", "key", s.key, "transactionId", state.TransactionID, "lastLocalSync", state.LastLocalSync)
	s.publish(state)
	return state, nil
}

func (s *Store) State() shared.CheckpointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current state together with a generation token for Commit.
func (s *Store) Snapshot() (shared.CheckpointState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.generation
}

// Commit persists state if no reset happened since the snapshot with the given generation.
// The in-memory state only changes after the persistence accepted the write.
func (s *Store) Commit(ctx context.Context, generation uint64, state shared.CheckpointState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return ErrCheckpointReset
	}
	if state.TransactionID < s.state.TransactionID {
		return fmt.Errorf("cannot move checkpoint from %d to %d: %w", s.state.TransactionID, state.TransactionID, ErrNotMonotonic)
	}
	if err := s.persistence.Save(ctx, s.key, state); err != nil {
		zap.S().Errorf("Failed to persist checkpoint %d: %s", state.TransactionID, err)
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	s.state = state
	s.publish(state)
	return nil
}

// Reset zeroes the checkpoint. Commits based on snapshots taken before the reset are rejected.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero := ZeroState()
	if err := s.persistence.Save(ctx, s.key, zero); err != nil {
		zap.S().Errorf("Failed to reset checkpoint: %s", err)
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	s.state = zero
	s.generation++
	s.publish(zero)
	return nil
}

func (s *Store) publish(state shared.CheckpointState) {
	if s.live == nil {
		return
	}
	now := time.Now()
	s.live.UpdateValue(shared.StatusLastHistoricalTransaction, shared.NormalizedValue{Value: state.TransactionID, Quality: shared.QualityGood, Timestamp: now})
	s.live.UpdateValue(shared.StatusLastHistoricalSyncTime, shared.NormalizedValue{Value: state.LastLocalSync, Quality: shared.QualityGood, Timestamp: now})
}
