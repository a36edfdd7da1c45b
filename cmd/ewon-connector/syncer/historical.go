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

package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/checkpoint"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

// HistoricalSync drains the incremental change feed until it is caught up.
type HistoricalSync struct {
	transport shared.Transport
	store     *checkpoint.Store
	applier   *Applier
}

func NewHistoricalSync(transport shared.Transport, store *checkpoint.Store, applier *Applier) *HistoricalSync {
	return &HistoricalSync{transport: transport, store: store, applier: applier}
}

// Run fetches and applies batches while the remote reports more data.
// The checkpoint is committed after a batch was fully applied and only if its transaction id changed.
func (h *HistoricalSync) Run(ctx context.Context) error {
	for {
		start := time.Now()
		state, generation := h.store.Snapshot()
		lastTX := state.TransactionID
		zap.S().Debugf("Starting syncdata for txid %d", lastTX)

		batch, err := h.transport.FetchIncremental(ctx, lastTX)
		if err != nil {
			return fmt.Errorf("failed to fetch changes since transaction %d: %w", lastTX, err)
		}
		if batch == nil {
			zap.S().Debugf("No changes since transaction %d", lastTX)
			return nil
		}

		next := state
		var flushErr error
		for _, device := range batch.Devices {
			res := h.applier.ApplyDevice(ctx, device)
			if res.FlushErr != nil {
				flushErr = errors.Join(flushErr, fmt.Errorf("device %s: %w", res.Device, res.FlushErr))
			}
			if res.DeviceTime.After(next.LastRemoteSync) {
				next.LastRemoteSync = res.DeviceTime
			}
			if res.MaxHistoryTimestamp.After(next.LastHistoryTimestamp) {
				next.LastHistoryTimestamp = res.MaxHistoryTimestamp
			}
		}
		zap.S().Debugf("Data retrieved and processed in %s. New txid: %d, hasMore: %t", time.Since(start), batch.TransactionID, batch.MoreDataAvailable)

		if flushErr != nil {
			return fmt.Errorf("history of transaction %d was not stored, checkpoint stays at %d: %w", batch.TransactionID, lastTX, flushErr)
		}
		if batch.TransactionID == lastTX {
			// Nothing new. Not persisted, and not retried either.
			return nil
		}

		next.TransactionID = batch.TransactionID
		next.LastLocalSync = start.UTC()
		if err = h.store.Commit(ctx, generation, next); err != nil {
			if errors.Is(err, checkpoint.ErrCheckpointReset) {
				zap.S().Infof("Checkpoint was reset during transaction %d, restarting from the beginning next cycle", batch.TransactionID)
				return nil
			}
			return fmt.Errorf("failed to commit transaction %d: %w", batch.TransactionID, err)
		}
		lastTransactionID.Set(float64(batch.TransactionID))

		if !batch.MoreDataAvailable {
			return nil
		}
	}
}
