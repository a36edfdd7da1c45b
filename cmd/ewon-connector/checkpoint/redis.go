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
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
)

const (
	fieldTransactionID        = "transactionId"
	fieldLastLocalSync        = "lastLocalSync"
	fieldLastRemoteSync       = "lastRemoteSync"
	fieldLastHistoryTimestamp = "lastHistoryTimestamp"
)

// RedisPersistence stores each checkpoint as a hash.
type RedisPersistence struct {
	client *redis.Client
}

func NewRedisPersistence(client *redis.Client) *RedisPersistence {
	return &RedisPersistence{client: client}
}

func (p *RedisPersistence) Load(ctx context.Context, key string) (shared.CheckpointState, bool, error) {
	fields, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return shared.CheckpointState{}, false, err
	}
	if len(fields) == 0 {
		return shared.CheckpointState{}, false, nil
	}
	state, err := decodeFields(fields)
	if err != nil {
		return shared.CheckpointState{}, false, fmt.Errorf("corrupt checkpoint %s: %w", key, err)
	}
	return state, true, nil
}

func (p *RedisPersistence) Save(ctx context.Context, key string, state shared.CheckpointState) error {
	return p.client.HSet(ctx, key, encodeFields(state)).Err()
}

func (p *RedisPersistence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func encodeFields(state shared.CheckpointState) map[string]interface{} {
	return map[string]interface{}{
		fieldTransactionID:        state.TransactionID,
		fieldLastLocalSync:        state.LastLocalSync.UnixMilli(),
		fieldLastRemoteSync:       state.LastRemoteSync.UnixMilli(),
		fieldLastHistoryTimestamp: state.LastHistoryTimestamp.UnixMilli(),
	}
}

func decodeFields(fields map[string]string) (shared.CheckpointState, error) {
	var state shared.CheckpointState
	values := make(map[string]int64, 4)
	for _, name := range []string{fieldTransactionID, fieldLastLocalSync, fieldLastRemoteSync, fieldLastHistoryTimestamp} {
		raw, ok := fields[name]
		if !ok {
			return state, fmt.Errorf("missing field %s", name)
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return state, fmt.Errorf("field %s: %w", name, err)
		}
		values[name] = v
	}
	state.TransactionID = values[fieldTransactionID]
	state.LastLocalSync = time.UnixMilli(values[fieldLastLocalSync]).UTC()
	state.LastRemoteSync = time.UnixMilli(values[fieldLastRemoteSync]).UTC()
	state.LastHistoryTimestamp = time.UnixMilli(values[fieldLastHistoryTimestamp]).UTC()
	return state, nil
}
