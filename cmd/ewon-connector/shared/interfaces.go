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

package shared

import "context"

// WriteHandler is invoked synchronously by the live store when a value is written to a path.
type WriteHandler func(ctx context.Context, path string, value interface{}) error

// LiveStore holds the current value of every tag and dispatches external writes.
type LiveStore interface {
	ConfigureTag(path string, dataType DataType)
	UpdateValue(path string, value NormalizedValue)
	RegisterWriteHandler(path string, handler WriteHandler)
}

// Transport is the remote relay API.
type Transport interface {
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
	FetchDevice(ctx context.Context, id int64) (*DeviceData, error)
	// FetchIncremental returns nil when no batch is available.
	FetchIncremental(ctx context.Context, sinceTransactionID int64) (*IncrementalBatch, error)
	FetchLiveSnapshot(ctx context.Context, deviceName string) (map[string]string, error)
	WriteTag(ctx context.Context, deviceName string, tagName string, value string) error
}

// HistorySink accepts batches of historical samples ordered by ascending timestamp.
type HistorySink interface {
	StoreBatch(ctx context.Context, sinkName string, samples []HistoricalSample) error
}

// CheckpointPersistence durably stores the checkpoint under a key.
type CheckpointPersistence interface {
	Load(ctx context.Context, key string) (state CheckpointState, found bool, err error)
	Save(ctx context.Context, key string, state CheckpointState) error
}
