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

package syncer_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
)

var errOffline = errors.New("device offline")

type fakeTransport struct {
	mu sync.Mutex

	batches          []*shared.IncrementalBatch
	incrementalErr   error
	incrementalCalls []int64

	devices          []shared.DeviceRecord
	listErr          error
	deviceData       map[int64]*shared.DeviceData
	deviceErr        map[int64]error
	fetchDeviceCalls map[int64]int

	snapshots     map[string]map[string]string
	snapshotErr   map[string]error
	snapshotCalls []string

	writes []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		deviceData:       map[int64]*shared.DeviceData{},
		deviceErr:        map[int64]error{},
		fetchDeviceCalls: map[int64]int{},
		snapshots:        map[string]map[string]string{},
		snapshotErr:      map[string]error{},
	}
}

func (f *fakeTransport) ListDevices(context.Context) ([]shared.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]shared.DeviceRecord(nil), f.devices...), nil
}

func (f *fakeTransport) FetchDevice(_ context.Context, id int64) (*shared.DeviceData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchDeviceCalls[id]++
	if err := f.deviceErr[id]; err != nil {
		return nil, err
	}
	data, ok := f.deviceData[id]
	if !ok {
		return nil, errors.New("unknown device")
	}
	cp := *data
	return &cp, nil
}

func (f *fakeTransport) FetchIncremental(_ context.Context, since int64) (*shared.IncrementalBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrementalCalls = append(f.incrementalCalls, since)
	if f.incrementalErr != nil {
		return nil, f.incrementalErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeTransport) FetchLiveSnapshot(_ context.Context, deviceName string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls = append(f.snapshotCalls, deviceName)
	if err := f.snapshotErr[deviceName]; err != nil {
		return nil, err
	}
	return f.snapshots[deviceName], nil
}

func (f *fakeTransport) WriteTag(_ context.Context, deviceName string, tagName string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, deviceName+"/"+tagName+"="+value)
	return nil
}

func (f *fakeTransport) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.incrementalCalls...)
}

func (f *fakeTransport) deviceFetches(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchDeviceCalls[id]
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]shared.HistoricalSample
	names   []string
	err     error
}

func (s *fakeSink) StoreBatch(_ context.Context, sinkName string, samples []shared.HistoricalSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]shared.HistoricalSample(nil), samples...))
	s.names = append(s.names, sinkName)
	return nil
}

func (s *fakeSink) timestamps(batch int) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, sample := range s.batches[batch] {
		out = append(out, sample.Value.Timestamp.Unix())
	}
	return out
}

type memoryPersistence struct {
	mu      sync.Mutex
	states  map[string]shared.CheckpointState
	saves   []int64
	saveErr error
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{states: map[string]shared.CheckpointState{}}
}

func (m *memoryPersistence) Load(_ context.Context, key string) (shared.CheckpointState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	return state, ok, nil
}

func (m *memoryPersistence) Save(_ context.Context, key string, state shared.CheckpointState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[key] = state
	m.saves = append(m.saves, state.TransactionID)
	return nil
}

func (m *memoryPersistence) savedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.saves...)
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func tag(name string, dataType string, value interface{}, history ...shared.TagSample) shared.TagRecord {
	return shared.TagRecord{Name: name, DataType: dataType, Value: value, Quality: "good", History: history}
}

func hist(sec int64, value interface{}) shared.TagSample {
	return shared.TagSample{Value: value, Quality: "good", Date: at(sec).Format(time.RFC3339)}
}

func device(id int64, name string, lastSync time.Time, tags ...shared.TagRecord) shared.DeviceData {
	return shared.DeviceData{
		DeviceRecord: shared.DeviceRecord{ID: id, Name: name, LastSync: lastSync},
		Tags:         tags,
	}
}
