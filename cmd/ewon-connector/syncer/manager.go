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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/checkpoint"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/registry"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/internal"
	"go.uber.org/zap"
)

const (
	PhaseIdle              = "idle"
	PhaseSyncingHistorical = "syncing_historical"
	PhaseSyncingLatest     = "syncing_latest"

	eventSyncHistorical = "sync_historical"
	eventSyncLatest     = "sync_latest"
	eventFinish         = "finish"
)

type Config struct {
	HistoryEnabled bool
	// SinkName is the history provider name handed to the sink
	SinkName string
	// ReadAllRealtime polls every tag in the realtime loop and leaves current values to it
	ReadAllRealtime        bool
	LatestValueConcurrency int
}

// Status is the externally visible state of the manager.
type Status struct {
	LastSyncTime              time.Time `json:"lastSyncTime"`
	LastSyncDurationMS        int64     `json:"lastSyncDurationMs"`
	LastHistoricalSyncTime    time.Time `json:"lastHistoricalSyncTime"`
	LastTransactionID         int64     `json:"lastTransactionId"`
	SuccessfulSyncCount       uint64    `json:"successfulSyncCount"`
	FailedSyncCount           uint64    `json:"failedSyncCount"`
	HistoricalPointsProcessed uint64    `json:"historicalPointsProcessed"`
	Phase                     string    `json:"phase"`
	HistoryEnabled            bool      `json:"historyEnabled"`
	RealtimeDevices           []string  `json:"realtimeDevices"`
	RegisteredTags            int       `json:"registeredTags"`
}

// Manager runs the sync loops and owns all state they share.
type Manager struct {
	live           shared.LiveStore
	store          *checkpoint.Store
	registry       *registry.Registry
	historical     *HistoricalSync
	latest         *LatestSync
	realtime       *RealtimeSync
	historyEnabled bool

	// cycleMu serializes scheduled and forced cycles
	cycleMu    sync.Mutex
	realtimeMu sync.Mutex
	phase      *fsm.FSM

	successCount atomic.Uint64
	failureCount atomic.Uint64
	points       atomic.Uint64

	statusMu         sync.RWMutex
	lastSyncTime     time.Time
	lastSyncDuration time.Duration
}

func NewManager(cfg Config, transport shared.Transport, live shared.LiveStore, sink shared.HistorySink, store *checkpoint.Store, reg *registry.Registry) *Manager {
	m := &Manager{
		live:         live,
		store:        store,
		registry:     reg,
		lastSyncTime: shared.Epoch,
	}

	m.historyEnabled = cfg.HistoryEnabled && sink != nil
	if cfg.HistoryEnabled && sink == nil {
		zap.S().Warnf("History is enabled but no history provider is configured, historical sync is disabled")
	}

	applier := NewApplier(reg, live, sink, cfg.SinkName, cfg.ReadAllRealtime, &m.points)
	m.historical = NewHistoricalSync(transport, store, applier)
	m.latest = NewLatestSync(transport, applier, NewLastSyncCache(), cfg.LatestValueConcurrency)
	m.realtime = NewRealtimeSync(transport, reg, live, cfg.ReadAllRealtime)

	m.phase = fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: eventSyncHistorical, Src: []string{PhaseIdle}, Dst: PhaseSyncingHistorical},
			{Name: eventSyncLatest, Src: []string{PhaseIdle, PhaseSyncingHistorical}, Dst: PhaseSyncingLatest},
			{Name: eventFinish, Src: []string{PhaseSyncingHistorical, PhaseSyncingLatest}, Dst: PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				zap.S().Debugf("Sync phase %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return m
}

// Start loads the checkpoint and registers the status and control tags.
func (m *Manager) Start(ctx context.Context) error {
	state, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	lastTransactionID.Set(float64(state.TransactionID))

	m.live.ConfigureTag(shared.StatusLastSyncTime, shared.DataTypeDateTime)
	m.live.ConfigureTag(shared.StatusLastSyncDurationMS, shared.DataTypeInt)
	m.live.ConfigureTag(shared.StatusLastHistoricalSyncTime, shared.DataTypeDateTime)
	m.live.ConfigureTag(shared.StatusLastHistoricalTransaction, shared.DataTypeInt)
	m.live.ConfigureTag(shared.StatusSuccessfulSyncCount, shared.DataTypeInt)
	m.live.ConfigureTag(shared.StatusFailedSyncCount, shared.DataTypeInt)
	m.live.ConfigureTag(shared.StatusHistoricalPointsProcessed, shared.DataTypeInt)

	m.live.ConfigureTag(shared.StatusResetSync, shared.DataTypeBoolean)
	m.live.UpdateValue(shared.StatusResetSync, good(false, time.Now()))
	m.live.RegisterWriteHandler(shared.StatusResetSync, m.resetHandler)

	m.live.ConfigureTag(shared.StatusForceSync, shared.DataTypeBoolean)
	m.live.UpdateValue(shared.StatusForceSync, good(false, time.Now()))
	m.live.RegisterWriteHandler(shared.StatusForceSync, m.forceHandler)

	m.publishStatus()
	return nil
}

func (m *Manager) resetHandler(ctx context.Context, path string, value interface{}) error {
	defer m.live.UpdateValue(path, good(false, time.Now()))
	trigger, ok := value.(bool)
	if !ok {
		zap.S().Errorf("Invalid value %v (%T) written to %s, expected a boolean", value, value, path)
		return nil
	}
	if !trigger {
		return nil
	}
	return m.ResetSync(ctx)
}

func (m *Manager) forceHandler(_ context.Context, path string, value interface{}) error {
	defer m.live.UpdateValue(path, good(false, time.Now()))
	trigger, ok := value.(bool)
	if !ok {
		zap.S().Errorf("Invalid value %v (%T) written to %s, expected a boolean", value, value, path)
		return nil
	}
	if !trigger {
		return nil
	}
	// The write must not wait for the cycle
	go func() {
		_ = m.ForceSync(context.Background())
	}()
	return nil
}

// RunCycle runs the historical loop (if enabled) and then the latest value loop.
// Any error counts as a failed cycle. Status is republished either way.
func (m *Manager) RunCycle(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	err := m.runPhases(ctx)
	duration := time.Since(start)

	syncCycleDuration.Observe(duration.Seconds())
	if err != nil {
		m.failureCount.Add(1)
		syncCycles.WithLabelValues("failure").Inc()
		zap.S().Errorf("Sync cycle failed after %s: %s", duration, err)
		internal.ReportError(err, map[string]string{"component": "sync-cycle"})
	} else {
		m.successCount.Add(1)
		syncCycles.WithLabelValues("success").Inc()
		zap.S().Debugf("Sync cycle completed in %s", duration)
	}

	m.statusMu.Lock()
	m.lastSyncTime = start.UTC()
	m.lastSyncDuration = duration
	m.statusMu.Unlock()
	m.publishStatus()
	return err
}

func (m *Manager) runPhases(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
		if !m.phase.Is(PhaseIdle) {
			_ = m.phase.Event(ctx, eventFinish)
		}
	}()

	if m.historyEnabled {
		_ = m.phase.Event(ctx, eventSyncHistorical)
		if err = m.historical.Run(ctx); err != nil {
			return err
		}
	}

	_ = m.phase.Event(ctx, eventSyncLatest)
	fetched, err := m.latest.Run(ctx)
	if err != nil {
		return err
	}
	zap.S().Debugf("Fetched current values of %d devices", fetched)
	return nil
}

// ForceSync runs a cycle outside the schedule.
func (m *Manager) ForceSync(ctx context.Context) error {
	zap.S().Infof("Forced sync requested")
	return m.RunCycle(ctx)
}

// ResetSync zeroes the checkpoint and the counters.
func (m *Manager) ResetSync(ctx context.Context) error {
	zap.S().Infof("Sync reset requested")
	if err := m.store.Reset(ctx); err != nil {
		return err
	}
	m.successCount.Store(0)
	m.failureCount.Store(0)
	m.points.Store(0)
	lastTransactionID.Set(0)
	m.publishStatus()
	return nil
}

// RunRealtime runs one pass of the realtime loop. Overlapping passes are serialized.
func (m *Manager) RunRealtime(ctx context.Context) int {
	m.realtimeMu.Lock()
	defer m.realtimeMu.Unlock()
	return m.realtime.Run(ctx)
}

func (m *Manager) Status() Status {
	state := m.store.State()
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return Status{
		LastSyncTime:              m.lastSyncTime,
		LastSyncDurationMS:        m.lastSyncDuration.Milliseconds(),
		LastHistoricalSyncTime:    state.LastLocalSync,
		LastTransactionID:         state.TransactionID,
		SuccessfulSyncCount:       m.successCount.Load(),
		FailedSyncCount:           m.failureCount.Load(),
		HistoricalPointsProcessed: m.points.Load(),
		Phase:                     m.phase.Current(),
		HistoryEnabled:            m.historyEnabled,
		RealtimeDevices:           m.registry.Realtime().Devices(),
		RegisteredTags:            m.registry.TagCount(),
	}
}

func (m *Manager) publishStatus() {
	s := m.Status()
	now := time.Now()
	m.live.UpdateValue(shared.StatusLastSyncTime, good(s.LastSyncTime, now))
	m.live.UpdateValue(shared.StatusLastSyncDurationMS, good(s.LastSyncDurationMS, now))
	m.live.UpdateValue(shared.StatusLastHistoricalSyncTime, good(s.LastHistoricalSyncTime, now))
	m.live.UpdateValue(shared.StatusLastHistoricalTransaction, good(s.LastTransactionID, now))
	m.live.UpdateValue(shared.StatusSuccessfulSyncCount, good(int64(s.SuccessfulSyncCount), now))
	m.live.UpdateValue(shared.StatusFailedSyncCount, good(int64(s.FailedSyncCount), now))
	m.live.UpdateValue(shared.StatusHistoricalPointsProcessed, good(int64(s.HistoricalPointsProcessed), now))
}

func good(v interface{}, ts time.Time) shared.NormalizedValue {
	return shared.NormalizedValue{Value: v, Quality: shared.QualityGood, Timestamp: ts}
}
