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
	"sort"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/coercion"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/registry"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

// DeviceResult describes what applying one device did.
type DeviceResult struct {
	Device string
	// DeviceTime is the device side timestamp of the data
	DeviceTime time.Time
	// MaxHistoryTimestamp is zero if no history was stored
	MaxHistoryTimestamp time.Time
	HistoryPoints       int
	TagsApplied         int
	TagsSkipped         int
	FlushErr            error
	// Registered is false when the device name was rejected
	Registered bool
}

// Applier writes fetched device data into the live store and the historian.
type Applier struct {
	registry *registry.Registry
	live     shared.LiveStore
	sink     shared.HistorySink
	sinkName string
	// forceRealtime leaves current values to the realtime loop
	forceRealtime bool
	points        *atomic.Uint64
}

func NewApplier(reg *registry.Registry, live shared.LiveStore, sink shared.HistorySink, sinkName string, forceRealtime bool, points *atomic.Uint64) *Applier {
	if points == nil {
		points = &atomic.Uint64{}
	}
	return &Applier{
		registry:      reg,
		live:          live,
		sink:          sink,
		sinkName:      sinkName,
		forceRealtime: forceRealtime,
		points:        points,
	}
}

// ApplyDevice registers the device and its tags, pushes current values and flushes history.
// Bad tags are skipped, a failed flush is reported in the result but does not undo live values.
func (a *Applier) ApplyDevice(ctx context.Context, device shared.DeviceData) DeviceResult {
	res := DeviceResult{Device: device.Name, DeviceTime: device.LastSync}
	if err := a.registry.EnsureDeviceRegistered(device.Name); err != nil {
		zap.S().Errorf("Skipping device %s: %s", device.Name, err)
		res.TagsSkipped = len(device.Tags)
		return res
	}
	res.Registered = true

	var history []shared.HistoricalSample
	for _, tag := range device.Tags {
		if err := a.registry.ValidateTagName(tag.Name); err != nil {
			zap.S().Warnf("Skipping tag of device %s: %s", device.Name, err)
			res.TagsSkipped++
			continue
		}
		dataType := shared.ParseDataType(tag.DataType)
		path, err := a.registry.EnsureTagRegistered(device.Name, tag.Name, dataType)
		if err != nil {
			zap.S().Warnf("Skipping tag %s of device %s: %s", tag.Name, device.Name, err)
			res.TagsSkipped++
			continue
		}
		a.live.ConfigureTag(path, dataType)

		if a.sink != nil {
			for _, h := range tag.History {
				history = append(history, shared.HistoricalSample{
					Device:   registry.Sanitize(device.Name),
					Tag:      registry.Sanitize(tag.Name),
					Path:     path,
					DataType: dataType,
					Value:    coercion.Normalize(h.Value, h.Quality, h.Date, dataType, device.LastSync),
				})
				a.points.Add(1)
				historicalPoints.Inc()
			}
		}

		if !a.forceRealtime {
			a.live.UpdateValue(path, coercion.Normalize(tag.Value, tag.Quality, "", dataType, device.LastSync))
		}
		res.TagsApplied++
	}

	if len(history) == 0 {
		return res
	}
	// The remote feed does not guarantee order
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Value.Timestamp.Before(history[j].Value.Timestamp)
	})
	res.HistoryPoints = len(history)
	res.MaxHistoryTimestamp = history[len(history)-1].Value.Timestamp
	if err := a.sink.StoreBatch(ctx, a.sinkName, history); err != nil {
		zap.S().Errorf("Failed to store %d history samples of device %s: %s", len(history), device.Name, err)
		historyFlushFailures.Inc()
		res.FlushErr = err
	}
	return res
}
