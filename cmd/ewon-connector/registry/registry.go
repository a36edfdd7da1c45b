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

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/coercion"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

var ErrNameCollision = errors.New("name collides with an already registered name")

// TagWriter performs remote writes.
type TagWriter interface {
	WriteTag(ctx context.Context, deviceName string, tagName string, value string) error
}

// TagEntry is a registered tag. Device and Tag hold the remote names.
type TagEntry struct {
	Device   string
	Tag      string
	Path     string
	DataType shared.DataType
}

// Registry keeps track of the devices and tags registered with the live store
// and binds their write handlers exactly once.
type Registry struct {
	live                shared.LiveStore
	writer              TagWriter
	realtime            *RealtimeSet
	namesContainPeriods bool

	mu      sync.Mutex
	devices map[string]string // sanitized device path -> remote device name
	tags    map[string]*TagEntry
}

func New(live shared.LiveStore, writer TagWriter, realtime *RealtimeSet, namesContainPeriods bool) *Registry {
	if realtime == nil {
		realtime = NewRealtimeSet()
	}
	return &Registry{
		live:                live,
		writer:              writer,
		realtime:            realtime,
		namesContainPeriods: namesContainPeriods,
		devices:             make(map[string]string),
		tags:                make(map[string]*TagEntry),
	}
}

func (r *Registry) Realtime() *RealtimeSet {
	return r.realtime
}

func (r *Registry) ValidateTagName(name string) error {
	return ValidateTagName(name, r.namesContainPeriods)
}

// EnsureDeviceRegistered registers the AllRealtime control tag of a device on first sight.
func (r *Registry) EnsureDeviceRegistered(device string) error {
	devicePath := Sanitize(device)

	r.mu.Lock()
	defer r.mu.Unlock()
	if known, ok := r.devices[devicePath]; ok {
		if known != device {
			return fmt.Errorf("device %q maps to %q which is used by device %q: %w", device, devicePath, known, ErrNameCollision)
		}
		return nil
	}
	r.devices[devicePath] = device

	// Starts false even for devices seeded into the realtime set
	controlPath := AllRealtimePath(device)
	r.live.ConfigureTag(controlPath, shared.DataTypeBoolean)
	r.live.UpdateValue(controlPath, goodValue(false))
	r.live.RegisterWriteHandler(controlPath, r.allRealtimeHandler(device))
	zap.S().Debugf("Registered device %s", device)
	return nil
}

// AllRealtimePath is the path of the per device realtime toggle.
func AllRealtimePath(device string) string {
	return Sanitize(device) + "/" + shared.DeviceConfigFolder + "/" + shared.AllRealtimeTag
}

func (r *Registry) allRealtimeHandler(device string) shared.WriteHandler {
	return func(_ context.Context, path string, value interface{}) error {
		enabled, ok := value.(bool)
		if !ok {
			zap.S().Errorf("Invalid value %v (%T) written to %s, expected a boolean. Resetting to false", value, value, path)
			r.realtime.Set(device, false)
			r.live.UpdateValue(path, goodValue(false))
			return nil
		}
		r.realtime.Set(device, enabled)
		r.live.UpdateValue(path, goodValue(enabled))
		zap.S().Infof("Realtime polling of device %s set to %t", device, enabled)
		return nil
	}
}

// EnsureTagRegistered binds the write handler of a tag on first sight and returns its path.
// The data type of an already registered tag is updated.
func (r *Registry) EnsureTagRegistered(device string, tag string, dataType shared.DataType) (string, error) {
	path := TagPath(device, tag)

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.tags[path]; ok {
		if entry.Device != device || entry.Tag != tag {
			return "", fmt.Errorf("tag %s/%s maps to %q which is used by %s/%s: %w", device, tag, path, entry.Device, entry.Tag, ErrNameCollision)
		}
		entry.DataType = dataType
		return path, nil
	}
	r.tags[path] = &TagEntry{Device: device, Tag: tag, Path: path, DataType: dataType}
	r.live.RegisterWriteHandler(path, r.tagWriteHandler(device, tag))
	return path, nil
}

func (r *Registry) tagWriteHandler(device string, tag string) shared.WriteHandler {
	return func(ctx context.Context, path string, value interface{}) error {
		wire := WireValue(value)
		if err := r.writer.WriteTag(ctx, device, tag, wire); err != nil {
			zap.S().Errorf("Failed to write %s to %s/%s: %s", wire, device, tag, err)
			return fmt.Errorf("failed to write %s to %s: %w", wire, path, err)
		}
		r.live.UpdateValue(path, shared.NormalizedValue{
			Value:     coercion.Coerce(value, r.dataType(path)),
			Quality:   shared.QualityGood,
			Timestamp: time.Now(),
		})
		return nil
	}
}

func (r *Registry) dataType(path string) shared.DataType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.tags[path]; ok {
		return entry.DataType
	}
	return shared.DataTypeString
}

// Lookup returns the registered tag at path.
func (r *Registry) Lookup(path string) (TagEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tags[path]
	if !ok {
		return TagEntry{}, false
	}
	return *entry, true
}

// RealtimeSelection groups the tags that need realtime polling by remote device name.
func (r *Registry) RealtimeSelection(readAll bool) map[string][]TagEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	selection := make(map[string][]TagEntry)
	for _, entry := range r.tags {
		if readAll || r.realtime.Contains(entry.Device) {
			selection[entry.Device] = append(selection[entry.Device], *entry)
		}
	}
	for device := range selection {
		tags := selection[device]
		sort.Slice(tags, func(i, j int) bool { return tags[i].Path < tags[j].Path })
	}
	return selection
}

func (r *Registry) TagCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tags)
}

// WireValue converts a locally written value into the representation the remote write expects.
func WireValue(value interface{}) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func goodValue(value interface{}) shared.NormalizedValue {
	return shared.NormalizedValue{Value: value, Quality: shared.QualityGood, Timestamp: time.Now()}
}
