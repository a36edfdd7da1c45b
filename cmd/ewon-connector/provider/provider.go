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

package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/internal"
	"go.uber.org/zap"
)

var (
	ErrNoWriteHandler = errors.New("no write handler registered")
	ErrUnknownTag     = errors.New("unknown tag")
)

// Publisher mirrors value changes to an external system.
type Publisher interface {
	Publish(path string, payload []byte) error
}

// Tag is the externally visible state of one live tag.
type Tag struct {
	Path      string          `json:"path"`
	DataType  shared.DataType `json:"dataType"`
	Value     interface{}     `json:"value"`
	Quality   string          `json:"quality"`
	Timestamp time.Time       `json:"timestamp"`
	Writable  bool            `json:"writable"`
}

// Payload is what gets published for every value change.
type Payload struct {
	TimestampMs int64       `json:"timestamp_ms"`
	Value       interface{} `json:"value"`
	Quality     string      `json:"quality"`
}

type entry struct {
	dataType  shared.DataType
	value     shared.NormalizedValue
	hasValue  bool
	published []byte
}

// Provider is the in-memory live tag store. Writes are dispatched synchronously to the handler bound to a path.
type Provider struct {
	publisher Publisher

	mu       sync.RWMutex
	tags     map[string]*entry
	handlers map[string]shared.WriteHandler
}

// New creates a provider. publisher may be nil.
func New(publisher Publisher) *Provider {
	return &Provider{
		publisher: publisher,
		tags:      make(map[string]*entry),
		handlers:  make(map[string]shared.WriteHandler),
	}
}

func (p *Provider) ConfigureTag(path string, dataType shared.DataType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.tags[path]; ok {
		e.dataType = dataType
		return
	}
	p.tags[path] = &entry{dataType: dataType}
}

func (p *Provider) UpdateValue(path string, value shared.NormalizedValue) {
	p.mu.Lock()
	e, ok := p.tags[path]
	if !ok {
		e = &entry{dataType: shared.DataTypeString}
		p.tags[path] = e
	}
	e.value = value
	e.hasValue = true

	if p.publisher == nil {
		p.mu.Unlock()
		return
	}
	payload, hash, err := encodePayload(value)
	if err != nil {
		p.mu.Unlock()
		zap.S().Warnf("Unable to encode value of %s: %s", path, err)
		return
	}
	if string(hash) == string(e.published) {
		p.mu.Unlock()
		return
	}
	e.published = hash
	p.mu.Unlock()

	if err = p.publisher.Publish(path, payload); err != nil {
		zap.S().Warnf("Failed to publish %s: %s", path, err)
		p.mu.Lock()
		e.published = nil
		p.mu.Unlock()
	}
}

// encodePayload returns the payload and a hash over value and quality, so unchanged values are not republished.
func encodePayload(value shared.NormalizedValue) ([]byte, []byte, error) {
	valueBytes, err := json.Marshal(value.Value)
	if err != nil {
		return nil, nil, err
	}
	payload, err := json.Marshal(Payload{
		TimestampMs: value.Timestamp.UnixMilli(),
		Value:       value.Value,
		Quality:     value.Quality.String(),
	})
	if err != nil {
		return nil, nil, err
	}
	return payload, internal.AsXXHash(valueBytes, []byte(value.Quality.String())), nil
}

func (p *Provider) RegisterWriteHandler(path string, handler shared.WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[path]; ok {
		zap.S().Warnf("Replacing write handler of %s", path)
	}
	p.handlers[path] = handler
}

// Write dispatches an external write to the handler of path. The handler runs without the store lock held.
func (p *Provider) Write(ctx context.Context, path string, value interface{}) error {
	p.mu.RLock()
	handler, ok := p.handlers[path]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNoWriteHandler)
	}
	return handler(ctx, path, value)
}

func (p *Provider) Get(path string) (Tag, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.tags[path]
	if !ok {
		return Tag{}, fmt.Errorf("%s: %w", path, ErrUnknownTag)
	}
	return p.toTag(path, e), nil
}

// Snapshot returns all tags ordered by path.
func (p *Provider) Snapshot() []Tag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tags := make([]Tag, 0, len(p.tags))
	for path, e := range p.tags {
		tags = append(tags, p.toTag(path, e))
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Path < tags[j].Path })
	return tags
}

func (p *Provider) toTag(path string, e *entry) Tag {
	_, writable := p.handlers[path]
	tag := Tag{Path: path, DataType: e.dataType, Writable: writable}
	if e.hasValue {
		tag.Value = e.value.Value
		tag.Quality = e.value.Quality.String()
		tag.Timestamp = e.value.Timestamp
	}
	return tag
}
