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

import (
	"strings"
	"time"
)

// DataType is the local type a tag value is coerced into.
type DataType string

const (
	DataTypeString   DataType = "String"
	DataTypeInt      DataType = "Int8"
	DataTypeFloat    DataType = "Float8"
	DataTypeBoolean  DataType = "Boolean"
	DataTypeDateTime DataType = "DateTime"
)

// ParseDataType maps the type names reported by the Talk2M API onto local data types.
// Unknown names fall back to Float, which is what the eWON reports for analog tags.
func ParseDataType(remote string) DataType {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "string", "text":
		return DataTypeString
	case "integer", "int", "dword", "long":
		return DataTypeInt
	case "boolean", "bool":
		return DataTypeBoolean
	case "date", "datetime", "time":
		return DataTypeDateTime
	default:
		return DataTypeFloat
	}
}

// IsNumeric reports whether values of this type are stored in the numeric historian table.
func (d DataType) IsNumeric() bool {
	return d == DataTypeFloat || d == DataTypeInt || d == DataTypeBoolean
}

type Interpolation string

const (
	InterpolationAnalog   Interpolation = "analog"
	InterpolationDiscrete Interpolation = "discrete"
)

func (d DataType) Interpolation() Interpolation {
	if d == DataTypeFloat {
		return InterpolationAnalog
	}
	return InterpolationDiscrete
}

type Quality int

const (
	QualityGood Quality = iota
	QualityBad
)

func (q Quality) String() string {
	if q == QualityGood {
		return "good"
	}
	return "bad"
}

// NormalizedValue is a coerced, quality tagged value ready for the live store or the historian.
type NormalizedValue struct {
	Value     interface{}
	Quality   Quality
	Timestamp time.Time
}

// DeviceRecord is the summary of a remote device as returned by the device listing.
type DeviceRecord struct {
	ID       int64
	Name     string
	LastSync time.Time
}

// TagSample is one raw historical observation of a tag.
type TagSample struct {
	Value   interface{}
	Quality string
	Date    string
}

// TagRecord is a remote tag with its current value and optional history.
type TagRecord struct {
	Name     string
	DataType string
	Value    interface{}
	Quality  string
	History  []TagSample
}

// DeviceData is one device of a fetch, together with all of its tags.
type DeviceData struct {
	DeviceRecord
	Tags []TagRecord
}

// IncrementalBatch is one page of the transaction based change feed.
type IncrementalBatch struct {
	TransactionID     int64
	MoreDataAvailable bool
	Devices           []DeviceData
}

// CheckpointState is the durable progress marker of the historical sync.
type CheckpointState struct {
	TransactionID        int64
	LastLocalSync        time.Time
	LastRemoteSync       time.Time
	LastHistoryTimestamp time.Time
}

// HistoricalSample is a coerced history point on its way to the historian sink.
type HistoricalSample struct {
	Device   string
	Tag      string
	Path     string
	DataType DataType
	Value    NormalizedValue
}

// Epoch is the zero timestamp used for checkpoints that were never written.
var Epoch = time.UnixMilli(0).UTC()
