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

package coercion

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

// number is satisfied by json.Number of both encoding/json and goccy/go-json.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
}

// Coerce converts a raw remote value into the native representation of dataType.
// It never fails: values that cannot be converted degrade to the zero value of the type.
func Coerce(raw interface{}, dataType shared.DataType) interface{} {
	switch v := raw.(type) {
	case nil:
		return ZeroValue(dataType)
	case number:
		if dataType == shared.DataTypeString {
			return v.String()
		}
		if i, err := v.Int64(); err == nil {
			return fromInt(i, dataType)
		}
		f, err := v.Float64()
		if err != nil {
			return anomaly(raw, dataType)
		}
		return fromFloat(f, dataType)
	case float64:
		return fromFloat(v, dataType)
	case float32:
		return fromFloat(float64(v), dataType)
	case int:
		return fromInt(int64(v), dataType)
	case int32:
		return fromInt(int64(v), dataType)
	case int64:
		return fromInt(v, dataType)
	case uint32:
		return fromInt(int64(v), dataType)
	case bool:
		return fromBool(v, dataType)
	case string:
		return fromString(v, dataType)
	case time.Time:
		return fromTime(v, dataType)
	default:
		if dataType == shared.DataTypeString {
			return fmt.Sprint(v)
		}
		return anomaly(raw, dataType)
	}
}

// ZeroValue is the safe default of each data type.
func ZeroValue(dataType shared.DataType) interface{} {
	switch dataType {
	case shared.DataTypeString:
		return ""
	case shared.DataTypeInt:
		return int64(0)
	case shared.DataTypeBoolean:
		return false
	case shared.DataTypeDateTime:
		return shared.Epoch
	default:
		return float64(0)
	}
}

func fromFloat(f float64, dataType shared.DataType) interface{} {
	switch dataType {
	case shared.DataTypeString:
		return strconv.FormatFloat(f, 'f', -1, 64)
	case shared.DataTypeFloat:
		return f
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return anomaly(f, dataType)
	}
	return fromInt(int64(f), dataType)
}

func fromInt(i int64, dataType shared.DataType) interface{} {
	switch dataType {
	case shared.DataTypeString:
		return strconv.FormatInt(i, 10)
	case shared.DataTypeFloat:
		return float64(i)
	case shared.DataTypeBoolean:
		return i != 0
	case shared.DataTypeDateTime:
		return time.UnixMilli(i).UTC()
	default:
		return i
	}
}

func fromBool(b bool, dataType shared.DataType) interface{} {
	switch dataType {
	case shared.DataTypeString:
		return strconv.FormatBool(b)
	case shared.DataTypeBoolean:
		return b
	case shared.DataTypeDateTime:
		return anomaly(b, dataType)
	}
	if b {
		return fromInt(1, dataType)
	}
	return fromInt(0, dataType)
}

func fromString(s string, dataType shared.DataType) interface{} {
	trimmed := strings.TrimSpace(s)
	switch dataType {
	case shared.DataTypeString:
		return s
	case shared.DataTypeFloat:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return anomaly(s, dataType)
		}
		return f
	case shared.DataTypeInt:
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return anomaly(s, dataType)
		}
		return fromFloat(f, dataType)
	case shared.DataTypeBoolean:
		if b, err := strconv.ParseBool(trimmed); err == nil {
			return b
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return anomaly(s, dataType)
		}
		return fromFloat(f, dataType)
	case shared.DataTypeDateTime:
		t, ok := ParseDate(trimmed)
		if !ok {
			return anomaly(s, dataType)
		}
		return t
	}
	return anomaly(s, dataType)
}

func fromTime(t time.Time, dataType shared.DataType) interface{} {
	switch dataType {
	case shared.DataTypeString:
		return t.UTC().Format(time.RFC3339Nano)
	case shared.DataTypeDateTime:
		return t.UTC()
	case shared.DataTypeBoolean:
		return anomaly(t, dataType)
	}
	return fromInt(t.UnixMilli(), dataType)
}

func anomaly(raw interface{}, dataType shared.DataType) interface{} {
	zero := ZeroValue(dataType)
	zap.S().Warnf("Unable to coerce %v (%T) to %s, using %v", raw, raw, dataType, zero)
	return zero
}

// ParseQuality maps the remote quality token. A missing quality counts as good.
func ParseQuality(quality string) shared.Quality {
	q := strings.TrimSpace(quality)
	if q == "" || strings.EqualFold(q, "good") {
		return shared.QualityGood
	}
	return shared.QualityBad
}

// ParseDate parses the timestamp formats used by the Talk2M API. Timestamps without zone are UTC.
func ParseDate(date string) (time.Time, bool) {
	if date == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, date)
		if err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Normalize coerces a raw observation. If the date cannot be parsed, fallback is used as timestamp.
func Normalize(raw interface{}, quality string, date string, dataType shared.DataType, fallback time.Time) shared.NormalizedValue {
	ts, ok := ParseDate(date)
	if !ok {
		if date != "" {
			zap.S().Warnf("Unable to parse date %q, using %s", date, fallback)
		}
		ts = fallback
	}
	return shared.NormalizedValue{
		Value:     Coerce(raw, dataType),
		Quality:   ParseQuality(quality),
		Timestamp: ts,
	}
}
