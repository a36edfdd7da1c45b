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
	"strconv"
	"strings"

	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

type LiveKind int

const (
	LiveEmpty LiveKind = iota
	LiveText
	LiveNumber
)

// LiveValue is a value of the untyped live snapshot, classified by its shape.
type LiveValue struct {
	Kind   LiveKind
	Text   string
	Number float64
}

// ClassifyLiveValue parses one value of a live snapshot.
// found is false when the tag was missing from the snapshot, which yields an empty value.
func ClassifyLiveValue(raw string, found bool) LiveValue {
	if !found || raw == "" {
		return LiveValue{Kind: LiveEmpty}
	}
	if strings.HasPrefix(raw, `"`) {
		text := strings.TrimPrefix(raw, `"`)
		text = strings.TrimSuffix(text, `"`)
		return LiveValue{Kind: LiveText, Text: text}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		zap.S().Debugf("Live value %q is not numeric, keeping it as text", raw)
		return LiveValue{Kind: LiveText, Text: raw}
	}
	return LiveValue{Kind: LiveNumber, Number: f}
}

func (l LiveValue) Value() interface{} {
	switch l.Kind {
	case LiveText:
		return l.Text
	case LiveNumber:
		return l.Number
	default:
		return ""
	}
}

// Coerce converts the live value into dataType. Empty values map to the zero value.
func (l LiveValue) Coerce(dataType shared.DataType) interface{} {
	if l.Kind == LiveEmpty {
		return ZeroValue(dataType)
	}
	return Coerce(l.Value(), dataType)
}
