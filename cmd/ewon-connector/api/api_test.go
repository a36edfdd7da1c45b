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

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/provider"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/syncer"
)

type staticStatus struct {
	status syncer.Status
}

func (s staticStatus) Status() syncer.Status {
	return s.status
}

func newTestRouter(t *testing.T) (*provider.Provider, http.Handler) {
	t.Helper()
	p := provider.New(nil)
	p.ConfigureTag("Plant_A/Temp", shared.DataTypeFloat)
	p.UpdateValue("Plant_A/Temp", shared.NormalizedValue{Value: 21.5, Quality: shared.QualityGood, Timestamp: time.UnixMilli(1000)})
	return p, NewRouter(staticStatus{status: syncer.Status{LastTransactionID: 7, Phase: syncer.PhaseIdle}}, p)
}

func do(router http.Handler, method string, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	_, router := newTestRouter(t)

	rec := do(router, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status syncer.Status
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(7), status.LastTransactionID)
	assert.Equal(t, syncer.PhaseIdle, status.Phase)
}

func TestTags(t *testing.T) {
	p, router := newTestRouter(t)

	t.Run("list", func(t *testing.T) {
		rec := do(router, http.MethodGet, "/api/v1/tags", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var tags []provider.Tag
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
		assert.Len(t, tags, 1)
		assert.Equal(t, "Plant_A/Temp", tags[0].Path)
	})

	t.Run("get", func(t *testing.T) {
		rec := do(router, http.MethodGet, "/api/v1/tags/Plant_A/Temp", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"value":21.5`)
	})

	t.Run("get-unknown", func(t *testing.T) {
		rec := do(router, http.MethodGet, "/api/v1/tags/Plant_A/Nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("put-without-handler", func(t *testing.T) {
		rec := do(router, http.MethodPut, "/api/v1/tags/Plant_A/Temp", `{"value": 3}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("put-invalid-body", func(t *testing.T) {
		rec := do(router, http.MethodPut, "/api/v1/tags/Plant_A/Temp", `not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("put", func(t *testing.T) {
		var written interface{}
		p.RegisterWriteHandler("Plant_A/Temp", func(_ context.Context, path string, value interface{}) error {
			written = value
			p.UpdateValue(path, shared.NormalizedValue{Value: value, Quality: shared.QualityGood, Timestamp: time.Now()})
			return nil
		})

		rec := do(router, http.MethodPut, "/api/v1/tags/Plant_A/Temp", `{"value": 3.5}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 3.5, written)
		assert.Contains(t, rec.Body.String(), `"writable":true`)
	})

	t.Run("put-remote-failure", func(t *testing.T) {
		p.RegisterWriteHandler("Plant_A/Temp", func(context.Context, string, interface{}) error {
			return errors.New("device offline")
		})

		rec := do(router, http.MethodPut, "/api/v1/tags/Plant_A/Temp", `{"value": 1}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "device offline")
	})
}

func TestSyncControl(t *testing.T) {
	p, router := newTestRouter(t)
	var force, reset int
	p.RegisterWriteHandler(shared.StatusForceSync, func(_ context.Context, _ string, value interface{}) error {
		if value == true {
			force++
		}
		return nil
	})
	p.RegisterWriteHandler(shared.StatusResetSync, func(_ context.Context, _ string, value interface{}) error {
		if value == true {
			reset++
		}
		return nil
	})

	t.Run("force", func(t *testing.T) {
		rec := do(router, http.MethodPost, "/api/v1/sync/force", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, force)
	})

	t.Run("reset", func(t *testing.T) {
		rec := do(router, http.MethodPost, "/api/v1/sync/reset", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, reset)
		assert.Contains(t, rec.Body.String(), `"lastTransactionId":7`)
	})

	t.Run("reset-failure", func(t *testing.T) {
		p.RegisterWriteHandler(shared.StatusResetSync, func(context.Context, string, interface{}) error {
			return errors.New("disk full")
		})
		rec := do(router, http.MethodPost, "/api/v1/sync/reset", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
