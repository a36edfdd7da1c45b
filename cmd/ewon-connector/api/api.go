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
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/provider"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/syncer"
	"go.uber.org/zap"
)

// StatusSource is implemented by syncer.Manager.
type StatusSource interface {
	Status() syncer.Status
}

// TagStore is implemented by provider.Provider.
type TagStore interface {
	Snapshot() []provider.Tag
	Get(path string) (provider.Tag, error)
	Write(ctx context.Context, path string, value interface{}) error
}

type writeRequest struct {
	Value interface{} `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the status and control API.
func NewRouter(status StatusSource, tags TagStore) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Logs all requests, like a combined access and error log.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	// Logs all panic to error log
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET(
		"/", func(c *gin.Context) {
			c.String(http.StatusOK, "online")
		})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, status.Status())
		})
		v1.POST("/sync/force", func(c *gin.Context) {
			if err := tags.Write(c.Request.Context(), shared.StatusForceSync, true); err != nil {
				handleInternalServerError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, status.Status())
		})
		v1.POST("/sync/reset", func(c *gin.Context) {
			if err := tags.Write(c.Request.Context(), shared.StatusResetSync, true); err != nil {
				handleInternalServerError(c, err)
				return
			}
			c.JSON(http.StatusOK, status.Status())
		})
		v1.GET("/tags", func(c *gin.Context) {
			c.JSON(http.StatusOK, tags.Snapshot())
		})
		v1.GET("/tags/*path", func(c *gin.Context) {
			tag, err := tags.Get(tagPath(c))
			if err != nil {
				c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
				return
			}
			c.JSON(http.StatusOK, tag)
		})
		v1.PUT("/tags/*path", func(c *gin.Context) {
			putTagHandler(c, tags)
		})
	}
	return router
}

func tagPath(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("path"), "/")
}

func putTagHandler(c *gin.Context, tags TagStore) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		zap.S().Warnw("Invalid write request", "error", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be a JSON object with a value"})
		return
	}
	path := tagPath(c)
	err := tags.Write(c.Request.Context(), path, req.Value)
	switch {
	case err == nil:
		tag, getErr := tags.Get(path)
		if getErr != nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, tag)
	case errors.Is(err, provider.ErrNoWriteHandler):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		zap.S().Errorw("Write failed", "path", path, "error", err)
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func handleInternalServerError(c *gin.Context, err error) {
	zap.S().Errorw(
		"Internal server error",
		"error", err,
	)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "The server had an internal error."})
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.S().Errorf("Failed to shut down API server: %s", err)
		}
	}()
	zap.S().Infof("Serving API on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
