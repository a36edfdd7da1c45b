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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/api"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/checkpoint"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/config"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/historian"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/provider"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/registry"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/syncer"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/talk2m"
	"github.com/united-manufacturing-hub/ewon-connector/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	InitLogging()
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalf("Invalid configuration: %s", err)
	}
	internal.InitSentry(cfg.SentryDSN, cfg.Version)
	InitPrometheus()

	ctx, cancel := context.WithCancel(context.Background())
	var closers []func() error

	client := talk2m.NewClient(cfg.Talk2M.DataMailboxURL, cfg.Talk2M.M2WebURL, talk2m.Credentials{
		DeveloperID:    cfg.Talk2M.DeveloperID,
		Token:          cfg.Talk2M.Token,
		Account:        cfg.Talk2M.Account,
		Username:       cfg.Talk2M.Username,
		Password:       cfg.Talk2M.Password,
		DeviceUsername: cfg.Talk2M.DeviceUsername,
		DevicePassword: cfg.Talk2M.DevicePassword,
	}, cfg.Talk2M.RequestTimeout)
	err = internal.RetryWithBackoff(ctx, "Talk2M connectivity check", 10, time.Second, 30*time.Second, func() error {
		return client.Ping(ctx)
	})
	if err != nil {
		// Not fatal, the sync loops retry every cycle
		zap.S().Errorf("Talk2M is not reachable: %s", err)
	}

	historyConfigured := cfg.HistoryConfigured()
	var pool *pgxpool.Pool
	needsPostgres := cfg.CheckpointBackend == config.CheckpointPostgres ||
		(historyConfigured && cfg.HistorySink == config.SinkPostgres)
	if needsPostgres {
		pool, err = historian.NewPool(ctx, historian.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			zap.S().Fatalf("Failed to connect to postgres: %s", err)
		}
		closers = append(closers, func() error {
			pool.Close()
			return nil
		})
	}

	persistence, closePersistence, err := newCheckpointPersistence(ctx, cfg, pool)
	if err != nil {
		zap.S().Fatalf("Failed to set up checkpoint persistence: %s", err)
	}
	closers = append(closers, closePersistence)

	var publisher provider.Publisher
	var mqttClient MQTT.Client
	var mqttPublisher *provider.MQTTPublisher
	if cfg.MQTT.BrokerURL != "" {
		mqttClient, err = provider.NewMQTTClient(provider.MQTTConfig{
			BrokerURL:   cfg.MQTT.BrokerURL,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.PodName,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			zap.S().Fatalf("Failed to connect to MQTT: %s", err)
		}
		mqttPublisher = provider.NewMQTTPublisher(mqttClient, cfg.MQTT.TopicPrefix)
		publisher = mqttPublisher
		closers = append(closers, func() error {
			mqttPublisher.Disconnect()
			return nil
		})
	}
	live := provider.New(publisher)
	if mqttPublisher != nil {
		if err = mqttPublisher.SubscribeWrites(live); err != nil {
			zap.S().Fatalf("%s", err)
		}
	}

	sink, sinkCheck, closeSink, err := newHistorySink(ctx, cfg, pool, historyConfigured)
	if err != nil {
		zap.S().Fatalf("Failed to set up history sink: %s", err)
	}
	closers = append(closers, closeSink)

	store := checkpoint.NewStore(persistence, cfg.CheckpointKey, live)
	reg := registry.New(live, client, registry.NewRealtimeSet(cfg.RealtimeDevices...), cfg.TagNamesContainPeriods)
	manager := syncer.NewManager(syncer.Config{
		HistoryEnabled:         historyConfigured,
		SinkName:               cfg.HistoryProvider,
		ReadAllRealtime:        cfg.ReadAllRealtime,
		LatestValueConcurrency: cfg.LatestConcurrency,
	}, client, live, sink, store, reg)
	if err = manager.Start(ctx); err != nil {
		zap.S().Fatalf("Failed to start sync manager: %s", err)
	}

	InitHealthCheck(client, persistence, mqttClient, sinkCheck)

	go runEvery(ctx, cfg.PollRate, "sync cycle", func() {
		_ = manager.RunCycle(ctx)
	})
	if cfg.LivePollRate > 0 {
		go runEvery(ctx, cfg.LivePollRate, "realtime", func() {
			manager.RunRealtime(ctx)
		})
	} else {
		zap.S().Infof("Realtime polling is disabled")
	}

	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		if err := api.Serve(ctx, fmt.Sprintf(":%d", cfg.APIPort), api.NewRouter(manager, live)); err != nil {
			zap.S().Errorf("Failed to serve API on port %d: %s", cfg.APIPort, err)
		}
	}()

	shutdown := internal.NewGracefulShutdown(func() error {
		cancel()
		<-apiDone
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		internal.FlushSentry()
		return errors.Join(errs...)
	}, 30*time.Second)
	shutdown.Wait()
}

// runEvery calls fn immediately and then on every tick until ctx is done.
// A tick is dropped while fn is still running.
func runEvery(ctx context.Context, interval time.Duration, name string, fn func()) {
	zap.S().Infof("Running %s every %s", name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newCheckpointPersistence(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (shared.CheckpointPersistence, func() error, error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointPostgres:
		p, err := checkpoint.NewPostgresPersistence(ctx, pool)
		return p, noop, err
	case config.CheckpointRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URI,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		p := checkpoint.NewRedisPersistence(rdb)
		if err := p.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("redis is not available: %w", err)
		}
		return p, rdb.Close, nil
	default:
		p, err := checkpoint.NewSQLitePersistence(ctx, cfg.CheckpointSQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	}
}

func newHistorySink(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, enabled bool) (shared.HistorySink, healthcheck.Check, func() error, error) {
	if !enabled {
		return nil, nil, noop, nil
	}
	switch cfg.HistorySink {
	case config.SinkKafka:
		k, err := historian.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.PodName)
		if err != nil {
			return nil, nil, noop, err
		}
		return k, k.GetHealthCheck(), k.Close, nil
	default:
		p, err := historian.NewPostgresSink(pool, cfg.Postgres.LRUCacheSize)
		if err != nil {
			return nil, nil, noop, err
		}
		if err = p.ValidateTables(ctx); err != nil {
			return nil, nil, noop, err
		}
		return p, p.GetHealthCheck(), noop, nil
	}
}

func noop() error {
	return nil
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(client pinger, persistence shared.CheckpointPersistence, mqttClient MQTT.Client, sinkCheck healthcheck.Check) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("talk2m", pingCheck(client))
	if p, ok := persistence.(pinger); ok {
		health.AddReadinessCheck("checkpoint", pingCheck(p))
	}
	if mqttClient != nil {
		health.AddReadinessCheck("mqtt", provider.GetHealthCheck(mqttClient))
	}
	if sinkCheck != nil {
		health.AddReadinessCheck("history-sink", sinkCheck)
		health.AddLivenessCheck("history-sink", sinkCheck)
	}
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

func pingCheck(p pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.Ping(ctx)
	}
}
