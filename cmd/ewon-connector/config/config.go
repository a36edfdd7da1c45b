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

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

const (
	CheckpointSQLite   = "sqlite"
	CheckpointPostgres = "postgres"
	CheckpointRedis    = "redis"

	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
)

type Talk2M struct {
	DataMailboxURL string
	M2WebURL       string
	DeveloperID    string
	Token          string
	Account        string
	Username       string
	Password       string
	DeviceUsername string
	DevicePassword string
	RequestTimeout time.Duration
}

type Postgres struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	LRUCacheSize int
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Redis struct {
	URI      string
	Password string
	DB       int
}

type MQTT struct {
	BrokerURL   string
	Password    string
	TopicPrefix string
}

type Config struct {
	LoggingLevel string
	Talk2M       Talk2M

	PollRate     time.Duration
	LivePollRate time.Duration

	HistoryEnabled  bool
	HistoryProvider string
	HistorySink     string

	TagNamesContainPeriods bool
	ReadAllRealtime        bool
	RealtimeDevices        []string
	LatestConcurrency      int

	CheckpointBackend    string
	CheckpointSQLitePath string
	CheckpointKey        string

	Postgres Postgres
	Kafka    Kafka
	Redis    Redis
	MQTT     MQTT

	PodName   string
	APIPort   int
	SentryDSN string
	Version   string
}

// Load reads the configuration from the environment.
// Missing required variables and invalid values are returned as one joined error.
func Load() (Config, error) {
	var cfg Config
	var errs []error
	str := func(key string, required bool, fallback string) string {
		v, err := env.GetAsString(key, required, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	integer := func(key string, fallback int) int {
		v, err := env.GetAsInt(key, false, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolean := func(key string, fallback bool) bool {
		v, err := env.GetAsBool(key, false, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg.LoggingLevel = str("LOGGING_LEVEL", false, "PRODUCTION")
	cfg.Talk2M = Talk2M{
		DataMailboxURL: strings.TrimSuffix(str("TALK2M_URL", false, "https://data.talk2m.com"), "/"),
		M2WebURL:       strings.TrimSuffix(str("M2WEB_URL", false, "https://m2web.talk2m.com/t2mapi"), "/"),
		DeveloperID:    str("TALK2M_DEVELOPER_ID", true, ""),
		Token:          str("TALK2M_TOKEN", true, ""),
		Account:        str("TALK2M_ACCOUNT", false, ""),
		Username:       str("TALK2M_USERNAME", false, ""),
		Password:       str("TALK2M_PASSWORD", false, ""),
		DeviceUsername: str("TALK2M_DEVICE_USERNAME", false, ""),
		DevicePassword: str("TALK2M_DEVICE_PASSWORD", false, ""),
		RequestTimeout: time.Duration(integer("TALK2M_REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	cfg.PollRate = time.Duration(integer("POLL_RATE_MINUTES", 1)) * time.Minute
	cfg.LivePollRate = time.Duration(integer("LIVE_POLL_RATE_SECONDS", 5)) * time.Second

	cfg.HistoryEnabled = boolean("HISTORY_ENABLED", false)
	cfg.HistoryProvider = str("HISTORY_PROVIDER", false, "")
	cfg.HistorySink = strings.ToLower(str("HISTORY_SINK", false, SinkPostgres))

	cfg.TagNamesContainPeriods = boolean("TAG_NAMES_CONTAIN_PERIODS", false)
	cfg.ReadAllRealtime = boolean("READ_ALL_REALTIME", false)
	cfg.RealtimeDevices = splitList(str("REALTIME_DEVICES", false, ""))
	cfg.LatestConcurrency = integer("LATEST_VALUE_CONCURRENCY", 4)

	cfg.CheckpointBackend = strings.ToLower(str("CHECKPOINT_BACKEND", false, CheckpointSQLite))
	cfg.CheckpointSQLitePath = str("CHECKPOINT_SQLITE_PATH", false, "/data/ewon-connector.db")
	cfg.CheckpointKey = str("CHECKPOINT_KEY", false, "ewon-connector")

	cfg.Postgres = Postgres{
		Host:         str("POSTGRES_HOST", false, "united-manufacturing-hub"),
		Port:         integer("POSTGRES_PORT", 5432),
		User:         str("POSTGRES_USER", false, "factoryinsight"),
		Password:     str("POSTGRES_PASSWORD", false, "changeme"),
		Database:     str("POSTGRES_DATABASE", false, "umh_v2"),
		SSLMode:      str("POSTGRES_SSL_MODE", false, "require"),
		LRUCacheSize: integer("POSTGRES_LRU_CACHE_SIZE", 1000),
	}
	cfg.Kafka = Kafka{
		Brokers: splitList(str("KAFKA_BROKERS", false, "")),
		Topic:   str("KAFKA_TOPIC", false, "umh.v1.ewon._historian"),
	}
	cfg.Redis = Redis{
		URI:      str("REDIS_URI", false, ""),
		Password: str("REDIS_PASSWORD", false, ""),
		DB:       integer("REDIS_DB", 0),
	}
	cfg.MQTT = MQTT{
		BrokerURL:   str("MQTT_BROKER_URL", false, ""),
		Password:    str("MQTT_PASSWORD", false, ""),
		TopicPrefix: strings.Trim(str("MQTT_TOPIC_PREFIX", false, "ewon"), "/"),
	}

	cfg.PodName = str("MY_POD_NAME", false, "")
	if cfg.PodName == "" {
		cfg.PodName = "ewon-connector-" + uuid.New().String()
	}
	cfg.APIPort = integer("API_PORT", 8080)
	cfg.SentryDSN = str("SENTRY_DSN", false, "")
	cfg.Version = str("VERSION", false, "dev")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c *Config) validate() []error {
	var errs []error
	if c.PollRate <= 0 {
		errs = append(errs, fmt.Errorf("POLL_RATE_MINUTES must be positive"))
	}
	if c.LivePollRate < 0 {
		errs = append(errs, fmt.Errorf("LIVE_POLL_RATE_SECONDS must not be negative"))
	}
	if c.Talk2M.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TALK2M_REQUEST_TIMEOUT_SECONDS must be positive"))
	}
	switch c.CheckpointBackend {
	case CheckpointSQLite, CheckpointPostgres:
	case CheckpointRedis:
		if c.Redis.URI == "" {
			errs = append(errs, fmt.Errorf("REDIS_URI is required for the redis checkpoint backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.CheckpointBackend))
	}
	if c.HistorySink != SinkPostgres && c.HistorySink != SinkKafka {
		errs = append(errs, fmt.Errorf("unknown HISTORY_SINK %q", c.HistorySink))
	}
	return errs
}

// HistoryConfigured reports whether history sync can run. A missing provider name is logged as a warning.
func (c *Config) HistoryConfigured() bool {
	if !c.HistoryEnabled {
		return false
	}
	if c.HistoryProvider == "" {
		zap.S().Warnf("HISTORY_ENABLED is set but HISTORY_PROVIDER is empty, historical sync is disabled")
		return false
	}
	if c.HistorySink == SinkKafka && len(c.Kafka.Brokers) == 0 {
		zap.S().Warnf("HISTORY_SINK is kafka but KAFKA_BROKERS is empty, historical sync is disabled")
		return false
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
