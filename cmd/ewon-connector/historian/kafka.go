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

package historian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
)

// KafkaSink publishes history in the UMH historian payload format, one message per sample.
// The message key is <sinkName>.<device>.<tag>, which keeps samples of one tag in one partition and in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	client   kafkaClient
	topic    string
}

// kafkaClient is the part of sarama.Client the sink needs.
type kafkaClient interface {
	Brokers() []*sarama.Broker
	Closed() bool
	Close() error
}

func NewKafkaSink(brokers []string, topic string, clientID string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaSink{producer: producer, client: client, topic: topic}, nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) StoreBatch(_ context.Context, sinkName string, samples []shared.HistoricalSample) error {
	if len(samples) == 0 {
		return nil
	}
	messages := make([]*sarama.ProducerMessage, 0, len(samples))
	for _, sample := range samples {
		payload, err := json.Marshal(map[string]interface{}{
			"timestamp_ms": sample.Value.Timestamp.UnixMilli(),
			sample.Tag:     historianValue(sample.Value.Value),
		})
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", sample.Path, err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(sinkName + "." + sample.Device + "." + sample.Tag),
			Value: sarama.ByteEncoder(payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("x-origin"), Value: []byte(Origin)},
				{Key: []byte("x-quality"), Value: []byte(sample.Value.Quality.String())},
				{Key: []byte("x-interpolation"), Value: []byte(sample.DataType.Interpolation())},
			},
		})
	}
	if err := k.producer.SendMessages(messages); err != nil {
		return fmt.Errorf("failed to send %d history messages: %w", len(messages), err)
	}
	return nil
}

func historianValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return v
	}
}

// Close closes the producer and the client it was built from.
func (k *KafkaSink) Close() error {
	err := k.producer.Close()
	if k.client != nil && !k.client.Closed() {
		err = errors.Join(err, k.client.Close())
	}
	return err
}

func (k *KafkaSink) GetHealthCheck() healthcheck.Check {
	return func() error {
		if k.client == nil {
			return nil
		}
		if len(k.client.Brokers()) == 0 || k.client.Closed() {
			return fmt.Errorf("kafka client not connected")
		}
		return nil
	}
}
