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
	"fmt"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const (
	publishTimeout = 5 * time.Second
	writeTimeout   = 30 * time.Second
)

type MQTTConfig struct {
	BrokerURL   string
	Password    string
	ClientID    string
	TopicPrefix string
}

// NewMQTTClient connects to the broker. The client reconnects on its own afterwards.
func NewMQTTClient(cfg MQTTConfig) (MQTT.Client, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetUsername("EWON_CONNECTOR")
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(client MQTT.Client) {
		optionsReader := client.OptionsReader()
		zap.S().Infof("Connected to MQTT broker (%s)", optionsReader.ClientID())
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		zap.S().Warnf("Connection to MQTT broker lost: %s", err)
	})

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.BrokerURL, token.Error())
	}
	return client, nil
}

// MQTTPublisher mirrors the live store to <prefix>/<path> and accepts writes on <prefix>/set/<path>.
type MQTTPublisher struct {
	client MQTT.Client
	prefix string
}

func NewMQTTPublisher(client MQTT.Client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (m *MQTTPublisher) Publish(path string, payload []byte) error {
	token := m.client.Publish(m.prefix+"/"+path, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing %s timed out", path)
	}
	return token.Error()
}

// SubscribeWrites forwards set messages to the provider.
func (m *MQTTPublisher) SubscribeWrites(p *Provider) error {
	topic := m.prefix + "/set/#"
	token := m.client.Subscribe(topic, 1, func(_ MQTT.Client, msg MQTT.Message) {
		_ = handleSetMessage(p, m.prefix, msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	zap.S().Infof("MQTT subscribed (%s)", topic)
	return nil
}

func (m *MQTTPublisher) Disconnect() {
	m.client.Disconnect(250)
}

func handleSetMessage(p *Provider, prefix string, topic string, payload []byte) error {
	path := strings.TrimPrefix(topic, prefix+"/set/")
	if path == topic || path == "" {
		return fmt.Errorf("unexpected topic %s", topic)
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.Write(ctx, path, value); err != nil {
		zap.S().Errorf("Failed to write %s from MQTT: %s", path, err)
		return err
	}
	return nil
}

func GetHealthCheck(client MQTT.Client) healthcheck.Check {
	return func() error {
		if client.IsConnected() {
			return nil
		}
		return fmt.Errorf("not connected")
	}
}
