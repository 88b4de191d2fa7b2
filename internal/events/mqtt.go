package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// publisher is the subset of *autopaho.ConnectionManager the sink uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTTSink forwards bus events to an MQTT broker as JSON on
// {prefix}/events/{source}/{kind}, and keeps a retained availability
// message on {prefix}/status.
type MQTTSink struct {
	cfg    MQTTConfig
	bus    *Bus
	logger *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publisher
}

// NewMQTTSink creates a sink. Call Start to connect.
func NewMQTTSink(cfg MQTTConfig, bus *Bus, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fpagent"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fpagent"
	}
	return &MQTTSink{cfg: cfg, bus: bus, logger: logger}
}

func (s *MQTTSink) statusTopic() string {
	return strings.TrimRight(s.cfg.TopicPrefix, "/") + "/status"
}

func (s *MQTTSink) eventTopic(e Event) string {
	return fmt.Sprintf("%s/events/%s/%s", strings.TrimRight(s.cfg.TopicPrefix, "/"), e.Source, e.Kind)
}

// Start opens the broker connection and returns. Events are forwarded
// in the background until ctx is cancelled. autopaho reconnects on its
// own, so a broker that is down at startup is not an error.
func (s *MQTTSink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm
	s.pub = cm

	// Subscribe before returning so no event published after Start is
	// missed.
	ch := s.bus.Subscribe(64)
	go s.forward(ctx, ch)
	return nil
}

// forward publishes events from ch until ctx is cancelled, then
// unsubscribes.
func (s *MQTTSink) forward(ctx context.Context, ch <-chan Event) {
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.publishEvent(ctx, e)
		}
	}
}

func (s *MQTTSink) publishEvent(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("mqtt event encode failed", "kind", e.Kind, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.pub.Publish(pctx, &paho.Publish{
		Topic:   s.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		s.logger.Debug("mqtt event publish failed", "topic", s.eventTopic(e), "error", err)
	}
}

func (s *MQTTSink) publishStatus(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   s.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	}
}

// Stop publishes "offline" and disconnects.
func (s *MQTTSink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishStatus(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as a connwatch probe.
func (s *MQTTSink) AwaitConnection(ctx context.Context) error {
	if s.cm == nil {
		return fmt.Errorf("mqtt sink not started")
	}
	return s.cm.AwaitConnection(ctx)
}
