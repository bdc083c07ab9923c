package trigger

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/vladkesler/agentd/internal/config"
)

// mqttDriver subscribes to broker topics and emits one event per
// message, with an inbound rate limiter so a chatty topic cannot flood
// the daemon.
type mqttDriver struct {
	broker         string
	topics         []string
	clientID       string
	username       string
	password       string
	promptTemplate string
	handler        Handler
	logger         *slog.Logger

	// lock-free inbound rate limiting, counter resets each minute
	count     atomic.Int64
	dropped   atomic.Int64
	rateLimit int64
}

func newMQTTDriver(cfg config.Trigger, handler Handler, logger *slog.Logger) (Driver, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "agentd-" + fmt.Sprintf("%d", os.Getpid())
	}

	return &mqttDriver{
		broker:         cfg.Broker,
		topics:         cfg.Topics,
		clientID:       clientID,
		username:       os.Getenv(cfg.UsernameEnv),
		password:       os.Getenv(cfg.PasswordEnv),
		promptTemplate: cfg.PromptTemplate,
		handler:        handler,
		logger:         logger,
		rateLimit:      int64(cfg.RateLimitPerMinute),
	}, nil
}

func (m *mqttDriver) Name() string { return "mqtt" }

func (m *mqttDriver) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.broker)
			m.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if m.username != "" {
		pahoCfg.ConnectUsername = m.username
		pahoCfg.ConnectPassword = []byte(m.password)
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.runLimiterReset(ctx)

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cm.Disconnect(disconnectCtx)
	return nil
}

func (m *mqttDriver) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, len(m.topics))
	for _, t := range m.topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 0})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topics", m.topics, "error", err)
		return
	}
	m.logger.Info("mqtt subscribed", "topics", m.topics)
}

func (m *mqttDriver) receive(topic string, payload []byte) {
	if n := m.count.Add(1); n > m.rateLimit {
		m.dropped.Add(1)
		return
	}

	text := strings.ToValidUTF8(string(payload), "")
	prompt := renderTemplate(m.promptTemplate, map[string]string{
		"topic":   topic,
		"payload": text,
	})

	m.logger.Debug("mqtt message received", "topic", topic, "payload_size", len(payload))
	m.handler(NewEvent(TypeMQTT, prompt, map[string]string{
		"topic": topic,
	}))
}

// runLimiterReset blocks until ctx ends, resetting the per-minute
// counter on each tick and reporting drops.
func (m *mqttDriver) runLimiterReset(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := m.count.Swap(0)
			dropped := m.dropped.Swap(0)
			if dropped > 0 {
				m.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"limit", m.rateLimit,
				)
			}
		}
	}
}
