// Package mqtt feeds loop packets and archive records published on an MQTT
// broker into the engine.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/jacaudi/wunderground_like/internal/config"
	"github.com/jacaudi/wunderground_like/internal/packet"
)

// Poster receives decoded packets. *engine.Engine satisfies it.
type Poster interface {
	PostLoop(p packet.Packet)
	PostArchive(ctx context.Context, rec packet.Packet) error
}

// Subscriber listens on the loop and archive topics.
type Subscriber struct {
	client       mqtt.Client
	broker       string
	topicLoop    string
	topicArchive string
	poster       Poster
	logger       *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ClientID returns the configured client id, or a random one.
func ClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "wunderground_like-" + uuid.NewString()
}

// NewSubscriber prepares a client for the broker in cfg. Nothing is
// connected until Connect.
func NewSubscriber(cfg *config.Config, poster Poster, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		broker:       cfg.MQTT_Broker,
		topicLoop:    cfg.MQTT_Topic_Loop,
		topicArchive: cfg.MQTT_Topic_Archive,
		poster:       poster,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT_Broker)
	opts.SetClientID(ClientID(cfg.MQTT_Client_ID))
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscriptions are lost on reconnect with a clean session.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", s.broker)
		if err := s.subscribe(); err != nil {
			logger.Error("mqtt subscribe failed", "error", err)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect establishes the connection. Subscriptions are made by the connect
// handler. If ctx ends first the client keeps retrying in the background
// until Disconnect.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("subscriber stopped")
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return fmt.Errorf("subscriber stopped")
		default:
		}
	}
}

func (s *Subscriber) topics() []string {
	var out []string
	for _, t := range []string{s.topicLoop, s.topicArchive} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Subscriber) subscribe() error {
	qos := byte(1)
	for _, topic := range s.topics() {
		token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
			s.handleMessage(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscribe timeout for topic %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	}
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	p, err := packet.Decode(payload)
	if err != nil {
		s.logger.Warn("failed to decode packet",
			"topic", topic,
			"error", err,
			"payload", string(payload),
		)
		return
	}
	packet.Derive(p)

	switch topic {
	case s.topicLoop:
		s.poster.PostLoop(p)
	case s.topicArchive:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.poster.PostArchive(ctx, p); err != nil {
			s.logger.Error("archive record not processed", "topic", topic, "error", err)
		}
	default:
		s.logger.Warn("message on unexpected topic", "topic", topic)
	}
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the connection. Safe to call
// more than once.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.topics()...)
		token.WaitTimeout(2 * time.Second)
	}
	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
