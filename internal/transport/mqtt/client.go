// Package mqtt connects to the device broker for telemetry intake and command delivery.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/router-for-me/TelemetryHub/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMS   = 250
)

var (
	ErrNotConnected   = errors.New("mqtt: not connected")
	ErrPublishTimeout = errors.New("mqtt: publish timed out")
)

// MessageHandler receives one inbound message and reports whether it was accepted.
type MessageHandler func(ctx context.Context, topic string, body []byte) bool

// Client wraps a paho client. Subscriptions are restored on every reconnect.
type Client struct {
	client         paho.Client
	qos            byte
	publishTimeout time.Duration

	mu      sync.Mutex
	topics  []string
	handler MessageHandler
	ctx     context.Context
}

// Connect dials the broker. When handler is non-nil the configured topics are subscribed.
func Connect(ctx context.Context, cfg config.MQTTConfig, handler MessageHandler) (*Client, error) {
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	c := &Client{
		qos:            cfg.QoS,
		publishTimeout: cfg.PublishTimeout,
		handler:        handler,
		ctx:            ctx,
	}
	if handler != nil && cfg.Subscribe {
		c.topics = append(c.topics, cfg.Topics...)
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("telemetryhub-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithError(err).Warn("mqtt: connection lost")
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		log.WithField("broker", broker).Info("mqtt: connected")
		c.resubscribe(client)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect %s: timed out", broker)
	}
	if errConnect := token.Error(); errConnect != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, errConnect)
	}
	c.client = client
	return c, nil
}

// NewWithClient wraps an existing paho client.
func NewWithClient(client paho.Client, qos byte, publishTimeout time.Duration) *Client {
	return &Client{client: client, qos: qos, publishTimeout: publishTimeout, ctx: context.Background()}
}

// Publish sends payload and waits for the broker acknowledgement or the publish timeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if c.client == nil || !c.client.IsConnected() {
		return ErrNotConnected
	}
	if qos > 2 {
		qos = c.qos
	}
	timeout := c.publishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	token := c.client.Publish(topic, qos, retain, payload)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if errPublish := token.Error(); errPublish != nil {
			return fmt.Errorf("mqtt: publish %s: %w", topic, errPublish)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mqtt: publish %s: %w", topic, ErrPublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultQoS is the configured quality of service level.
func (c *Client) DefaultQoS() byte { return c.qos }

// Subscribe adds a topic filter and subscribes immediately when connected.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	if handler != nil {
		c.handler = handler
	}
	c.mu.Unlock()
	if c.client == nil || !c.client.IsConnected() {
		return nil
	}
	return c.subscribe(c.client, topic)
}

func (c *Client) resubscribe(client paho.Client) {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()
	for _, topic := range topics {
		if errSubscribe := c.subscribe(client, topic); errSubscribe != nil {
			log.WithError(errSubscribe).WithField("topic", topic).Error("mqtt: subscribe failed")
		}
	}
}

func (c *Client) subscribe(client paho.Client, topic string) error {
	token := client.Subscribe(topic, c.qos, c.onMessage)
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timed out", topic)
	}
	if errSubscribe := token.Error(); errSubscribe != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, errSubscribe)
	}
	log.WithField("topic", topic).Info("mqtt: subscribed")
	return nil
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.mu.Lock()
	handler := c.handler
	ctx := c.ctx
	c.mu.Unlock()
	if handler == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	handler(ctx, msg.Topic(), msg.Payload())
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesceMS)
	}
}
