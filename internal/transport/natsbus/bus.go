// Package natsbus wraps a NATS connection for telemetry intake and event publishing.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/router-for-me/TelemetryHub/internal/config"
	log "github.com/sirupsen/logrus"
)

const messageTimeout = 30 * time.Second

var ErrNotConnected = errors.New("natsbus: not connected")

// MessageHandler receives one inbound message. The return value reports whether it was accepted.
type MessageHandler func(ctx context.Context, subject string, body []byte, messageID string) bool

// Bus owns one NATS connection and the subscriptions made through it.
type Bus struct {
	mu   sync.RWMutex
	conn *nats.Conn
	subs []*nats.Subscription
}

// Connect dials the configured server with reconnect handling.
func Connect(cfg config.NATSConfig) (*Bus, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("natsbus: disconnected")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.WithField("url", conn.ConnectedUrl()).Info("natsbus: reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("natsbus: async error")
		}),
	}
	if name := strings.TrimSpace(cfg.Name); name != "" {
		opts = append(opts, nats.Name(name))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	conn, errConnect := nats.Connect(url, opts...)
	if errConnect != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", url, errConnect)
	}
	log.WithField("url", conn.ConnectedUrl()).Info("natsbus: connected")
	return &Bus{conn: conn}, nil
}

func (b *Bus) connection() (*nats.Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil || !b.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return b.conn, nil
}

// Publish sends data to subject. It satisfies analytics.Publisher.
func (b *Bus) Publish(_ context.Context, subject string, data []byte) error {
	conn, errConn := b.connection()
	if errConn != nil {
		return errConn
	}
	return conn.Publish(subject, data)
}

// JetStream returns a JetStream handle on the shared connection.
func (b *Bus) JetStream() (jetstream.JetStream, error) {
	conn, errConn := b.connection()
	if errConn != nil {
		return nil, errConn
	}
	js, errJS := jetstream.New(conn)
	if errJS != nil {
		return nil, fmt.Errorf("natsbus: jetstream: %w", errJS)
	}
	return js, nil
}

// Subscribe delivers messages on subject to handler. A non-empty queue joins a queue group.
func (b *Bus) Subscribe(ctx context.Context, subject, queue string, handler MessageHandler) error {
	conn, errConn := b.connection()
	if errConn != nil {
		return errConn
	}
	callback := func(msg *nats.Msg) {
		Deliver(ctx, msg, handler)
	}
	var (
		sub          *nats.Subscription
		errSubscribe error
	)
	if queue = strings.TrimSpace(queue); queue != "" {
		sub, errSubscribe = conn.QueueSubscribe(subject, queue, callback)
	} else {
		sub, errSubscribe = conn.Subscribe(subject, callback)
	}
	if errSubscribe != nil {
		return fmt.Errorf("natsbus: subscribe %s: %w", subject, errSubscribe)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	log.WithFields(log.Fields{"subject": subject, "queue": queue}).Info("natsbus: subscribed")
	return nil
}

// Deliver hands one NATS message to handler with a bounded context.
func Deliver(ctx context.Context, msg *nats.Msg, handler MessageHandler) bool {
	if msg == nil || handler == nil {
		return false
	}
	msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()
	messageID := ""
	if msg.Header != nil {
		messageID = strings.TrimSpace(msg.Header.Get(nats.MsgIdHdr))
	}
	return handler(msgCtx, msg.Subject, msg.Data, messageID)
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if errUnsub := sub.Unsubscribe(); errUnsub != nil && !errors.Is(errUnsub, nats.ErrConnectionClosed) {
			log.WithError(errUnsub).Warn("natsbus: unsubscribe failed")
		}
	}
	b.subs = nil
	if b.conn != nil {
		if errDrain := b.conn.Drain(); errDrain != nil {
			b.conn.Close()
		}
		b.conn = nil
	}
}
