// Package broker wraps github.com/eclipse/paho.golang's autopaho
// connection manager into the router's publish/subscribe surface:
// connect once, reconnect transparently, republish a last-will
// availability message, and re-establish subscriptions on every
// (re-)connect since autopaho does not do that automatically.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Sentinel errors the supervisor matches on with errors.Is to decide
// exit codes and retry behavior.
var (
	ErrBrokerUnavailable = errors.New("broker: unavailable")
	ErrPublishFailed     = errors.New("broker: publish failed")
	ErrSubscribeFailed   = errors.New("broker: subscribe failed")
)

// Handler is invoked for every inbound publish whose topic matches a
// subscription. Handlers must not block; long-running work belongs in
// the dispatcher, not here.
type Handler func(topic string, payload []byte)

// OnConnect is invoked after the connection is established (including
// every reconnect), after subscriptions have been re-sent.
type OnConnect func(ctx context.Context, c *Client)

// Subscription pairs a topic filter with the QoS to request.
type Subscription struct {
	Topic string
	QoS   byte
}

// Config holds everything needed to dial a broker.
type Config struct {
	URL      string
	ClientID string

	// WillTopic/WillPayload, if WillTopic is non-empty, are published
	// by the broker itself if this client disconnects uncleanly.
	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool

	KeepAliveSec uint16

	Subscriptions []Subscription

	// OnConnect fires after every successful (re-)connect, after
	// subscriptions are active. Typically used to publish a health
	// "ready" announcement.
	OnConnect OnConnect
}

// Client is a connected broker session. The zero value is not usable;
// construct with New and call Start.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics reconnectCounter

	mu      sync.Mutex
	handler Handler
	cm      *autopaho.ConnectionManager
}

// reconnectCounter is satisfied by metrics.Metrics.BrokerReconnects
// without importing the metrics package from here, keeping broker free
// of a dependency on the collector set.
type reconnectCounter interface {
	Inc()
}

// New creates a Client but does not connect. Call Start to begin.
func New(cfg Config, logger *slog.Logger, reconnects reconnectCounter) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger, metrics: reconnects}
}

// SetHandler registers the callback invoked for every inbound message
// on a subscribed topic filter. Must be called before Start to take
// effect on the first connection.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start connects to the broker and blocks until ctx is cancelled.
// Subsequent reconnects are handled transparently by autopaho; this
// call only returns once ctx.Done() fires or the initial dial fails
// outright.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker: parse url: %w", err)
	}

	keepAlive := c.cfg.KeepAliveSec
	if keepAlive == 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  keepAlive,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("broker connected", "url", c.cfg.URL)
			if c.metrics != nil {
				c.metrics.Inc()
			}
			connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.resubscribe(connectCtx, cm)
			if c.cfg.OnConnect != nil {
				c.cfg.OnConnect(connectCtx, c)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("broker connect error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
		},
	}

	if c.cfg.WillTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.cfg.WillTopic,
			Payload: c.cfg.WillPayload,
			QoS:     c.cfg.WillQoS,
			Retain:  c.cfg.WillRetain,
		}
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("broker initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

func (c *Client) onPublishReceived(pr autopaho.PublishReceived) (bool, error) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return true, nil
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("broker handler panicked", "topic", pr.Packet.Topic, "panic", r)
			}
		}()
		h(pr.Packet.Topic, pr.Packet.Payload)
	}()
	return true, nil
}

func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(c.cfg.Subscriptions) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(c.cfg.Subscriptions))
	topics := make([]string, 0, len(c.cfg.Subscriptions))
	for _, s := range c.cfg.Subscriptions {
		opts = append(opts, paho.SubscribeOptions{Topic: s.Topic, QoS: s.QoS})
		topics = append(topics, s.Topic)
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("broker subscribe failed", "error", fmt.Errorf("%w: %v", ErrSubscribeFailed, err), "topics", topics)
		return
	}
	c.logger.Info("broker subscribed", "topics", topics)
}

// Publish sends payload to topic. Safe for concurrent use.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("%w: not connected", ErrBrokerUnavailable)
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("%w: not started", ErrBrokerUnavailable)
	}
	return cm.AwaitConnection(ctx)
}

// Disconnect closes the connection, waiting up to the context deadline
// for a clean shutdown.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}
