package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with subscription tracking.
type Client struct {
	conn *nats.Conn

	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
	reconnects int
}

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	client := &Client{
		subs: make(map[string]*nats.Subscription),
	}

	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.reconnects++
		client.mu.Unlock()
	}))

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	client.conn = conn

	return client, nil
}

// Publish JSON-encodes data and publishes it to a subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return c.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	c.subs[subject] = sub
	return nil
}

// QueueSubscribe subscribes to a subject as part of a queue group, so a
// message is delivered to one consumer instance only.
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("queue subscribe to %s: %w", subject, err)
	}

	c.subs[key] = sub
	return nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[key]
	if !exists {
		return fmt.Errorf("not subscribed to %s", key)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", key, err)
	}

	delete(c.subs, key)
	return nil
}

// IsConnected reports connection status.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns the number of reconnections observed.
func (c *Client) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// Drain flushes in-flight messages and closes the connection.
func (c *Client) Drain() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.Drain()
}

// Close tears down all subscriptions and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, key)
	}

	if c.conn != nil {
		c.conn.Close()
	}

	return nil
}
