// Package mqtttest provides an in-memory paho client for tests.
package mqtttest

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one recorded Publish call.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client is an in-memory mqtt.Client. Subscriptions are exact-topic.
type Client struct {
	mu          sync.Mutex
	connected   bool
	published   []Published
	handlers    map[string]mqtt.MessageHandler
	PublishErr  error
	ConnectErr  error
	publishedCh chan Published
}

var _ mqtt.Client = (*Client)(nil)

// NewClient returns a connected fake client.
func NewClient() *Client {
	return &Client{
		connected:   true,
		handlers:    make(map[string]mqtt.MessageHandler),
		publishedCh: make(chan Published, 64),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr == nil {
		c.connected = true
	}
	return &token{err: c.ConnectErr}
}

func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// SetConnected flips the connection state.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PublishErr != nil {
		return &token{err: c.PublishErr}
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	default:
		return &token{err: errors.New("unknown payload type")}
	}

	msg := Published{Topic: topic, QoS: qos, Retained: retained, Payload: data}
	c.published = append(c.published, msg)
	select {
	case c.publishedCh <- msg:
	default:
	}
	return &token{}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &token{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range filters {
		c.handlers[topic] = callback
	}
	return &token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &token{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver invokes the handler subscribed to topic. It reports whether one existed.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &message{topic: topic, payload: payload})
	return true
}

// Subscribed reports whether a handler is registered for topic.
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Published returns every recorded publish.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// WaitPublished returns the next publish, or false after timeout.
func (c *Client) WaitPublished(timeout time.Duration) (Published, bool) {
	select {
	case p := <-c.publishedCh:
		return p, true
	case <-time.After(timeout):
		return Published{}, false
	}
}

type token struct {
	err error
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Error() error                   { return t.err }

func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
