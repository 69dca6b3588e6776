package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectNotify is the NATS subject prefix for per-identity notifications.
// Published as push.notify.<identity>.
const SubjectNotify = "push.notify"

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "duet",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Client wraps the NATS connection used for push traffic. It implements
// Notifier on the publish side and exposes a wildcard subscription for the
// push gateway on the delivery side.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// Notify implements Notifier by publishing the notification to the
// identity's subject. Delivery beyond the broker is best-effort.
func (c *Client) Notify(_ context.Context, identity string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("push: marshal notification: %w", err)
	}
	if err := c.conn.Publish(SubjectNotify+"."+identity, data); err != nil {
		return fmt.Errorf("push: publish notify: %w", err)
	}
	return nil
}

// SubscribeAll registers a handler for every identity's notifications. The
// handler receives the identity extracted from the subject and the raw
// payload. Used by the push gateway to fan notifications out to connected
// clients.
func (c *Client) SubscribeAll(handler func(identity string, data []byte)) error {
	subject := SubjectNotify + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		identity := strings.TrimPrefix(msg.Subject, SubjectNotify+".")
		handler(identity, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
