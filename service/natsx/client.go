// Package natsx publishes chat events to NATS so other processes (audit,
// search indexing, push gateways) can follow what happens on this node.
package natsx

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type Config struct {
	Servers       []string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client wraps one NATS connection and the subject prefix of this gateway.
type Client struct {
	cfg Config
	nc  *nats.Conn
}

func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.Name == "" {
		cfg.Name = "chatcore"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "chat"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &Client{cfg: cfg, nc: nc}, nil
}

// Subject maps a topic such as "presence" to "<prefix>.presence".
func (c *Client) Subject(topic string) string {
	return c.cfg.SubjectPrefix + "." + topic
}

// Close drains the connection, flushing pending publishes.
func (c *Client) Close() error {
	if c == nil || c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}
