// Package natsclient is a thin wrapper over nats.go used by the workflow
// event publisher.
package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// Client holds a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the NATS server with sane reconnect settings.
func Connect(url string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to subject. The context deadline bounds the flush.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	return c.conn.FlushTimeout(time.Until(deadline))
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
