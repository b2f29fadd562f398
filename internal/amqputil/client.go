// Package amqputil holds the shared AMQP connection and reconnect helpers.
package amqputil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// Client publishes to durable queues over a lazily dialed connection.
// The connection is redialed on the next Publish after it closes.
type Client struct {
	connectionString string

	mu   sync.Mutex
	conn *amqp091.Connection
}

func NewClient(connectionString string) *Client {
	return &Client{connectionString: connectionString}
}

func (cli *Client) connection() (*amqp091.Connection, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	if cli.conn != nil && !cli.conn.IsClosed() {
		return cli.conn, nil
	}
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return nil, err
	}
	cli.conn = conn
	return conn, nil
}

// Publish declares the durable queue and publishes msg to it through the default exchange.
// It returns after the broker confirms the message.
func (cli *Client) Publish(ctx context.Context, queue string, msg amqp091.Publishing) error {
	conn, err := cli.connection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
	}()

	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err = ch.Confirm(false); err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("publish to %s: %w", queue, errors.New("broker nacked the message"))
	}
	return nil
}

func (cli *Client) Close() error {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	if cli.conn == nil || cli.conn.IsClosed() {
		return nil
	}
	return cli.conn.Close()
}
