package buildamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/buildmanager/internal/amqputil"
	"github.com/k11v/buildmanager/internal/build"
)

// InboundQueues names the queues the consumer reads from.
type InboundQueues struct {
	CodeGenerationRequest        string `env:"CODE_GENERATION_REQUEST" envDefault:"code-generation.request"`
	CodeGenerationSuccess        string `env:"CODE_GENERATION_SUCCESS" envDefault:"code-generation.success"`
	CodeGenerationFailure        string `env:"CODE_GENERATION_FAILURE" envDefault:"code-generation.failure"`
	PackageManagerCreateResponse string `env:"PACKAGE_MANAGER_CREATE_RESPONSE" envDefault:"package-manager.create.response"`
}

// routes maps queue names to message kinds. Queues with empty names are skipped.
func (q InboundQueues) routes() map[string]build.MessageKind {
	routes := make(map[string]build.MessageKind)
	for queue, kind := range map[string]build.MessageKind{
		q.CodeGenerationRequest:        build.MessageCodeGenerationRequest,
		q.CodeGenerationSuccess:        build.MessageCodeGenerationSuccess,
		q.CodeGenerationFailure:        build.MessageCodeGenerationFailure,
		q.PackageManagerCreateResponse: build.MessagePackageManagerCreateResponse,
	} {
		if queue != "" {
			routes[queue] = kind
		}
	}
	return routes
}

type ConsumerConfig struct {
	Prefetch    int // unacked messages across all queues, defaults to 2*Concurrency
	Concurrency int // deliveries handled at once, defaults to 8
	Queues      InboundQueues
}

// Consumer consumes inbound queues and passes deliveries to a Handler.
// It reconnects with backoff when the connection is lost.
type Consumer struct {
	connectionString string   // required
	handler          *Handler // required
	routes           map[string]build.MessageKind
	prefetch         int
	concurrency      int
	log              *slog.Logger
}

func NewConsumer(connectionString string, handler *Handler, conf *ConsumerConfig, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	concurrency := conf.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	prefetch := conf.Prefetch
	if prefetch <= 0 {
		prefetch = 2 * concurrency
	}
	return &Consumer{
		connectionString: connectionString,
		handler:          handler,
		routes:           conf.Queues.routes(),
		prefetch:         prefetch,
		concurrency:      concurrency,
		log:              log.With("component", "consumer"),
	}
}

// Run consumes until ctx is canceled. In-flight deliveries are finished
// and acknowledged before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	retries := 0
	for {
		consumeErr := c.consume(ctx, func() {
			if retries > 0 {
				c.log.Info("recovered", "retries", retries)
				retries = 0
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		c.log.Error("didn't consume", "err", consumeErr)

		wait := amqputil.RetryWaitDuration(retries)
		retries++
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
		c.log.Info("retrying", "retries", retries)
	}
}

func (c *Consumer) consume(ctx context.Context, started func()) error {
	conn, err := amqp091.Dial(c.connectionString)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
	}()

	if err = setPrefetch(ch, c.prefetch); err != nil {
		return err
	}

	// Handlers outlive ctx so that in-flight deliveries are acked on shutdown.
	handlerCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	var (
		wg   sync.WaitGroup
		tags []string
	)
	for queue, kind := range c.routes {
		q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare %s: %w", queue, err)
		}

		tag := "build-manager." + queue
		deliveries, err := ch.Consume(q.Name, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		tags = append(tags, tag)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				g.Go(func() error {
					c.handler.Handle(handlerCtx, kind, d)
					return nil
				})
			}
		}()
	}

	c.log.Info("starting consuming", "queues", len(tags))
	started()

	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()

	select {
	case <-ctx.Done():
		for _, tag := range tags {
			_ = ch.Cancel(tag, false)
		}
		<-closed
		_ = g.Wait()
		c.log.Info("stopped consuming")
		return ctx.Err()
	case <-closed:
		_ = g.Wait()
		return errors.New("delivery channel is closed")
	}
}

type qoser interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// setPrefetch limits unacked deliveries for the whole channel.
// RabbitMQ applies a non-global limit to each consumer, that is, to each queue.
func setPrefetch(ch qoser, prefetch int) error {
	return ch.Qos(prefetch, 0, true)
}
