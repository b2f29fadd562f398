package buildamqp

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/buildmanager/internal/build"
)

var _ build.Dispatcher = (*Dispatcher)(nil)

// Publisher is implemented by *amqputil.Client.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp091.Publishing) error
}

// OutboundQueues names the queues events are published to.
type OutboundQueues struct {
	PackagingRequested string `env:"PACKAGING_REQUESTED" envDefault:"package-manager.create.request"`
	BuildCompleted     string `env:"BUILD_COMPLETED" envDefault:"build.completed"`
}

// Dispatcher publishes events as persistent JSON messages.
// The message id is the event id so consumers can de-duplicate redeliveries.
type Dispatcher struct {
	publisher Publisher // required
	queues    OutboundQueues
}

func NewDispatcher(publisher Publisher, queues OutboundQueues) *Dispatcher {
	return &Dispatcher{publisher: publisher, queues: queues}
}

// Dispatch implements build.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, e *build.Event) error {
	var queue string
	switch e.Kind {
	case build.EventPackagingRequested:
		queue = d.queues.PackagingRequested
	case build.EventBuildCompleted:
		queue = d.queues.BuildCompleted
	default:
		return fmt.Errorf("buildamqp.Dispatcher: unknown event kind %q", e.Kind)
	}

	body, err := build.MarshalPayload(e)
	if err != nil {
		return fmt.Errorf("buildamqp.Dispatcher: %w", err)
	}

	err = d.publisher.Publish(ctx, queue, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.ID.String(),
		Type:         string(e.Kind),
		Timestamp:    e.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("buildamqp.Dispatcher: %w", err)
	}
	return nil
}
