// Package buildamqp connects the build runner to RabbitMQ.
package buildamqp

import (
	"context"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/buildmanager/internal/build"
)

// Commander handles build commands. It is implemented by *build.Runner.
type Commander interface {
	Handle(ctx context.Context, cmd *build.Command) (*build.Outcome, error)
}

// Handler turns deliveries into commands.
//
// A delivery is acked when its command is applied or dropped,
// nacked without requeue when it can't be parsed,
// and nacked with requeue when the command couldn't be persisted.
type Handler struct {
	commander Commander // required
	log       *slog.Logger
}

func NewHandler(commander Commander, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{commander: commander, log: log}
}

func (h *Handler) Handle(ctx context.Context, kind build.MessageKind, m amqp091.Delivery) {
	log := h.log.With("message", kind, "delivery_tag", m.DeliveryTag)

	err := m.Headers.Validate()
	if err != nil {
		log.Error("invalid header", "err", err)
		_ = m.Nack(false, false)
		return
	}

	cmd, err := build.ParseMessage(kind, m.Body)
	if err != nil {
		log.Warn("dropped invalid message", "err", err)
		_ = m.Nack(false, false)
		return
	}

	outcome, err := h.commander.Handle(ctx, cmd)
	if err != nil {
		log.Error("didn't handle message", "build_id", cmd.BuildID, "err", err)
		_ = m.Nack(false, true)
		return
	}
	if outcome.Dropped != nil && !build.IsDropped(outcome.Dropped) {
		log.Error("dropped message for unexpected reason", "build_id", cmd.BuildID, "reason", outcome.Dropped)
	}

	_ = m.Ack(false)
}
