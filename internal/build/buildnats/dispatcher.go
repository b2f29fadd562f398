// Package buildnats publishes build events to NATS JetStream.
package buildnats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/k11v/buildmanager/internal/build"
)

var _ build.Dispatcher = (*Dispatcher)(nil)

// Publisher is implemented by jetstream.JetStream.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Config struct {
	URL    string `env:"URL" envDefault:"nats://localhost:4222"`
	Stream string `env:"STREAM" envDefault:"BUILDS"`

	// Subjects. Both must match the stream subjects.
	PackagingRequested string `env:"PACKAGING_REQUESTED_SUBJECT" envDefault:"build.packaging.requested"`
	BuildCompleted     string `env:"BUILD_COMPLETED_SUBJECT" envDefault:"build.completed"`
}

// Dispatcher publishes events with the event id as the JetStream message id,
// so that redispatched events are de-duplicated by the stream.
type Dispatcher struct {
	js   Publisher // required
	conf *Config
}

func NewDispatcher(js Publisher, conf *Config) *Dispatcher {
	return &Dispatcher{js: js, conf: conf}
}

// Connect connects to NATS, creates or updates the stream and returns a dispatcher.
// The returned close func drains the connection.
func Connect(ctx context.Context, conf *Config, log *slog.Logger) (d *Dispatcher, closeFunc func(), err error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := nats.Connect(conf.URL, nats.Name("build-manager"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        conf.Stream,
		Description: "Build manager events",
		Subjects:    []string{conf.PackagingRequested, conf.BuildCompleted},
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create stream: %w", err)
	}

	log.Info("NATS dispatcher initialized", "url", conf.URL, "stream", conf.Stream)

	closeFunc = func() {
		if err := conn.Drain(); err != nil {
			log.Error("didn't drain NATS connection", "err", err)
		}
	}
	return NewDispatcher(js, conf), closeFunc, nil
}

// Dispatch implements build.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, e *build.Event) error {
	var subject string
	switch e.Kind {
	case build.EventPackagingRequested:
		subject = d.conf.PackagingRequested
	case build.EventBuildCompleted:
		subject = d.conf.BuildCompleted
	default:
		return fmt.Errorf("buildnats.Dispatcher: unknown event kind %q", e.Kind)
	}

	data, err := build.MarshalPayload(e)
	if err != nil {
		return fmt.Errorf("buildnats.Dispatcher: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(jetstream.MsgIDHeader, e.ID.String())
	msg.Header.Set("Content-Type", "application/json")

	if _, err = d.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("buildnats.Dispatcher: %w", err)
	}
	return nil
}
