package ingestion

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/market"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CallbackSubjectPrefix = "pm.compute.callbacks."
	RequestSubjectPrefix  = "pm.compute.requests."
	CommandSubjectPrefix  = "pm.commands."
	EventSubjectPrefix    = "pm.events."
)

// CallbackDeliverer consumes cluster callbacks. *compute.Gateway satisfies it.
type CallbackDeliverer interface {
	DeliverCallback(ctx context.Context, cb compute.Callback) error
}

// CommandExecutor runs inbound commands. *Executor satisfies it.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// StreamNames derives the JetStream stream names from a base name.
type StreamNames struct {
	Compute  string
	Commands string
	Events   string
}

func NewStreamNames(base string) StreamNames {
	return StreamNames{
		Compute:  base + "_COMPUTE",
		Commands: base + "_COMMANDS",
		Events:   base + "_EVENTS",
	}
}

// NATSSubscriber consumes callbacks and commands from JetStream.
//
// A message whose handling fails with a domain error is acked: redelivering
// it would fail the same way. Infrastructure errors are nak'd and retried
// up to MaxDeliver times.
type NATSSubscriber struct {
	js        jetstream.JetStream
	streams   StreamNames
	durable   string
	callbacks CallbackDeliverer
	commands  CommandExecutor
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, streams StreamNames, durable string, callbacks CallbackDeliverer, commands CommandExecutor, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		streams:   streams,
		durable:   durable,
		callbacks: callbacks,
		commands:  commands,
		logger:    logger.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumers and starts consuming.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	type sub struct {
		stream, subject, name string
		handle                func(ctx context.Context, msg jetstream.Msg) error
	}
	var subs []sub
	if ns.callbacks != nil {
		subs = append(subs, sub{ns.streams.Compute, CallbackSubjectPrefix + ">", ns.durable + "-callbacks", ns.handleCallback})
	}
	if ns.commands != nil {
		subs = append(subs, sub{ns.streams.Commands, CommandSubjectPrefix + ">", ns.durable + "-commands", ns.handleCommand})
	}

	for _, s := range subs {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
			Durable:       s.name,
			FilterSubject: s.subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", s.name, err)
		}

		handle := s.handle
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.settle(msg, handle(ctx, msg))
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", s.name, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", s.subject).Str("consumer", s.name).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handleCallback(ctx context.Context, msg jetstream.Msg) error {
	cb, err := ParseCallback(msg.Data())
	if err != nil {
		return err
	}
	return ns.callbacks.DeliverCallback(ctx, cb)
}

func (ns *NATSSubscriber) handleCommand(ctx context.Context, msg jetstream.Msg) error {
	op, err := OpFromSubject(msg.Subject())
	if err != nil {
		return err
	}
	cmd, err := ParseCommand(op, msg.Data(), uuid.Nil)
	if err != nil {
		return err
	}
	res, err := ns.commands.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	ev := ns.logger.Debug().Str("op", string(op))
	if res.Handle != nil {
		ev = ev.Str("handle", res.Handle.String())
	}
	ev.Msg("command applied")
	return nil
}

func (ns *NATSSubscriber) settle(msg jetstream.Msg, err error) {
	if err == nil || Permanent(err) {
		if err != nil {
			ns.logger.Warn().
				Err(err).
				Str("subject", msg.Subject()).
				Str("category", market.CategoryOf(err).String()).
				Msg("message rejected")
		}
		if ackErr := msg.Ack(); ackErr != nil {
			ns.logger.Error().Err(ackErr).Str("subject", msg.Subject()).Msg("ack")
		}
		return
	}
	ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("message failed, will redeliver")
	if nakErr := msg.NakWithDelay(time.Second); nakErr != nil {
		ns.logger.Error().Err(nakErr).Str("subject", msg.Subject()).Msg("nak")
	}
}

// Permanent reports whether retrying the message cannot help.
func Permanent(err error) bool {
	return market.CategoryOf(err) != market.CategoryUnknown
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, names StreamNames, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      names.Compute,
			Subjects:  []string{"pm.compute.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      names.Commands,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      names.Events,
			Subjects:  []string{EventSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("privatemarkets"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
