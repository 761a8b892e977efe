// Package cdc forwards outbox rows captured by a log-tailing connector onto their
// destination topics. It never writes to the outbox tables.
package cdc

import (
	"context"
	"errors"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"go.uber.org/zap"
)

const (
	Name  = "cdc"
	Group = "cdc-forwarder"
)

type Options struct {
	// Server is the connector's logical server name, the prefix of change topics.
	Server   string
	Services []string
}

type Forwarder struct {
	sub     broker.Subscriber
	pub     broker.Publisher
	log     *zap.Logger
	metrics *metrics.Pipeline
	opts    Options
}

func New(sub broker.Subscriber, pub broker.Publisher, log *zap.Logger, m *metrics.Pipeline, opts Options) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Server == "" {
		opts.Server = "tripsaga-db-server"
	}
	if len(opts.Services) == 0 {
		opts.Services = outboxdomain.Services
	}
	return &Forwarder{sub: sub, pub: pub, log: log.Named("relay.cdc"), metrics: m, opts: opts}
}

// ChangeTopic is the topic the connector writes changes of an outbox table to.
func ChangeTopic(server, service string) string {
	return server + ".public." + outboxdomain.TableName(service)
}

func (f *Forwarder) Name() string { return Name }

// Topics lists the change topics the forwarder consumes.
func (f *Forwarder) Topics() []string {
	out := make([]string, 0, len(f.opts.Services))
	for _, service := range f.opts.Services {
		out = append(out, ChangeTopic(f.opts.Server, service))
	}
	return out
}

// Start subscribes to every change topic and returns once the subscriptions exist.
func (f *Forwarder) Start(ctx context.Context) error {
	for _, topic := range f.Topics() {
		if err := f.sub.Subscribe(ctx, topic, Group, f.Handle); err != nil {
			return err
		}
	}
	f.log.Info("cdc forwarder subscribed", zap.Strings("topics", f.Topics()))
	return nil
}

// Run subscribes and blocks until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Handle forwards one change record. Records that cannot be decoded are dropped;
// publish failures are returned so the change topic redelivers.
func (f *Forwarder) Handle(ctx context.Context, msg broker.Message) error {
	change, err := Decode(msg.Value)
	if err != nil {
		if errors.Is(err, ErrMissingRow) {
			f.log.Debug("change record without row ignored", zap.String("topic", msg.Topic))
			return nil
		}
		f.log.Warn("undecodable change record dropped", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}
	if !change.Forwardable() {
		return nil
	}

	out, err := change.After.Event().Message()
	if err != nil {
		f.log.Warn("change record could not be encoded", zap.String("event_id", change.After.EventID), zap.Error(err))
		return nil
	}
	if err := f.pub.Publish(ctx, out); err != nil {
		f.metrics.IncOutboxPublishError(Name, out.Topic)
		return err
	}
	f.metrics.IncOutboxPublished(Name, out.Topic)
	f.log.Debug("outbox event forwarded",
		zap.String("event_id", change.After.EventID),
		zap.String("event_type", change.After.EventType),
		zap.String("topic", out.Topic),
	)
	return nil
}
