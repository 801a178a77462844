package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"crawlplane/internal/logging"
	"crawlplane/internal/model"
)

// KafkaConfig holds backplane connection parameters.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Group identifies this gateway instance's consumer group. Each
	// instance uses its own group so every instance sees every event.
	Group  string
	Logger *slog.Logger
}

// Kafka mirrors bus events over a Kafka topic using franz-go. Records are
// keyed by task id, so per-task ordering survives partitioning.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

var _ Backplane = (*Kafka)(nil)

// NewKafka connects the backplane client.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka backplane: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka backplane: topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
	}
	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka backplane: client: %w", err)
	}
	return &Kafka{
		client: client,
		topic:  cfg.Topic,
		logger: logging.Default(cfg.Logger).With("component", "backplane", "type", "kafka"),
	}, nil
}

// Publish produces the event asynchronously; broker errors are logged,
// never propagated to the publisher's hot path.
func (k *Kafka) Publish(ctx context.Context, ev model.Event) error {
	data, err := EncodeEnvelope(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.TaskID),
		Value: data,
	}
	k.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			k.logger.Warn("backplane produce failed", "kind", ev.Kind, "task_id", ev.TaskID, "error", err)
		}
	})
	return nil
}

// Run polls mirrored events until ctx is done. Undecodable records are
// logged and skipped.
func (k *Kafka) Run(ctx context.Context, deliver func(model.Event)) error {
	k.logger.Info("backplane consumer started", "topic", k.topic)
	for {
		fetches := k.client.PollFetches(ctx)
		if ctx.Err() != nil {
			k.logger.Info("backplane consumer stopping")
			_ = k.client.CommitUncommittedOffsets(context.Background())
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				k.logger.Warn("backplane fetch error",
					"topic", e.Topic, "partition", e.Partition, "error", e.Err)
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			ev, err := DecodeEnvelope(rec.Value)
			if err != nil {
				k.logger.Warn("skipping bad backplane record", "offset", rec.Offset, "error", err)
				return
			}
			deliver(ev)
		})
	}
}

// Close flushes and releases the client.
func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
