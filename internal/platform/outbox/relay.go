package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/carelink/pharmacy/internal/platform/db"
	"github.com/carelink/pharmacy/internal/platform/metrics"
)

// Publisher is the slice of *kafka.Writer the relay uses.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter hashes on the message key so every event of one order lands
// on the same partition, in order.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay drains the outbox to Kafka. Delivery is at-least-once: a crash
// between publish and commit republishes the batch, and consumers dedupe on
// the event_id header.
type Relay struct {
	store   Store
	pub     Publisher
	tm      db.TxManager
	cfg     RelayConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewRelay(store Store, pub Publisher, tm db.TxManager, cfg RelayConfig, logger zerolog.Logger, m *metrics.Metrics) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:   store,
		pub:     pub,
		tm:      tm,
		cfg:     cfg,
		logger:  logger.With().Str("component", "outbox-relay").Logger(),
		metrics: m,
	}
}

// Run flushes until ctx is cancelled. A full batch triggers an immediate
// follow-up flush instead of waiting for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Int("batch_size", r.cfg.BatchSize).Msg("outbox relay started")
	for {
		n, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("outbox flush failed")
		}
		if err == nil && n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch and returns how many events were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent := 0
	err := r.tm.WithinTx(ctx, func(ctx context.Context) error {
		records, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		msgs := make([]kafka.Message, 0, len(records))
		ids := make([]int64, 0, len(records))
		for _, rec := range records {
			msgs = append(msgs, toMessage(rec))
			ids = append(ids, rec.ID)
		}
		if err := r.pub.WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("publish %d events: %w", len(msgs), err)
		}
		if err := r.store.MarkSent(ctx, ids); err != nil {
			return err
		}
		sent = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		r.metrics.Published(sent)
		r.logger.Debug().Int("count", sent).Msg("outbox events published")
	}
	return sent, nil
}

func toMessage(rec Record) kafka.Message {
	return kafka.Message{
		Topic: rec.Topic,
		Key:   []byte(rec.Key),
		Value: rec.Payload,
		Time:  rec.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(rec.EventType)},
			{Key: "event_id", Value: []byte(rec.EventID.String())},
		},
	}
}
