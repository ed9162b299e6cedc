package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
}

func (s *memStore) Insert(_ context.Context, key, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records = append(s.records, Record{
		ID: s.nextID, EventID: uuid.New(), Topic: "orders", Key: key,
		EventType: eventType, Payload: data, CreatedAt: time.Now(),
	})
	return nil
}

func (s *memStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.SentAt == nil && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		for i := range s.records {
			if s.records[i].ID == id {
				s.records[i].SentAt = &now
			}
		}
	}
	return nil
}

func (s *memStore) pending() int {
	n, _ := s.FetchPending(context.Background(), 1<<30)
	return len(n)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *fakePublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type inlineTx struct{}

func (inlineTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestRelay_FlushPublishesAndMarks(t *testing.T) {
	store := &memStore{}
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "order-1", "order.created", map[string]string{"order_number": "ORD-1"}))
	require.NoError(t, store.Insert(ctx, "order-1", "order.paid", map[string]string{"order_number": "ORD-1"}))

	pub := &fakePublisher{}
	relay := NewRelay(store, pub, inlineTx{}, RelayConfig{BatchSize: 10}, zerolog.Nop(), nil)

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.pending())

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "order-1", string(pub.msgs[0].Key))
	assert.Equal(t, "orders", pub.msgs[0].Topic)
	assert.Equal(t, "event_type", pub.msgs[1].Headers[0].Key)
	assert.Equal(t, "order.paid", string(pub.msgs[1].Headers[0].Value))
}

func TestRelay_PublishFailureKeepsPending(t *testing.T) {
	store := &memStore{}
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "order-2", "order.cancelled", struct{}{}))

	pub := &fakePublisher{err: errors.New("broker down")}
	relay := NewRelay(store, pub, inlineTx{}, RelayConfig{BatchSize: 10}, zerolog.Nop(), nil)

	_, err := relay.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, store.pending())
}

func TestRelay_BatchSize(t *testing.T) {
	store := &memStore{}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, "k", "order.created", i))
	}

	relay := NewRelay(store, &fakePublisher{}, inlineTx{}, RelayConfig{BatchSize: 2}, zerolog.Nop(), nil)
	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, store.pending())
}

func TestRelay_RunDrainsUntilCancelled(t *testing.T) {
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 7; i++ {
		require.NoError(t, store.Insert(ctx, "k", "order.created", i))
	}

	pub := &fakePublisher{}
	relay := NewRelay(store, pub, inlineTx{}, RelayConfig{BatchSize: 3, Interval: 10 * time.Millisecond}, zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	assert.Eventually(t, func() bool { return store.pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.msgs, 7)
}
