package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/pharmacy/internal/platform/db"
)

// Record is one event waiting in (or already relayed from) the outbox table.
type Record struct {
	ID        int64           `json:"id"`
	EventID   uuid.UUID       `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Store persists events next to the business rows that produced them. Insert
// joins the caller's transaction when the context carries one.
type Store interface {
	Insert(ctx context.Context, key, eventType string, payload any) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, ids []int64) error
}

type pgStore struct {
	pool  *pgxpool.Pool
	topic string
}

func NewPGStore(pool *pgxpool.Pool, topic string) Store {
	return &pgStore{pool: pool, topic: topic}
}

func (s *pgStore) Insert(ctx context.Context, key, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	_, err = db.Executor(ctx, s.pool).Exec(ctx, `
		INSERT INTO outbox (event_id, topic, key, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), s.topic, key, eventType, data)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// FetchPending locks unsent rows so concurrent relays split the backlog
// instead of publishing the same event twice. Call it inside a transaction.
func (s *pgStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := db.Executor(ctx, s.pool).Query(ctx, `
		SELECT id, event_id, topic, key, event_type, payload, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.EventType,
			&rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgStore) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Executor(ctx, s.pool).Exec(ctx,
		`UPDATE outbox SET sent_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}
