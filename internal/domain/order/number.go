package order

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/pharmacy/internal/platform/db"
)

// Numberer generates human-presentable order numbers of the form
// ORD-YYYYMMDD-NNNNNN. Uniqueness comes from the counter, not the date.
type Numberer interface {
	Next(ctx context.Context) (string, error)
}

func formatNumber(day time.Time, n uint64) string {
	return fmt.Sprintf("ORD-%s-%06d", day.UTC().Format("20060102"), n)
}

// SequenceNumberer draws from the order_number_seq sequence, which never
// hands the same value to two sessions. Values consumed by rolled back
// checkouts leave gaps.
type SequenceNumberer struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewSequenceNumberer(pool *pgxpool.Pool) *SequenceNumberer {
	return &SequenceNumberer{pool: pool, now: time.Now}
}

func (s *SequenceNumberer) Next(ctx context.Context) (string, error) {
	var n int64
	if err := db.Executor(ctx, s.pool).QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return formatNumber(s.now(), uint64(n)), nil
}

// ClockNumberer is an in-process counter for tests and single-node tools.
type ClockNumberer struct {
	counter atomic.Uint64
	now     func() time.Time
}

func NewClockNumberer(now func() time.Time) *ClockNumberer {
	if now == nil {
		now = time.Now
	}
	return &ClockNumberer{now: now}
}

func (c *ClockNumberer) Next(context.Context) (string, error) {
	return formatNumber(c.now(), c.counter.Add(1)), nil
}
