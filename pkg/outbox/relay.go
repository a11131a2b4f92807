package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"librarysync/pkg/broker"
	"librarysync/pkg/events"
	"librarysync/pkg/store"
)

// Relay publishes staged outbox rows in insertion order.
type Relay struct {
	store     *store.GormStore
	pub       Publisher
	interval  time.Duration
	batchSize int
	lease     time.Duration
	logger    *slog.Logger
	wake      chan struct{}
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// ClaimLease bounds how long a claimed batch stays reserved for this
	// relay. Defaults to 5m.
	ClaimLease time.Duration
	Logger     *slog.Logger
}

func NewRelay(s *store.GormStore, pub Publisher, cfg RelayConfig) (*Relay, error) {
	if s == nil || pub == nil {
		return nil, errors.New("relay requires a store and a publisher")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	lease := cfg.ClaimLease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     s,
		pub:       pub,
		interval:  interval,
		batchSize: batch,
		lease:     lease,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Notify asks the relay to flush without waiting for the next tick.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes on every tick and notification until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox flush failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush publishes pending rows until none are left or one fails. A failure
// stops the pass so later events never overtake an earlier one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, more, err := r.flushBatch(ctx)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

func (r *Relay) flushBatch(ctx context.Context) (int, bool, error) {
	var rows []store.OutboxEvent
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.ClaimOutbox(r.batchSize, time.Now(), r.lease)
		return err
	})
	if err != nil {
		return 0, false, err
	}

	// Bookkeeping outlives cancellation so claimed rows are not left leased.
	session := r.store.Session(context.WithoutCancel(ctx))
	for i, row := range rows {
		err := r.pub.PublishMessage(ctx, broker.Message{
			ID:        row.MessageID,
			Kind:      events.Kind(row.EventType),
			Body:      row.Body,
			Timestamp: row.CreatedAt,
		})
		if err != nil {
			r.logger.Warn("outbox publish failed",
				"outbox_id", row.ID,
				"event_type", row.EventType,
				"attempts", row.Attempts+1,
				"err", err,
			)
			if markErr := session.MarkOutboxFailed(row.ID, err.Error()); markErr != nil {
				return i, false, fmt.Errorf("record outbox failure: %w", markErr)
			}
			rest := make([]int64, 0, len(rows)-i-1)
			for _, later := range rows[i+1:] {
				rest = append(rest, later.ID)
			}
			if relErr := session.ReleaseOutbox(rest); relErr != nil {
				r.logger.Warn("release outbox claims failed", "err", relErr)
			}
			return i, false, err
		}
		if err := session.MarkOutboxPublished(row.ID, time.Now()); err != nil {
			return i, false, fmt.Errorf("mark outbox published: %w", err)
		}
	}
	return len(rows), len(rows) == r.batchSize, nil
}
