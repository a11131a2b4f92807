package store

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxEvent is a staged envelope waiting for the relay.
type OutboxEvent struct {
	ID        int64
	MessageID string
	EventType string
	Body      []byte
	Attempts  int
	CreatedAt time.Time
}

// StageOutbox writes an encoded envelope in the current transaction.
func (t *Tx) StageOutbox(messageID, eventType string, body []byte) error {
	row := OutboxModel{
		MessageID: messageID,
		EventType: eventType,
		Payload:   datatypes.JSON(body),
		CreatedAt: time.Now().UTC(),
	}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("stage outbox %s: %w", eventType, err)
	}
	return nil
}

// ClaimOutbox leases up to limit of the oldest unpublished rows until
// now+lease, so they can be published outside a transaction. It claims
// nothing while the oldest pending row is leased by another relay, which
// keeps publication in id order.
func (t *Tx) ClaimOutbox(limit int, now time.Time, lease time.Duration) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	now = now.UTC()
	var rows []OutboxModel
	err := t.db.
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("published_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if len(rows) == 0 || leased(rows[0], now) {
		return nil, nil
	}
	ids := make([]int64, 0, len(rows))
	res := make([]OutboxEvent, 0, len(rows))
	for _, r := range rows {
		if leased(r, now) {
			break
		}
		ids = append(ids, r.ID)
		res = append(res, OutboxEvent{
			ID:        r.ID,
			MessageID: r.MessageID,
			EventType: r.EventType,
			Body:      []byte(r.Payload),
			Attempts:  r.Attempts,
			CreatedAt: r.CreatedAt,
		})
	}
	until := now.Add(lease)
	if err := t.db.Model(&OutboxModel{}).Where("id IN ?", ids).Update("claimed_until", until).Error; err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return res, nil
}

func leased(r OutboxModel, now time.Time) bool {
	return r.ClaimedUntil != nil && r.ClaimedUntil.After(now)
}

func (t *Tx) MarkOutboxPublished(id int64, at time.Time) error {
	return t.db.Model(&OutboxModel{}).Where("id = ?", id).Updates(map[string]any{
		"published_at":  at.UTC(),
		"last_error":    "",
		"claimed_until": nil,
	}).Error
}

func (t *Tx) MarkOutboxFailed(id int64, cause string) error {
	return t.db.Model(&OutboxModel{}).Where("id = ?", id).Updates(map[string]any{
		"attempts":      gorm.Expr("attempts + 1"),
		"last_error":    cause,
		"claimed_until": nil,
	}).Error
}

// ReleaseOutbox drops the lease on rows that were claimed but not attempted.
func (t *Tx) ReleaseOutbox(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.Model(&OutboxModel{}).Where("id IN ?", ids).Update("claimed_until", nil).Error
}

// CountPendingOutbox reports how many rows still wait for the relay.
func (t *Tx) CountPendingOutbox() (int64, error) {
	var n int64
	err := t.db.Model(&OutboxModel{}).Where("published_at IS NULL").Count(&n).Error
	return n, err
}
