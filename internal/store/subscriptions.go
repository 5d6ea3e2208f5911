package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sniperbc/subscriptions/internal/subscription"
)

const subscriptionColumns = `id, user_id, tier, status, start_at, end_at, created_at, updated_at`

// ActiveSubscriptions returns every ACTIVE subscription of userID.
func (s *Store) ActiveSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ? AND status = ? ORDER BY created_at`,
		userID, string(subscription.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscriptions returns every subscription of userID, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// InsertSubscription inserts sub. It returns subscription.ErrActiveConflict
// when the user already holds an ACTIVE subscription.
func (s *Store) InsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, string(sub.Tier), string(sub.Status),
		sub.StartAt.Unix(), sub.EndAt.Unix(), sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return subscription.ErrActiveConflict
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// PromoteTier moves an ACTIVE subscription from one tier to another in place,
// resetting its start date. It reports false when the record is no longer
// ACTIVE on tier from.
func (s *Store) PromoteTier(ctx context.Context, id string, from, to subscription.Tier, startAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET tier = ?, start_at = ?, end_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND tier = ?`,
		string(to), startAt.Unix(), subscription.LifetimeEnd.Unix(), startAt.Unix(),
		id, string(subscription.StatusActive), string(from),
	)
	if err != nil {
		return false, fmt.Errorf("promote subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote subscription rows affected: %w", err)
	}
	return affected == 1, nil
}

// CountByTierStatus returns tier -> status -> count.
func (s *Store) CountByTierStatus(ctx context.Context) (map[subscription.Tier]map[subscription.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, status, COUNT(*) FROM subscriptions GROUP BY tier, status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[subscription.Tier]map[subscription.Status]int)
	for rows.Next() {
		var tier, status string
		var count int
		if err := rows.Scan(&tier, &status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		t := subscription.Tier(tier)
		if counts[t] == nil {
			counts[t] = make(map[subscription.Status]int)
		}
		counts[t][subscription.Status(status)] = count
	}
	return counts, rows.Err()
}

func scanSubscription(s scanner) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var tier, status string
	var startAt, endAt, createdAt, updatedAt int64

	err := s.Scan(&sub.ID, &sub.UserID, &tier, &status, &startAt, &endAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Tier = subscription.Tier(tier)
	sub.Status = subscription.Status(status)
	sub.StartAt = unixTime(startAt)
	sub.EndAt = unixTime(endAt)
	sub.CreatedAt = unixTime(createdAt)
	sub.UpdatedAt = unixTime(updatedAt)
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*subscription.Subscription, error) {
	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
