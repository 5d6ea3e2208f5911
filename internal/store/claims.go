package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sniperbc/subscriptions/internal/commission"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

// ClaimDistribution inserts the claim for c.SourceEventID. It reports false
// when the event was already claimed.
func (s *Store) ClaimDistribution(ctx context.Context, c *commission.Claim) (bool, error) {
	if c == nil || c.SourceEventID == "" {
		return false, fmt.Errorf("claim source event id is required")
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := c.Status
	if status == "" {
		status = commission.ClaimStatusClaimed
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_claims (
			source_event_id, buyer_user_id, tier, is_upgrade, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_event_id) DO NOTHING`,
		c.SourceEventID, c.BuyerUserID, string(c.Tier), boolToInt(c.IsUpgrade), string(status), createdAt.Unix())
	if err != nil {
		return false, fmt.Errorf("claim distribution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim distribution rows affected: %w", err)
	}
	return affected == 1, nil
}

// CompleteDistribution stores the final tallies of a distribution run.
func (s *Store) CompleteDistribution(ctx context.Context, sourceEventID string, report *commission.Report) error {
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	completedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commission_claims SET
			status = ?, outcome = ?, planned = ?, succeeded = ?, failed = ?,
			paid_total = ?, completed_at = ?
		WHERE source_event_id = ?`,
		string(commission.ClaimStatusCompleted), string(report.Outcome),
		len(report.Results), report.Succeeded, report.Failed,
		report.PaidTotal.String(), nullableTimeUnix(&completedAt),
		sourceEventID,
	)
	if err != nil {
		return fmt.Errorf("complete distribution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete distribution rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("claim %q not found", sourceEventID)
	}
	return nil
}

// ReleaseClaim deletes the claim so the event can be distributed again.
func (s *Store) ReleaseClaim(ctx context.Context, sourceEventID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM commission_claims WHERE source_event_id = ?`, sourceEventID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// GetClaim retrieves a claim by source event id. It returns nil when absent.
func (s *Store) GetClaim(ctx context.Context, sourceEventID string) (*commission.Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		source_event_id, buyer_user_id, tier, is_upgrade, status, outcome,
		planned, succeeded, failed, paid_total, created_at, completed_at
		FROM commission_claims WHERE source_event_id = ?`, sourceEventID)
	return scanClaim(row)
}

func scanClaim(s scanner) (*commission.Claim, error) {
	var c commission.Claim
	var tier, status, outcome, paidTotal string
	var isUpgrade int
	var createdAt int64
	var completedAt sql.NullInt64

	err := s.Scan(
		&c.SourceEventID, &c.BuyerUserID, &tier, &isUpgrade, &status, &outcome,
		&c.Planned, &c.Succeeded, &c.Failed, &paidTotal, &createdAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan claim: %w", err)
	}

	c.Tier = subscription.Tier(tier)
	c.IsUpgrade = isUpgrade != 0
	c.Status = commission.ClaimStatus(status)
	c.Outcome = commission.Outcome(outcome)
	c.PaidTotal, err = decimal.NewFromString(paidTotal)
	if err != nil {
		return nil, fmt.Errorf("parse paid total %q: %w", paidTotal, err)
	}
	c.CreatedAt = unixTime(createdAt)
	if completedAt.Valid {
		ts := unixTime(completedAt.Int64)
		c.CompletedAt = &ts
	}
	return &c, nil
}
