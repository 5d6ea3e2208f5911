package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AddReferral records that referrerID directly referred referredID. An
// existing live edge for referredID is archived first.
func (s *Store) AddReferral(ctx context.Context, referrerID, referredID string) error {
	referrerID = strings.TrimSpace(referrerID)
	referredID = strings.TrimSpace(referredID)
	if referrerID == "" || referredID == "" {
		return fmt.Errorf("referrer and referred ids are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add referral: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE referrals SET archived = 1 WHERE referred_id = ? AND archived = 0`, referredID); err != nil {
		return fmt.Errorf("archive previous referral: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO referrals (referrer_id, referred_id, level, archived, created_at)
		VALUES (?, ?, 1, 0, ?)`, referrerID, referredID, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	return tx.Commit()
}

// DirectReferrer returns the live level-1 referrer of userID.
func (s *Store) DirectReferrer(ctx context.Context, userID string) (string, bool, error) {
	var referrerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT referrer_id FROM referrals
		WHERE referred_id = ? AND level = 1 AND archived = 0
		ORDER BY created_at DESC LIMIT 1`, userID).Scan(&referrerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup referrer of %s: %w", userID, err)
	}
	return referrerID, true, nil
}

// Ancestors returns up to depth ancestors of userID in one recursive query.
// The depth bound terminates the walk on cyclic data.
func (s *Store) Ancestors(ctx context.Context, userID string, depth int) ([]string, error) {
	if depth <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(user_id, depth) AS (
			SELECT referrer_id, 1 FROM referrals
			WHERE referred_id = ? AND level = 1 AND archived = 0
			UNION ALL
			SELECT r.referrer_id, c.depth + 1
			FROM referrals r JOIN chain c ON r.referred_id = c.user_id
			WHERE r.level = 1 AND r.archived = 0 AND c.depth < ?
		)
		SELECT user_id, depth FROM chain ORDER BY depth`, userID, depth)
	if err != nil {
		return nil, fmt.Errorf("lookup ancestors of %s: %w", userID, err)
	}
	defer rows.Close()

	ancestors := make([]string, 0, depth)
	for rows.Next() {
		var id string
		var level int
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		if level != len(ancestors)+1 || level > depth {
			break
		}
		ancestors = append(ancestors, id)
	}
	return ancestors, rows.Err()
}
