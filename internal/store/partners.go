package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sniperbc/subscriptions/internal/partner"
)

// UpsertPartner creates or replaces the partner record for p.UserID.
func (s *Store) UpsertPartner(ctx context.Context, p *partner.Partner) error {
	if p == nil || strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("partner user id is required")
	}
	if _, err := partner.ParsePack(string(p.Pack)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partners (user_id, pack, active, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			pack = excluded.pack, active = excluded.active, updated_at = excluded.updated_at`,
		p.UserID, string(p.Pack), boolToInt(p.Active), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert partner: %w", err)
	}
	return nil
}

// FindActivePartner returns the active partner record of userID, or nil.
func (s *Store) FindActivePartner(ctx context.Context, userID string) (*partner.Partner, error) {
	var pack string
	row := s.db.QueryRowContext(ctx, `SELECT pack FROM partners WHERE user_id = ? AND active = 1`, userID)
	if err := row.Scan(&pack); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find partner: %w", err)
	}
	return &partner.Partner{UserID: userID, Pack: partner.Pack(pack), Active: true}, nil
}

// FindActivePartners returns the active partner records among userIDs.
func (s *Store) FindActivePartners(ctx context.Context, userIDs []string) (map[string]*partner.Partner, error) {
	out := make(map[string]*partner.Partner, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, pack FROM partners WHERE active = 1 AND user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("find partners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, pack string
		if err := rows.Scan(&id, &pack); err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out[id] = &partner.Partner{UserID: id, Pack: partner.Pack(pack), Active: true}
	}
	return out, rows.Err()
}
