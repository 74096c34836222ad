package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Price sources.
const (
	SourceNinja = "ninja"
	SourceWatch = "watch"
)

// Price is one snapshot of an item's value in a league.
type Price struct {
	Item      string
	League    string
	Source    string
	Chaos     float64
	Divine    float64
	Payload   json.RawMessage
	CreatedAt time.Time
}

// PricePoint is one row of price history.
type PricePoint struct {
	CreatedAt time.Time `json:"createdAt"`
	Chaos     float64   `json:"chaos"`
	Divine    float64   `json:"divine"`
}

// InsertPrices stores prices in one transaction. Rows without CreatedAt are stamped now.
func (s *Store) InsertPrices(ctx context.Context, prices []Price) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO prices (item, league, source, chaos_value, divine_value, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.stamp()
	for _, p := range prices {
		if p.Source != SourceNinja && p.Source != SourceWatch {
			return fmt.Errorf("unknown price source %q for %s", p.Source, p.Item)
		}
		created := now
		if !p.CreatedAt.IsZero() {
			created = p.CreatedAt.UTC().Format(timeLayout)
		}
		var payload sql.NullString
		if len(p.Payload) > 0 {
			payload = sql.NullString{String: string(p.Payload), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, p.Item, p.League, p.Source, p.Chaos, p.Divine, payload, created); err != nil {
			return fmt.Errorf("failed to insert price for %s: %w", p.Item, err)
		}
	}
	return tx.Commit()
}

// LatestPrice returns the newest snapshot of item in league. An empty source or "both" matches any
// source.
func (s *Store) LatestPrice(ctx context.Context, item, league, source string) (Price, error) {
	if source == "both" {
		source = ""
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT item, league, source, chaos_value, divine_value, payload, created_at
		 FROM prices
		 WHERE item = ? AND league = ? AND (? = '' OR source = ?)
		 ORDER BY datetime(created_at) DESC, id DESC
		 LIMIT 1`,
		item, league, source, source)

	var (
		p             Price
		chaos, divine sql.NullFloat64
		payload       sql.NullString
		created       string
	)
	err := row.Scan(&p.Item, &p.League, &p.Source, &chaos, &divine, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Price{}, ErrNotFound
	}
	if err != nil {
		return Price{}, fmt.Errorf("query latest price: %w", err)
	}
	p.Chaos = chaos.Float64
	p.Divine = divine.Float64
	if payload.Valid && payload.String != "" {
		p.Payload = json.RawMessage(payload.String)
	}
	p.CreatedAt = parseStamp(created)
	return p, nil
}

// PriceHistory returns up to limit snapshots of item in league, newest first.
func (s *Store) PriceHistory(ctx context.Context, item, league string, limit int) ([]PricePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at, chaos_value, divine_value
		 FROM prices
		 WHERE item = ? AND league = ?
		 ORDER BY datetime(created_at) DESC, id DESC
		 LIMIT ?`,
		item, league, limit)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var (
			created       string
			chaos, divine sql.NullFloat64
		)
		if err := rows.Scan(&created, &chaos, &divine); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		points = append(points, PricePoint{
			CreatedAt: parseStamp(created),
			Chaos:     chaos.Float64,
			Divine:    divine.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return points, nil
}
