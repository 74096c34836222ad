package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DefaultModLimit caps LookupMods when the query sets no limit.
const DefaultModLimit = 100

// Mod is one affix as cached from poedb or RePoE.
type Mod struct {
	ID             string          `json:"id"`
	Base           string          `json:"base"`
	Type           string          `json:"type"`
	Domain         string          `json:"domain"`
	GenerationType string          `json:"generationType"`
	FullText       string          `json:"fullText"`
	GroupID        string          `json:"groupId"`
	SpawnWeights   json.RawMessage `json:"spawnWeights,omitempty"`
	Tags           []string        `json:"tags"`
}

// ModQuery filters LookupMods. Base and Text are substring matches.
type ModQuery struct {
	Base  string
	Text  string
	Limit int
}

// UpsertMods inserts mods or replaces the rows with the same id.
func (s *Store) UpsertMods(ctx context.Context, mods []Mod) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO mods
		 (id, base, type, domain, generation_type, full_text, group_id, spawn_weights_json, tags_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range mods {
		tags, err := json.Marshal(m.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags of %s: %w", m.ID, err)
		}
		weights := sql.NullString{}
		if len(m.SpawnWeights) > 0 {
			weights = sql.NullString{String: string(m.SpawnWeights), Valid: true}
		}
		_, err = stmt.ExecContext(ctx, m.ID, m.Base, m.Type, m.Domain, m.GenerationType, m.FullText,
			nullIfEmpty(m.GroupID), weights, string(tags))
		if err != nil {
			return fmt.Errorf("failed to upsert mod %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LookupMods returns the mods matching q.
func (s *Store) LookupMods(ctx context.Context, q ModQuery) ([]Mod, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultModLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, base, type, domain, generation_type, full_text, group_id, spawn_weights_json, tags_json
		 FROM mods
		 WHERE base LIKE ? AND (? = '' OR full_text LIKE ?)
		 ORDER BY id
		 LIMIT ?`,
		"%"+q.Base+"%", q.Text, "%"+q.Text+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query mods: %w", err)
	}
	defer rows.Close()

	var mods []Mod
	for rows.Next() {
		var (
			m                                   Mod
			base, typ, domain, gen, text, group sql.NullString
			weights, tags                       sql.NullString
		)
		if err := rows.Scan(&m.ID, &base, &typ, &domain, &gen, &text, &group, &weights, &tags); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		m.Base, m.Type, m.Domain = base.String, typ.String, domain.String
		m.GenerationType, m.FullText, m.GroupID = gen.String, text.String, group.String
		if weights.Valid && weights.String != "" {
			m.SpawnWeights = json.RawMessage(weights.String)
		}
		if tags.Valid && tags.String != "" {
			// Malformed tags leave the mod untagged; tag filters then skip it.
			_ = json.Unmarshal([]byte(tags.String), &m.Tags)
		}
		mods = append(mods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return mods, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
