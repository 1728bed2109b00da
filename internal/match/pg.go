package match

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PG answers match queries straight from the tokens table, using the
// LOWER(value) expression index.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PG) Healthy() bool {
	return true
}

func (p *PG) FindMatchingTokens(ctx context.Context, projectID, value string, excludeTokenIDs []string) ([]Hit, error) {
	query := `
		SELECT t.id, t.text_id, t.value
		FROM tokens t
		JOIN texts x ON x.id = t.text_id
		WHERE x.project_id = $1 AND LOWER(t.value) = LOWER($2)
	`
	args := []any{projectID, value}
	if len(excludeTokenIDs) > 0 {
		parts := make([]string, len(excludeTokenIDs))
		for i, id := range excludeTokenIDs {
			parts[i] = fmt.Sprintf("$%d", i+3)
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND t.id NOT IN (%s)", strings.Join(parts, ", "))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find matching tokens: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0)
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.TokenID, &hit.TextID, &hit.Value); err != nil {
			return nil, fmt.Errorf("scan match hit: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match hits: %w", err)
	}
	return hits, nil
}

// LoadProjectRecords reads every token of a project for reindexing into
// Meilisearch.
func (p *PG) LoadProjectRecords(ctx context.Context, projectID string) ([]TokenRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.text_id, x.project_id, t.value
		FROM tokens t
		JOIN texts x ON x.id = t.text_id
		WHERE x.project_id = $1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("load token records: %w", err)
	}
	defer rows.Close()

	records := make([]TokenRecord, 0)
	for rows.Next() {
		var rec TokenRecord
		if err := rows.Scan(&rec.ID, &rec.TextID, &rec.ProjectID, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan token record: %w", err)
		}
		rec.ValueLower = strings.ToLower(rec.Value)
		records = append(records, rec)
	}
	return records, rows.Err()
}
