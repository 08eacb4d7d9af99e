package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) LookupExternalIDs(ctx context.Context, table, keyColumn, externalIDColumn string) (map[string][]string, error) {
	t, err := quoteIdentifier(table)
	if err != nil {
		return nil, err
	}
	k, err := quoteIdentifier(keyColumn)
	if err != nil {
		return nil, err
	}
	e, err := quoteIdentifier(externalIDColumn)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT CAST(%s AS TEXT), CAST(%s AS TEXT) FROM %s`, k, e, t))
	if err != nil {
		return nil, fmt.Errorf("read lookup table %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var key, ext string
		if err := rows.Scan(&key, &ext); err != nil {
			return nil, err
		}
		out[key] = append(out[key], ext)
	}
	return out, rows.Err()
}

func (s *Store) SelectNodeIDs(ctx context.Context, groupID, condition string, args []any) ([]string, error) {
	query := `SELECT c.node_id FROM node c WHERE c.node_group_id=? AND c.sync_enabled=1 AND (` + condition + `) ORDER BY c.node_id`
	rows, err := s.db.QueryContext(ctx, query, append([]any{groupID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("subselect nodes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Exec runs a statement against the store's database. Routers and tests use
// it to maintain lookup tables.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
