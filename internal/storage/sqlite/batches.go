package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"routeflow/internal/domain"
	"routeflow/internal/storage"
)

const batchColumns = `batch_id, node_id, channel_id, status, load_id, common_flag, destination_hash,
	data_event_count, insert_count, update_count, delete_count, reload_count, other_count, create_time_utc_ns`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type routingTx struct {
	s  *Store
	tx *sql.Tx
}

var _ storage.Tx = (*routingTx)(nil)

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin routing tx: %w", err)
	}
	return &routingTx{s: s, tx: tx}, nil
}

func (t *routingTx) Commit() error   { return t.tx.Commit() }
func (t *routingTx) Rollback() error { return t.tx.Rollback() }

func (t *routingTx) InsertBatches(ctx context.Context, batches []domain.OutgoingBatch) error {
	return insertBatches(ctx, t.tx, batches, t.s.nowNs())
}

func (s *Store) InsertBatches(ctx context.Context, batches []domain.OutgoingBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertBatches(ctx, tx, batches, s.nowNs()); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBatches(ctx context.Context, db execer, batches []domain.OutgoingBatch, nowNs int64) error {
	for _, b := range batches {
		created := nowNs
		if !b.CreateTime.IsZero() {
			created = b.CreateTime.UTC().UnixNano()
		}
		_, err := db.ExecContext(ctx, `
INSERT INTO outgoing_batch(
	batch_id, node_id, channel_id, status, load_id, common_flag, destination_hash,
	data_event_count, insert_count, update_count, delete_count, reload_count, other_count,
	create_time_utc_ns, update_time_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.NodeID, b.ChannelID, string(b.Status), b.LoadID, boolInt(b.Common), int64(b.DestinationHash),
			b.Counters.DataEvents, b.Counters.Inserts, b.Counters.Updates, b.Counters.Deletes, b.Counters.Reloads, b.Counters.Other,
			created, nowNs)
		if err != nil {
			return fmt.Errorf("insert batch %d: %w", b.ID, err)
		}
	}
	return nil
}

func (t *routingTx) InsertRoutings(ctx context.Context, routings []domain.ChangeRouting) error {
	if len(routings) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
INSERT INTO change_routing(change_id, batch_id, node_id, router_id, create_time_utc_ns)
VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := t.s.nowNs()
	for _, r := range routings {
		if _, err := stmt.ExecContext(ctx, r.ChangeID, r.BatchID, r.NodeID, r.RouterID, now); err != nil {
			return fmt.Errorf("insert routing change=%d batch=%d node=%s: %w", r.ChangeID, r.BatchID, r.NodeID, err)
		}
	}
	return nil
}

func (t *routingTx) DeleteGaps(ctx context.Context, gaps []domain.DataGap) error {
	for _, g := range gaps {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM data_gap WHERE start_id=? AND end_id=?`, g.StartID, g.EndID); err != nil {
			return fmt.Errorf("delete gap [%d,%d]: %w", g.StartID, g.EndID, err)
		}
	}
	return nil
}

func (t *routingTx) InsertGaps(ctx context.Context, gaps []domain.DataGap) error {
	now := t.s.now()
	for _, g := range gaps {
		created := g.CreateTime
		if created.IsZero() {
			created = now
		}
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO data_gap(start_id, end_id, create_time_utc_ns) VALUES (?, ?, ?)
ON CONFLICT(start_id, end_id) DO NOTHING`, g.StartID, g.EndID, created.UTC().UnixNano()); err != nil {
			return fmt.Errorf("insert gap [%d,%d]: %w", g.StartID, g.EndID, err)
		}
	}
	return nil
}

func (t *routingTx) InsertChange(ctx context.Context, c domain.CapturedChange) (int64, error) {
	return insertChange(ctx, t.tx, c, t.s.nowNs())
}

func (t *routingTx) InsertAudit(ctx context.Context, c domain.CapturedChange) error {
	table, err := quoteIdentifier(strings.ToLower(c.TableName) + "_audit")
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+table+` (
	audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	transaction_id TEXT,
	row_data TEXT,
	old_data TEXT,
	source_node_id TEXT,
	create_time_utc_ns INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO `+table+`(change_id, event_type, transaction_id, row_data, old_data, source_node_id, create_time_utc_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.EventType), nullableString(c.TransactionID), nullableString(c.RowData),
		nullableString(c.OldData), nullableString(c.SourceNodeID), c.CreateTime.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit row for change %d: %w", c.ID, err)
	}
	return nil
}

func (t *routingTx) NextLoadID(ctx context.Context) (int64, error) {
	return nextSequence(ctx, t.tx, sequenceLoadID)
}

func (t *routingTx) AbandonOpenBatches(ctx context.Context) ([]int64, int, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT DISTINCT r.change_id
FROM change_routing r JOIN outgoing_batch b ON b.batch_id = r.batch_id
WHERE b.status IN (?, ?)
ORDER BY r.change_id`, string(domain.BatchOpen), string(domain.BatchClosing))
	if err != nil {
		return nil, 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	if _, err := t.tx.ExecContext(ctx, `
DELETE FROM change_routing WHERE batch_id IN (SELECT batch_id FROM outgoing_batch WHERE status IN (?, ?))`,
		string(domain.BatchOpen), string(domain.BatchClosing)); err != nil {
		return nil, 0, err
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE outgoing_batch SET status=?, update_time_utc_ns=? WHERE status IN (?, ?)`,
		string(domain.BatchAbandoned), t.s.nowNs(), string(domain.BatchOpen), string(domain.BatchClosing))
	if err != nil {
		return nil, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	return ids, int(n), nil
}

func (s *Store) ListBatches(ctx context.Context, f storage.BatchFilter) ([]domain.OutgoingBatch, error) {
	where := []string{"1=1"}
	var args []any
	if f.ChannelID != "" {
		where = append(where, "channel_id=?")
		args = append(args, f.ChannelID)
	}
	if f.NodeID != "" {
		where = append(where, "node_id=?")
		args = append(args, f.NodeID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM outgoing_batch WHERE `+strings.Join(where, " AND ")+` ORDER BY batch_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutgoingBatch
	for rows.Next() {
		var (
			b       domain.OutgoingBatch
			status  string
			common  int
			hash    int64
			created int64
		)
		if err := rows.Scan(&b.ID, &b.NodeID, &b.ChannelID, &status, &b.LoadID, &common, &hash,
			&b.Counters.DataEvents, &b.Counters.Inserts, &b.Counters.Updates, &b.Counters.Deletes,
			&b.Counters.Reloads, &b.Counters.Other, &created); err != nil {
			return nil, err
		}
		b.Status = domain.BatchStatus(status)
		b.Common = common == 1
		b.DestinationHash = uint64(hash)
		b.CreateTime = time.Unix(0, created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListRoutings returns the associations for one batch, or for every batch
// when batchID is zero.
func (s *Store) ListRoutings(ctx context.Context, batchID int64) ([]domain.ChangeRouting, error) {
	query := `SELECT change_id, batch_id, node_id, router_id FROM change_routing`
	var args []any
	if batchID != 0 {
		query += ` WHERE batch_id=?`
		args = append(args, batchID)
	}
	query += ` ORDER BY change_id, batch_id, node_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChangeRouting
	for rows.Next() {
		var r domain.ChangeRouting
		if err := rows.Scan(&r.ChangeID, &r.BatchID, &r.NodeID, &r.RouterID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
