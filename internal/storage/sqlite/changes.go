package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	driver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"routeflow/internal/domain"
	"routeflow/internal/storage"
)

const changeColumns = `change_id, table_name, event_type, transaction_id, row_data, old_data, pk_data,
	node_list, source_node_id, channel_id, trigger_hist_id, create_time_utc_ns,
	length(coalesce(row_data, '')) + length(coalesce(old_data, '')) + length(coalesce(pk_data, ''))`

func (s *Store) AppendChanges(ctx context.Context, changes []domain.CapturedChange) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(changes))
	for _, c := range changes {
		id, err := insertChange(ctx, tx, c, s.nowNs())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func insertChange(ctx context.Context, tx *sql.Tx, c domain.CapturedChange, nowNs int64) (int64, error) {
	if c.TableName == "" || c.EventType == "" {
		return 0, fmt.Errorf("change requires table name and event type")
	}
	created := nowNs
	if !c.CreateTime.IsZero() {
		created = c.CreateTime.UTC().UnixNano()
	}
	var id any
	if c.ID > 0 {
		id = c.ID
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO change_data(
	change_id, table_name, event_type, transaction_id, row_data, old_data, pk_data,
	node_list, source_node_id, channel_id, trigger_hist_id, create_time_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.TableName, string(c.EventType), nullableString(c.TransactionID),
		nullableString(c.RowData), nullableString(c.OldData), nullableString(c.PKData),
		nullableString(joinList(c.NodeList)), nullableString(c.SourceNodeID),
		emptyToDefault(c.ChannelID, domain.ChannelDefault), c.TriggerHistID, created)
	if isConstraint(err) && c.ID > 0 {
		return 0, fmt.Errorf("insert change %d: %w", c.ID, storage.ErrDuplicateChange)
	}
	if err != nil {
		return 0, fmt.Errorf("insert change: %w", err)
	}
	return res.LastInsertId()
}

func isConstraint(err error) bool {
	var se *driver.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *Store) SelectChanges(ctx context.Context, q storage.ChangeQuery) (storage.ChangeCursor, error) {
	if len(q.Gaps) == 0 {
		return emptyCursor{}, nil
	}
	var (
		where strings.Builder
		args  = []any{q.ChannelID}
	)
	where.WriteString("channel_id=? AND ")
	if q.GreaterThan {
		where.WriteString("change_id >= ?")
		args = append(args, q.Gaps[0].StartID)
	} else {
		where.WriteString("(")
		for i, g := range q.Gaps {
			if i > 0 {
				where.WriteString(" OR ")
			}
			where.WriteString("change_id BETWEEN ? AND ?")
			args = append(args, g.StartID, g.EndID)
		}
		where.WriteString(")")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+changeColumns+` FROM change_data WHERE `+where.String()+` ORDER BY change_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select changes for channel %s: %w", q.ChannelID, err)
	}
	limit := q.MaxPayloadBytes
	if q.WidePayload {
		limit = 0
	}
	return &rowCursor{rows: rows, maxPayload: limit}, nil
}

type rowCursor struct {
	rows       *sql.Rows
	maxPayload int
}

func (c *rowCursor) Next() (domain.CapturedChange, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return domain.CapturedChange{}, err
		}
		return domain.CapturedChange{}, io.EOF
	}
	change, size, err := scanChange(c.rows)
	if err != nil {
		return domain.CapturedChange{}, err
	}
	if c.maxPayload > 0 && size > int64(c.maxPayload) {
		return domain.CapturedChange{}, fmt.Errorf("change %d is %d bytes: %w", change.ID, size, storage.ErrPayloadTooLarge)
	}
	return change, nil
}

func (c *rowCursor) Close() error {
	return c.rows.Close()
}

type emptyCursor struct{}

func (emptyCursor) Next() (domain.CapturedChange, error) { return domain.CapturedChange{}, io.EOF }
func (emptyCursor) Close() error                         { return nil }

func scanChange(rows *sql.Rows) (domain.CapturedChange, int64, error) {
	var (
		c                              domain.CapturedChange
		eventType                      string
		txID, rowData, oldData, pkData sql.NullString
		nodeList, sourceNodeID         sql.NullString
		createdNs, size                int64
	)
	if err := rows.Scan(&c.ID, &c.TableName, &eventType, &txID, &rowData, &oldData, &pkData,
		&nodeList, &sourceNodeID, &c.ChannelID, &c.TriggerHistID, &createdNs, &size); err != nil {
		return domain.CapturedChange{}, 0, err
	}
	c.EventType = domain.EventType(eventType)
	c.TransactionID = txID.String
	c.RowData = rowData.String
	c.OldData = oldData.String
	c.PKData = pkData.String
	c.NodeList = splitList(nodeList)
	c.SourceNodeID = sourceNodeID.String
	c.CreateTime = time.Unix(0, createdNs).UTC()
	return c, size, nil
}

func (s *Store) HasChanges(ctx context.Context, channelID string, fromID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM change_data WHERE channel_id=? AND change_id >= ? LIMIT 1`, channelID, fromID).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CountChangesInRange(ctx context.Context, startID, endID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM change_data WHERE change_id BETWEEN ? AND ?`, startID, endID).Scan(&n)
	return n, err
}

func (s *Store) MaxChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(change_id) FROM change_data`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// GetChange reads one change by id.
func (s *Store) GetChange(ctx context.Context, id int64) (domain.CapturedChange, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+changeColumns+` FROM change_data WHERE change_id=?`, id)
	if err != nil {
		return domain.CapturedChange{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.CapturedChange{}, false, rows.Err()
	}
	c, _, err := scanChange(rows)
	if err != nil {
		return domain.CapturedChange{}, false, err
	}
	return c, true, nil
}

func (s *Store) LoadGaps(ctx context.Context) ([]domain.DataGap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_id, end_id, create_time_utc_ns FROM data_gap ORDER BY start_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DataGap
	for rows.Next() {
		var g domain.DataGap
		var created int64
		if err := rows.Scan(&g.StartID, &g.EndID, &created); err != nil {
			return nil, err
		}
		g.CreateTime = time.Unix(0, created).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) LastRoutedChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(change_id) FROM change_routing`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
