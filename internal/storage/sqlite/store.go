package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"routeflow/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_data (
	change_id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	transaction_id TEXT,
	row_data TEXT,
	old_data TEXT,
	pk_data TEXT,
	node_list TEXT,
	source_node_id TEXT,
	channel_id TEXT NOT NULL,
	trigger_hist_id INTEGER NOT NULL DEFAULT 0,
	create_time_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_data_channel_id ON change_data(channel_id, change_id);

CREATE TRIGGER IF NOT EXISTS trg_change_data_no_update
BEFORE UPDATE ON change_data
BEGIN
	SELECT RAISE(ABORT, 'captured changes are immutable: UPDATE forbidden');
END;

CREATE TABLE IF NOT EXISTS data_gap (
	start_id INTEGER NOT NULL,
	end_id INTEGER NOT NULL,
	create_time_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (start_id, end_id)
);

CREATE TABLE IF NOT EXISTS outgoing_batch (
	batch_id INTEGER PRIMARY KEY,
	node_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	status TEXT NOT NULL,
	load_id INTEGER NOT NULL DEFAULT 0,
	common_flag INTEGER NOT NULL DEFAULT 0,
	destination_hash INTEGER NOT NULL DEFAULT 0,
	data_event_count INTEGER NOT NULL DEFAULT 0,
	insert_count INTEGER NOT NULL DEFAULT 0,
	update_count INTEGER NOT NULL DEFAULT 0,
	delete_count INTEGER NOT NULL DEFAULT 0,
	reload_count INTEGER NOT NULL DEFAULT 0,
	other_count INTEGER NOT NULL DEFAULT 0,
	create_time_utc_ns INTEGER NOT NULL,
	update_time_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outgoing_batch_status ON outgoing_batch(status, channel_id);

CREATE TABLE IF NOT EXISTS change_routing (
	change_id INTEGER NOT NULL,
	batch_id INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	router_id TEXT NOT NULL,
	create_time_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (change_id, batch_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_change_routing_batch ON change_routing(batch_id);

CREATE TABLE IF NOT EXISTS channel (
	channel_id TEXT PRIMARY KEY,
	processing_order INTEGER NOT NULL DEFAULT 1,
	max_batch_size INTEGER NOT NULL DEFAULT 1000,
	max_batch_to_send INTEGER NOT NULL DEFAULT 60,
	max_data_to_route INTEGER NOT NULL DEFAULT 100000,
	batch_algorithm TEXT NOT NULL DEFAULT 'default',
	enabled INTEGER NOT NULL DEFAULT 1,
	contains_big_payload INTEGER NOT NULL DEFAULT 0,
	reload_flag INTEGER NOT NULL DEFAULT 0,
	file_sync_flag INTEGER NOT NULL DEFAULT 0,
	ignore_enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS router (
	router_id TEXT PRIMARY KEY,
	router_type TEXT NOT NULL DEFAULT 'default',
	source_node_group_id TEXT NOT NULL,
	target_node_group_id TEXT NOT NULL,
	router_expression TEXT,
	sync_on_insert INTEGER NOT NULL DEFAULT 1,
	sync_on_update INTEGER NOT NULL DEFAULT 1,
	sync_on_delete INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS route_binding (
	trigger_id TEXT NOT NULL,
	router_id TEXT NOT NULL REFERENCES router(router_id),
	table_name TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	ping_back_enabled INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (trigger_id, router_id)
);

CREATE TABLE IF NOT EXISTS node (
	node_id TEXT PRIMARY KEY,
	node_group_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	sync_enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS node_group_link (
	source_node_group_id TEXT NOT NULL,
	target_node_group_id TEXT NOT NULL,
	PRIMARY KEY (source_node_group_id, target_node_group_id)
);

CREATE TABLE IF NOT EXISTS table_shape (
	trigger_hist_id INTEGER PRIMARY KEY,
	trigger_id TEXT NOT NULL,
	table_name TEXT NOT NULL,
	column_names TEXT NOT NULL,
	pk_column_names TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence (
	sequence_name TEXT PRIMARY KEY,
	current_value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cluster_lock (
	lock_name TEXT PRIMARY KEY,
	owner TEXT,
	lock_time_utc_ns INTEGER,
	expires_at_utc_ns INTEGER
);
`

const (
	sequenceBatchID = "outgoing_batch"
	sequenceLoadID  = "load_id"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	path string
	db   *sql.DB
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)
var _ storage.LockStore = (*Store)(nil)

// NewStore opens (or creates) routeflow.db inside baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, "routeflow.db")
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{path: path, db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func openSQLite(path string) (*sql.DB, error) {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"foreign_keys(ON)",
		"busy_timeout(5000)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) nowNs() int64 {
	return s.now().UTC().UnixNano()
}

func (s *Store) NextBatchID(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := nextSequence(ctx, tx, sequenceBatchID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func nextSequence(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO sequence(sequence_name, current_value) VALUES(?, 1)
ON CONFLICT(sequence_name) DO UPDATE SET current_value=current_value+1
RETURNING current_value`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next %s sequence value: %w", name, err)
	}
	return id, nil
}

func quoteIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

func joinList(values []string) string {
	return strings.Join(values, ",")
}

func splitList(v sql.NullString) []string {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	parts := strings.Split(v.String, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func emptyToDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
