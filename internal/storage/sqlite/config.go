package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"routeflow/internal/domain"
)

func (s *Store) SaveChannel(ctx context.Context, c domain.Channel) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channel(
	channel_id, processing_order, max_batch_size, max_batch_to_send, max_data_to_route,
	batch_algorithm, enabled, contains_big_payload, reload_flag, file_sync_flag, ignore_enabled
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET
	processing_order=excluded.processing_order, max_batch_size=excluded.max_batch_size,
	max_batch_to_send=excluded.max_batch_to_send, max_data_to_route=excluded.max_data_to_route,
	batch_algorithm=excluded.batch_algorithm, enabled=excluded.enabled,
	contains_big_payload=excluded.contains_big_payload, reload_flag=excluded.reload_flag,
	file_sync_flag=excluded.file_sync_flag, ignore_enabled=excluded.ignore_enabled`,
		c.ID, c.ProcessingOrder, c.MaxBatchSize, c.MaxBatchToSend, c.MaxDataToRoute,
		emptyToDefault(c.BatchAlgorithm, "default"), boolInt(c.Enabled), boolInt(c.ContainsBigPayload),
		boolInt(c.Reload), boolInt(c.FileSync), boolInt(c.IgnoreEnabled))
	if err != nil {
		return fmt.Errorf("save channel %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) Channels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT channel_id, processing_order, max_batch_size, max_batch_to_send, max_data_to_route,
	batch_algorithm, enabled, contains_big_payload, reload_flag, file_sync_flag, ignore_enabled
FROM channel
ORDER BY processing_order, channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var c domain.Channel
		var enabled, big, reload, fileSync, ignore int
		if err := rows.Scan(&c.ID, &c.ProcessingOrder, &c.MaxBatchSize, &c.MaxBatchToSend, &c.MaxDataToRoute,
			&c.BatchAlgorithm, &enabled, &big, &reload, &fileSync, &ignore); err != nil {
			return nil, err
		}
		c.Enabled = enabled == 1
		c.ContainsBigPayload = big == 1
		c.Reload = reload == 1
		c.FileSync = fileSync == 1
		c.IgnoreEnabled = ignore == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveRouter(ctx context.Context, r domain.Router) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO router(
	router_id, router_type, source_node_group_id, target_node_group_id, router_expression,
	sync_on_insert, sync_on_update, sync_on_delete
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(router_id) DO UPDATE SET
	router_type=excluded.router_type, source_node_group_id=excluded.source_node_group_id,
	target_node_group_id=excluded.target_node_group_id, router_expression=excluded.router_expression,
	sync_on_insert=excluded.sync_on_insert, sync_on_update=excluded.sync_on_update,
	sync_on_delete=excluded.sync_on_delete`,
		r.ID, emptyToDefault(r.Type, "default"), r.SourceGroupID, r.TargetGroupID, nullableString(r.Expression),
		boolInt(r.SyncOnInsert), boolInt(r.SyncOnUpdate), boolInt(r.SyncOnDelete))
	if err != nil {
		return fmt.Errorf("save router %s: %w", r.ID, err)
	}
	return nil
}

// SaveRouteBinding stores the binding and the router it references.
func (s *Store) SaveRouteBinding(ctx context.Context, b domain.RouteBinding) error {
	if err := s.SaveRouter(ctx, b.Router); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO route_binding(trigger_id, router_id, table_name, channel_id, enabled, ping_back_enabled)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(trigger_id, router_id) DO UPDATE SET
	table_name=excluded.table_name, channel_id=excluded.channel_id,
	enabled=excluded.enabled, ping_back_enabled=excluded.ping_back_enabled`,
		b.TriggerID, b.Router.ID, b.TableName, b.ChannelID, boolInt(b.Enabled), boolInt(b.PingBack))
	if err != nil {
		return fmt.Errorf("save route binding %s/%s: %w", b.TriggerID, b.Router.ID, err)
	}
	return nil
}

func (s *Store) RouteBindings(ctx context.Context) ([]domain.RouteBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT b.trigger_id, b.table_name, b.channel_id, b.enabled, b.ping_back_enabled,
	r.router_id, r.router_type, r.source_node_group_id, r.target_node_group_id, r.router_expression,
	r.sync_on_insert, r.sync_on_update, r.sync_on_delete
FROM route_binding b JOIN router r ON r.router_id = b.router_id
ORDER BY b.trigger_id, r.router_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RouteBinding
	for rows.Next() {
		var (
			b                   domain.RouteBinding
			enabled, pingBack   int
			onIns, onUpd, onDel int
			expression          sql.NullString
		)
		if err := rows.Scan(&b.TriggerID, &b.TableName, &b.ChannelID, &enabled, &pingBack,
			&b.Router.ID, &b.Router.Type, &b.Router.SourceGroupID, &b.Router.TargetGroupID, &expression,
			&onIns, &onUpd, &onDel); err != nil {
			return nil, err
		}
		b.Enabled = enabled == 1
		b.PingBack = pingBack == 1
		b.Router.Expression = expression.String
		b.Router.SyncOnInsert = onIns == 1
		b.Router.SyncOnUpdate = onUpd == 1
		b.Router.SyncOnDelete = onDel == 1
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SaveNode(ctx context.Context, n domain.Node) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO node(node_id, node_group_id, external_id, sync_enabled) VALUES (?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
	node_group_id=excluded.node_group_id, external_id=excluded.external_id, sync_enabled=excluded.sync_enabled`,
		n.ID, n.GroupID, emptyToDefault(n.ExternalID, n.ID), boolInt(n.SyncEnabled))
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) Nodes(ctx context.Context) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, node_group_id, external_id, sync_enabled FROM node ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		var n domain.Node
		var enabled int
		if err := rows.Scan(&n.ID, &n.GroupID, &n.ExternalID, &enabled); err != nil {
			return nil, err
		}
		n.SyncEnabled = enabled == 1
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) SaveNodeGroupLink(ctx context.Context, l domain.NodeGroupLink) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO node_group_link(source_node_group_id, target_node_group_id) VALUES (?, ?)
ON CONFLICT DO NOTHING`, l.SourceGroupID, l.TargetGroupID)
	if err != nil {
		return fmt.Errorf("save node group link %s->%s: %w", l.SourceGroupID, l.TargetGroupID, err)
	}
	return nil
}

func (s *Store) NodeGroupLinks(ctx context.Context) ([]domain.NodeGroupLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_node_group_id, target_node_group_id FROM node_group_link`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NodeGroupLink
	for rows.Next() {
		var l domain.NodeGroupLink
		if err := rows.Scan(&l.SourceGroupID, &l.TargetGroupID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) SaveTableShape(ctx context.Context, t domain.TableShape) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO table_shape(trigger_hist_id, trigger_id, table_name, column_names, pk_column_names)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(trigger_hist_id) DO UPDATE SET
	trigger_id=excluded.trigger_id, table_name=excluded.table_name,
	column_names=excluded.column_names, pk_column_names=excluded.pk_column_names`,
		t.ID, t.TriggerID, t.TableName, joinList(t.ColumnNames), joinList(t.PKColumnNames))
	if err != nil {
		return fmt.Errorf("save table shape %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) TableShape(ctx context.Context, id int64) (domain.TableShape, bool, error) {
	var (
		t            domain.TableShape
		columns, pks sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT trigger_hist_id, trigger_id, table_name, column_names, pk_column_names
FROM table_shape WHERE trigger_hist_id=?`, id).Scan(&t.ID, &t.TriggerID, &t.TableName, &columns, &pks)
	if isNoRows(err) {
		return domain.TableShape{}, false, nil
	}
	if err != nil {
		return domain.TableShape{}, false, err
	}
	t.ColumnNames = splitList(columns)
	t.PKColumnNames = splitList(pks)
	return t, true, nil
}
