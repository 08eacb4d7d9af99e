package route

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"routeflow/internal/domain"
	"routeflow/internal/storage"
)

// ConvertToReload turns inserts and updates into one reload request per
// table, queued on the reload channel when the context commits. Deletes are
// routed to every node as usual.
type ConvertToReload struct{}

type reloadTable struct {
	shape domain.TableShape
	keys  [][]sql.NullString
	seen  map[string]struct{}
}

type reloadRouter struct {
	nodes  mapset.Set[string]
	tables map[string]*reloadTable
}

type reloadPending struct {
	routers map[string]*reloadRouter
}

func pendingReloads(rc *Context) *reloadPending {
	v, _ := rc.Scratch("reload", func() (any, error) {
		return &reloadPending{routers: make(map[string]*reloadRouter)}, nil
	})
	return v.(*reloadPending)
}

func (ConvertToReload) Route(_ context.Context, rc *Context, c *Change, nodes []domain.Node) (mapset.Set[string], error) {
	switch c.EventType {
	case domain.EventDelete:
		return NodeIDs(nodes), nil
	case domain.EventInsert, domain.EventUpdate:
	default:
		return mapset.NewSet[string](), nil
	}
	key, err := c.PrimaryKey()
	if err != nil {
		return nil, err
	}
	p := pendingReloads(rc)
	rr, ok := p.routers[c.Router.ID]
	if !ok {
		rr = &reloadRouter{nodes: mapset.NewSet[string](), tables: make(map[string]*reloadTable)}
		p.routers[c.Router.ID] = rr
	}
	rr.nodes = rr.nodes.Union(NodeIDs(nodes))
	t, ok := rr.tables[c.TableName]
	if !ok {
		t = &reloadTable{shape: c.Shape, seen: make(map[string]struct{})}
		rr.tables[c.TableName] = t
	}
	sig := keySignature(key)
	if _, dup := t.seen[sig]; !dup {
		t.seen[sig] = struct{}{}
		t.keys = append(t.keys, key)
	}
	return mapset.NewSet[string](), nil
}

func (ConvertToReload) CompleteBatch(ctx context.Context, rc *Context, tx storage.Tx) error {
	p := pendingReloads(rc)
	routerIDs := make([]string, 0, len(p.routers))
	for id := range p.routers {
		routerIDs = append(routerIDs, id)
	}
	sort.Strings(routerIDs)
	for _, id := range routerIDs {
		rr := p.routers[id]
		if rr.nodes.Cardinality() == 0 {
			continue
		}
		nodeList := rr.nodes.ToSlice()
		sort.Strings(nodeList)
		tables := make([]string, 0, len(rr.tables))
		for name := range rr.tables {
			tables = append(tables, name)
		}
		sort.Strings(tables)
		for _, name := range tables {
			t := rr.tables[name]
			reload := domain.CapturedChange{
				TableName:     name,
				EventType:     domain.EventReload,
				RowData:       ReloadPredicate(t.shape.PKColumnNames, t.keys),
				NodeList:      nodeList,
				ChannelID:     domain.ChannelReload,
				TriggerHistID: t.shape.ID,
			}
			if _, err := tx.InsertChange(ctx, reload); err != nil {
				return fmt.Errorf("queue reload of %s for router %s: %w", name, id, err)
			}
			rc.Logger.Debug("queued reload", "table", name, "router", id, "rows", len(t.keys), "nodes", len(nodeList))
		}
	}
	p.routers = make(map[string]*reloadRouter)
	return nil
}

// ReloadPredicate builds the SQL condition selecting the given primary keys.
// An empty predicate reloads the whole table.
func ReloadPredicate(pkColumns []string, keys [][]sql.NullString) string {
	if len(pkColumns) == 0 {
		return ""
	}
	if len(pkColumns) == 1 {
		var (
			values []string
			null   bool
		)
		for _, k := range keys {
			if !k[0].Valid {
				null = true
				continue
			}
			values = append(values, quoteLiteral(k[0].String))
		}
		col := quoteColumn(pkColumns[0])
		var parts []string
		if len(values) > 0 {
			parts = append(parts, col+" in ("+strings.Join(values, ",")+")")
		}
		if null {
			parts = append(parts, col+" is null")
		}
		return strings.Join(parts, " or ")
	}
	rows := make([]string, 0, len(keys))
	for _, k := range keys {
		terms := make([]string, 0, len(pkColumns))
		for i, col := range pkColumns {
			if i >= len(k) || !k[i].Valid {
				terms = append(terms, quoteColumn(col)+" is null")
				continue
			}
			terms = append(terms, quoteColumn(col)+"="+quoteLiteral(k[i].String))
		}
		rows = append(rows, "("+strings.Join(terms, " and ")+")")
	}
	return strings.Join(rows, " or ")
}

func quoteColumn(c string) string {
	return `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func keySignature(key []sql.NullString) string {
	var b strings.Builder
	for _, k := range key {
		if k.Valid {
			b.WriteString("v")
			b.WriteString(k.String)
		} else {
			b.WriteString("n")
		}
		b.WriteByte(0)
	}
	return b.String()
}

// ConfigurationChanged routes configuration changes to every node offered
// and asks the service to drop its caches once they commit.
type ConfigurationChanged struct{}

type configPending struct {
	changed bool
}

func (ConfigurationChanged) Route(_ context.Context, rc *Context, _ *Change, nodes []domain.Node) (mapset.Set[string], error) {
	v, _ := rc.Scratch("configchanged", func() (any, error) { return &configPending{}, nil })
	v.(*configPending).changed = true
	return NodeIDs(nodes), nil
}

func (ConfigurationChanged) ContextCommitted(_ context.Context, rc *Context) {
	v, _ := rc.Scratch("configchanged", func() (any, error) { return &configPending{}, nil })
	p := v.(*configPending)
	if !p.changed {
		return
	}
	p.changed = false
	if rc.OnConfigChanged != nil {
		rc.OnConfigChanged()
	}
}
