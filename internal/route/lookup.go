package route

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"routeflow/internal/domain"
)

// Lookup table expression keys.
const (
	keyLookupTable      = "LOOKUP_TABLE"
	keyKeyColumn        = "KEY_COLUMN"
	keyLookupKeyColumn  = "LOOKUP_KEY_COLUMN"
	keyExternalIDColumn = "EXTERNAL_ID_COLUMN"
)

// LookupTable routes a change to the nodes whose external id a lookup table
// maps the change's key column to.
type LookupTable struct{}

type lookupConfig struct {
	table, keyColumn, lookupKeyColumn, externalIDColumn string
}

// ParseLookupExpression reads KEY=VALUE lines.
func ParseLookupExpression(expr string) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(expr))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: expected KEY=VALUE, got %q", ErrSyntax, line)
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out, sc.Err()
}

func (LookupTable) Route(ctx context.Context, rc *Context, c *Change, nodes []domain.Node) (mapset.Set[string], error) {
	out := mapset.NewSet[string]()
	cfgAny, err := rc.Scratch("lookupcfg:"+c.Router.ID, func() (any, error) {
		params, err := ParseLookupExpression(c.Router.Expression)
		if err != nil {
			return nil, err
		}
		lc := lookupConfig{
			table:            params[keyLookupTable],
			keyColumn:        params[keyKeyColumn],
			lookupKeyColumn:  params[keyLookupKeyColumn],
			externalIDColumn: params[keyExternalIDColumn],
		}
		if lc.table == "" || lc.keyColumn == "" || lc.lookupKeyColumn == "" || lc.externalIDColumn == "" {
			rc.Logger.Warn("lookup table router is missing required settings", "router", c.Router.ID,
				"required", []string{keyLookupTable, keyKeyColumn, keyLookupKeyColumn, keyExternalIDColumn})
			return (*lookupConfig)(nil), nil
		}
		return &lc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("router %s: %w", c.Router.ID, err)
	}
	lc := cfgAny.(*lookupConfig)
	if lc == nil {
		return out, nil
	}
	mapping, err := rc.Scratch("lookup:"+c.Router.ID, func() (any, error) {
		return rc.Lookup.LookupExternalIDs(ctx, lc.table, lc.lookupKeyColumn, lc.externalIDColumn)
	})
	if err != nil {
		return nil, fmt.Errorf("router %s lookup %s: %w", c.Router.ID, lc.table, err)
	}
	row, err := c.Values()
	if err != nil {
		return nil, err
	}
	key, ok := row.Get(lc.keyColumn)
	if !ok || !key.Valid {
		return out, nil
	}
	externalIDs := mapset.NewSet(mapping.(map[string][]string)[key.String]...)
	for _, n := range nodes {
		if externalIDs.Contains(n.ExternalID) {
			out.Add(n.ID)
		}
	}
	return out, nil
}

var bindToken = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// SubSelect routes to the target group nodes matched by a SQL condition over
// the node table. :COLUMN references bind the change's values.
type SubSelect struct{}

// BindCondition replaces :COLUMN references with positional parameters.
func BindCondition(condition string, row Row) (string, []any) {
	var args []any
	bound := bindToken.ReplaceAllStringFunc(condition, func(tok string) string {
		v, _ := row.Get(tok[1:])
		if v.Valid {
			args = append(args, v.String)
		} else {
			args = append(args, nil)
		}
		return "?"
	})
	return bound, args
}

func (SubSelect) Route(ctx context.Context, rc *Context, c *Change, nodes []domain.Node) (mapset.Set[string], error) {
	out := mapset.NewSet[string]()
	if strings.TrimSpace(c.Router.Expression) == "" {
		rc.Logger.Warn("subselect router has no expression", "router", c.Router.ID)
		return out, nil
	}
	row, err := c.Values()
	if err != nil {
		return nil, err
	}
	condition, args := BindCondition(c.Router.Expression, row)
	ids, err := rc.Lookup.SelectNodeIDs(ctx, c.Router.TargetGroupID, condition, args)
	if err != nil {
		return nil, fmt.Errorf("router %s subselect: %w", c.Router.ID, err)
	}
	return NodeIDs(nodes).Intersect(mapset.NewSet(ids...)), nil
}
