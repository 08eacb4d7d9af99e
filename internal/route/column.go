package route

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"routeflow/internal/domain"
)

// Column match operators.
const (
	OpEquals      = "="
	OpNotEquals   = "!="
	OpContains    = "contains"
	OpNotContains = "not contains"
)

// Tokens that may stand on the value side of a column match.
const (
	tokenNodeID       = ":NODE_ID"
	tokenExternalID   = ":EXTERNAL_ID"
	tokenNodeGroupID  = ":NODE_GROUP_ID"
	tokenRedirectNode = ":REDIRECT_NODE"
	tokenNull         = "NULL"
)

// checked in this order so "!=" is not read as "=".
var operators = []string{OpNotEquals, OpEquals, OpNotContains, OpContains}

var clauseSeparator = regexp.MustCompile(`(?i)\s*(?:\s+or)?(?:\r\n|\r|\n)\s*(?:or\s+)?|\s+or\s+`)

// Expression is one clause of a column match router.
type Expression struct {
	Column   string
	Operator string
	Value    string
}

// ParseExpressions parses clauses separated by newlines or "or".
func ParseExpressions(expr string) ([]Expression, error) {
	var out []Expression
	for _, clause := range clauseSeparator.Split(expr, -1) {
		if strings.TrimSpace(clause) == "" {
			continue
		}
		e, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func parseClause(clause string) (Expression, error) {
	for _, op := range operators {
		if !strings.Contains(clause, op) {
			continue
		}
		parts := strings.Split(clause, op)
		if len(parts) != 2 {
			continue
		}
		column := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if column == "" || value == "" {
			break
		}
		if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
			value = strings.ReplaceAll(value[1:len(value)-1], "''", "'")
		}
		return Expression{Column: column, Operator: op, Value: value}, nil
	}
	return Expression{}, fmt.Errorf("%w: invalid column match %q", ErrSyntax, strings.TrimSpace(clause))
}

// ColumnMatch routes on column values compared against literals, other
// columns or node attributes.
type ColumnMatch struct{}

func (ColumnMatch) Route(_ context.Context, rc *Context, c *Change, nodes []domain.Node) (mapset.Set[string], error) {
	exprs, err := rc.Scratch("column:"+c.Router.ID, func() (any, error) {
		return ParseExpressions(c.Router.Expression)
	})
	if err != nil {
		return nil, fmt.Errorf("router %s: %w", c.Router.ID, err)
	}
	row, err := c.Values()
	if err != nil {
		return nil, err
	}
	out := mapset.NewSet[string]()
	if len(row) == 0 {
		rc.Logger.Warn("no columns to match", "change_id", c.ID, "router", c.Router.ID)
		return out, nil
	}
	offered := NodeIDs(nodes)
	for _, e := range exprs.([]Expression) {
		colValue, _ := row.Get(e.Column)
		switch strings.ToUpper(e.Value) {
		case tokenNodeID:
			matchNodes(e, colValue, nodes, out, func(n domain.Node) string { return n.ID })
		case tokenExternalID:
			matchNodes(e, colValue, nodes, out, func(n domain.Node) string { return n.ExternalID })
		case tokenNodeGroupID:
			matchNodes(e, colValue, nodes, out, func(n domain.Node) string { return n.GroupID })
		case tokenRedirectNode:
			if e.Operator != OpEquals || !colValue.Valid {
				continue
			}
			if id, ok := rc.Redirects[colValue.String]; ok && offered.Contains(id) {
				out.Add(id)
			}
		default:
			var compare sql.NullString
			switch {
			case e.Value == tokenNull:
			case strings.HasPrefix(e.Value, ":"):
				compare, _ = row.Get(e.Value[1:])
			default:
				compare = sql.NullString{String: e.Value, Valid: true}
			}
			if matches(e.Operator, colValue, compare) {
				out = out.Union(offered)
			}
		}
	}
	return out, nil
}

func matchNodes(e Expression, colValue sql.NullString, nodes []domain.Node, out mapset.Set[string], attr func(domain.Node) string) {
	for _, n := range nodes {
		if matches(e.Operator, colValue, sql.NullString{String: attr(n), Valid: true}) {
			out.Add(n.ID)
		}
	}
}

func matches(op string, col, compare sql.NullString) bool {
	switch op {
	case OpEquals:
		return col.Valid == compare.Valid && col.String == compare.String
	case OpNotEquals:
		return col.Valid != compare.Valid || col.String != compare.String
	case OpContains:
		return col.Valid && compare.Valid && listContains(col.String, compare.String)
	case OpNotContains:
		return col.Valid && compare.Valid && !listContains(col.String, compare.String)
	}
	return false
}

func listContains(list, v string) bool {
	for _, item := range strings.Split(list, ",") {
		if item == v {
			return true
		}
	}
	return false
}
