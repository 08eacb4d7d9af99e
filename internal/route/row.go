package route

import (
	"database/sql"
	"fmt"
	"strings"

	"routeflow/internal/domain"
)

// Row maps upper-cased column names to values. Columns of the old image are
// also present under an OLD_ prefix.
type Row map[string]sql.NullString

// Get looks a column up case-insensitively.
func (r Row) Get(column string) (sql.NullString, bool) {
	v, ok := r[strings.ToUpper(strings.TrimSpace(column))]
	return v, ok
}

// Change is a captured change together with what its routers need to know
// about it.
type Change struct {
	domain.CapturedChange
	Router domain.Router
	Shape  domain.TableShape

	values     Row
	parsed     bool
	mismatched bool
	parseErr   error
}

func NewChange(c domain.CapturedChange, router domain.Router, shape domain.TableShape) *Change {
	return &Change{CapturedChange: c, Router: router, Shape: shape}
}

// Values parses the change payloads against its table shape once. A value
// count that differs from the shape's column count is recorded, and the
// columns that line up are still returned.
func (c *Change) Values() (Row, error) {
	if c.parsed {
		return c.values, c.parseErr
	}
	c.parsed = true
	c.values = make(Row)

	current := c.RowData
	currentCols := c.Shape.ColumnNames
	if current == "" && c.EventType == domain.EventDelete {
		current, currentCols = c.PKData, c.Shape.PKColumnNames
	}
	if err := c.fill("", current, currentCols); err != nil {
		c.parseErr = err
		return c.values, err
	}
	if err := c.fill("OLD_", c.OldData, c.Shape.ColumnNames); err != nil {
		c.parseErr = err
	}
	return c.values, c.parseErr
}

func (c *Change) fill(prefix, payload string, columns []string) error {
	if payload == "" {
		return nil
	}
	values, err := ParseCSV(payload)
	if err != nil {
		return fmt.Errorf("change %d: %w", c.ID, err)
	}
	if len(values) != len(columns) {
		c.mismatched = true
	}
	for i, col := range columns {
		if i >= len(values) {
			break
		}
		c.values[prefix+strings.ToUpper(col)] = values[i]
	}
	return nil
}

// Mismatched reports whether Values found a payload whose value count did
// not match the table shape.
func (c *Change) Mismatched() bool {
	return c.mismatched
}

// PrimaryKey returns the primary key values of the change in shape order.
func (c *Change) PrimaryKey() ([]sql.NullString, error) {
	row, err := c.Values()
	if err != nil {
		return nil, err
	}
	out := make([]sql.NullString, 0, len(c.Shape.PKColumnNames))
	for _, col := range c.Shape.PKColumnNames {
		v, _ := row.Get(col)
		out = append(out, v)
	}
	return out, nil
}

// ParseCSV splits a captured payload. Values are double-quoted with backslash
// or doubled-quote escapes; an unquoted NULL is a null value.
func ParseCSV(payload string) ([]sql.NullString, error) {
	var (
		out []sql.NullString
		i   int
	)
	for {
		for i < len(payload) && payload[i] == ' ' {
			i++
		}
		if i < len(payload) && payload[i] == '"' {
			var b strings.Builder
			i++
			closed := false
			for i < len(payload) {
				ch := payload[i]
				switch {
				case ch == '\\' && i+1 < len(payload):
					b.WriteByte(payload[i+1])
					i += 2
					continue
				case ch == '"' && i+1 < len(payload) && payload[i+1] == '"':
					b.WriteByte('"')
					i += 2
					continue
				case ch == '"':
					closed = true
					i++
				default:
					b.WriteByte(ch)
					i++
					continue
				}
				break
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value at offset %d", i)
			}
			out = append(out, sql.NullString{String: b.String(), Valid: true})
		} else {
			end := strings.IndexByte(payload[i:], ',')
			if end < 0 {
				end = len(payload) - i
			}
			tok := strings.TrimSpace(payload[i : i+end])
			i += end
			if tok == "NULL" || tok == "" {
				out = append(out, sql.NullString{})
			} else {
				out = append(out, sql.NullString{String: tok, Valid: true})
			}
		}
		for i < len(payload) && payload[i] == ' ' {
			i++
		}
		if i >= len(payload) {
			return out, nil
		}
		if payload[i] != ',' {
			return nil, fmt.Errorf("expected ',' at offset %d", i)
		}
		i++
	}
}
