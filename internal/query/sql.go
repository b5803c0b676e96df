package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type family of a column.
type Kind int

const (
	Numeric Kind = iota
	Text
)

// Column is a filterable table column.
type Column struct {
	Name string
	Kind Kind
}

// Columns maps filter fields onto a table. Timestamp bounds always apply
// to Date, an epoch-millis column.
type Columns struct {
	Fields map[string]Column
	Date   string
}

// ToSQL renders q as a WHERE-clause body with $n placeholders numbered from
// 1, plus the matching arguments. Unknown fields render as FALSE, the same
// outcome Match gives for a record without the field. A number compared
// with a text column, or text that is not a number compared with a
// numeric one, renders as FALSE too. Unsupported clauses are skipped. An
// empty query renders as TRUE.
func ToSQL(q ParsedQuery, cols Columns) (string, []any) {
	b := &sqlBuilder{cols: cols}
	where := b.render(q)
	return where, b.args
}

type sqlBuilder struct {
	cols Columns
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) render(q ParsedQuery) string {
	var parts []string

	for _, field := range sortedKeys(q.SimpleConditions) {
		parts = append(parts, b.equal(field, q.SimpleConditions[field]))
	}

	if dr := q.DateRange; dr != nil && b.cols.Date != "" {
		if dr.Start != nil {
			parts = append(parts, fmt.Sprintf("%s %s %s", b.cols.Date, lower(dr.StartInclusive), b.arg(*dr.Start)))
		}
		if dr.End != nil {
			parts = append(parts, fmt.Sprintf("%s %s %s", b.cols.Date, upper(dr.EndInclusive), b.arg(*dr.End)))
		}
	}

	for _, field := range sortedKeys(q.RangeConditions) {
		col, ok := b.column(field)
		if !ok || col.Kind != Numeric {
			parts = append(parts, "FALSE")
			continue
		}
		rc := q.RangeConditions[field]
		if rc.Min != nil {
			parts = append(parts, fmt.Sprintf("%s::float8 %s %s", col.Name, lower(rc.MinInclusive), b.arg(*rc.Min)))
		}
		if rc.Max != nil {
			parts = append(parts, fmt.Sprintf("%s::float8 %s %s", col.Name, upper(rc.MaxInclusive), b.arg(*rc.Max)))
		}
	}

	for _, field := range sortedKeys(q.SetConditions) {
		parts = append(parts, b.in(field, q.SetConditions[field].Values))
	}

	if g := q.LogicalGroup; g != nil && len(g.Subconditions) > 0 {
		sep := " AND "
		if g.Operator == Or {
			sep = " OR "
		}
		subs := make([]string, 0, len(g.Subconditions))
		for _, sub := range g.Subconditions {
			subs = append(subs, b.render(sub))
		}
		parts = append(parts, "("+strings.Join(subs, sep)+")")
	}

	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}

func (b *sqlBuilder) column(field string) (Column, bool) {
	if col, ok := b.cols.Fields[field]; ok {
		return col, true
	}
	if IsDateField(field) && b.cols.Date != "" {
		return Column{Name: b.cols.Date, Kind: Numeric}, true
	}
	return Column{}, false
}

// operand converts v to the argument a comparison with col takes. ok is
// false when no value of col can equal v.
func operand(col Column, v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if col.Kind == Numeric {
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			n, err := strconv.ParseFloat(t, 64)
			return n, err == nil
		}
		return nil, false
	}
	if _, isNum := v.(float64); isNum {
		return nil, false
	}
	return fmt.Sprint(v), true
}

func (c Column) cast() string {
	if c.Kind == Numeric {
		return c.Name + "::float8"
	}
	return c.Name + "::text"
}

func (b *sqlBuilder) equal(field string, v any) string {
	col, ok := b.column(field)
	if !ok {
		return "FALSE"
	}
	if v == nil {
		return col.Name + " IS NULL"
	}
	arg, ok := operand(col, v)
	if !ok {
		return "FALSE"
	}
	return fmt.Sprintf("%s = %s", col.cast(), b.arg(arg))
}

func (b *sqlBuilder) in(field string, values []any) string {
	col, ok := b.column(field)
	if !ok {
		return "FALSE"
	}
	var params []string
	for _, v := range values {
		if arg, ok := operand(col, v); ok {
			params = append(params, b.arg(arg))
		}
	}
	if len(params) == 0 {
		return "FALSE"
	}
	return fmt.Sprintf("%s IN (%s)", col.cast(), strings.Join(params, ", "))
}

func lower(inclusive bool) string {
	if inclusive {
		return ">="
	}
	return ">"
}

func upper(inclusive bool) string {
	if inclusive {
		return "<="
	}
	return "<"
}
