// Package query translates Mongo-style JSON filters, as sent by Nightscout
// clients in the find parameter, into a typed ParsedQuery.
//
// Parse never fails. Malformed input yields an empty query, and operators
// that cannot be executed are listed in UnsupportedOperators so the caller
// decides whether to reject or ignore them.
package query

import (
	"bytes"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"time"
)

// Operator combines the subconditions of a LogicalGroup.
type Operator string

const (
	And Operator = "AND"
	Or  Operator = "OR"
)

// RangeCondition bounds a numeric field. A nil bound is open.
type RangeCondition struct {
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	MinInclusive bool     `json:"min_inclusive"`
	MaxInclusive bool     `json:"max_inclusive"`
}

// DateRange bounds the record timestamp in epoch milliseconds. Bounds on
// every timestamp field (date, dateString, created_at, ...) describe the
// same instant and are merged here, keeping the tightest. Field names the
// first of them in sort order.
type DateRange struct {
	Field          string `json:"field"`
	Start          *int64 `json:"start,omitempty"`
	End            *int64 `json:"end,omitempty"`
	StartInclusive bool   `json:"start_inclusive"`
	EndInclusive   bool   `json:"end_inclusive"`
}

// SetCondition matches a field against any of Values. Values keep their
// decoded JSON type (string, float64 or bool) and their original order.
type SetCondition struct {
	Values []any `json:"values"`
}

// LogicalGroup is a top-level $and or $or. Raw keeps every fragment as
// sent; Subconditions holds each fragment parsed on its own.
type LogicalGroup struct {
	Operator      Operator          `json:"operator"`
	Raw           []json.RawMessage `json:"raw"`
	Subconditions []ParsedQuery     `json:"subconditions"`
}

// ParsedQuery is the typed form of a filter. It is not mutated after Parse.
type ParsedQuery struct {
	SimpleConditions     map[string]any            `json:"simple_conditions,omitempty"`
	DateRange            *DateRange                `json:"date_range,omitempty"`
	RangeConditions      map[string]RangeCondition `json:"range_conditions,omitempty"`
	SetConditions        map[string]SetCondition   `json:"set_conditions,omitempty"`
	LogicalGroup         *LogicalGroup             `json:"logical_group,omitempty"`
	UnsupportedOperators []string                  `json:"unsupported_operators,omitempty"`
}

// IsEmpty reports whether the query carries no conditions at all.
func (q ParsedQuery) IsEmpty() bool {
	return len(q.SimpleConditions) == 0 &&
		q.DateRange == nil &&
		len(q.RangeConditions) == 0 &&
		len(q.SetConditions) == 0 &&
		q.LogicalGroup == nil &&
		len(q.UnsupportedOperators) == 0
}

// HasUnsupported reports whether any clause was dropped.
func (q ParsedQuery) HasUnsupported() bool {
	return len(q.UnsupportedOperators) > 0
}

// Timestamp field names. Millis fields hold epoch milliseconds, the others
// ISO-8601 strings; both are compared as milliseconds.
var (
	millisFields = []string{"date", "mills", "srvCreated"}
	isoFields    = []string{"dateString", "created_at", "sysTime"}
)

// IsDateField reports whether field names a record timestamp.
func IsDateField(field string) bool {
	return slices.Contains(millisFields, field) || slices.Contains(isoFields, field)
}

// Parse translates a JSON filter. Empty, whitespace, null, undefined and
// malformed input all return an empty ParsedQuery.
func Parse(input string) ParsedQuery {
	s := strings.TrimSpace(input)
	if s == "" || s == "null" || s == "undefined" {
		return ParsedQuery{}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return ParsedQuery{}
	}
	return parseObject(obj)
}

func parseObject(obj map[string]json.RawMessage) ParsedQuery {
	var q ParsedQuery
	unsupported := map[string]struct{}{}
	var groups []*LogicalGroup

	for _, key := range sortedKeys(obj) {
		raw := obj[key]

		if strings.HasPrefix(key, "$") {
			g, ok := parseLogical(key, raw)
			if !ok {
				unsupported[key] = struct{}{}
				continue
			}
			for _, sub := range g.Subconditions {
				for _, op := range sub.UnsupportedOperators {
					unsupported[op] = struct{}{}
				}
			}
			groups = append(groups, g)
			continue
		}

		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		ops, isOps := operatorObject(raw)
		if !isOps {
			switch value.(type) {
			case map[string]any, []any:
				// Sub-document and array equality are not supported.
			default:
				q.setSimple(key, value)
			}
			continue
		}
		q.parseField(key, ops, unsupported)
	}

	q.LogicalGroup = mergeGroups(groups)
	if len(unsupported) > 0 {
		q.UnsupportedOperators = make([]string, 0, len(unsupported))
		for op := range unsupported {
			q.UnsupportedOperators = append(q.UnsupportedOperators, op)
		}
		sort.Strings(q.UnsupportedOperators)
	}
	return q
}

// operatorObject returns raw decoded as an object whose keys all start
// with '$'.
func operatorObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var ops map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &ops); err != nil || len(ops) == 0 {
		return nil, false
	}
	for k := range ops {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return ops, true
}

func (q *ParsedQuery) parseField(field string, ops map[string]json.RawMessage, unsupported map[string]struct{}) {
	for _, op := range sortedKeys(ops) {
		var value any
		if err := json.Unmarshal(ops[op], &value); err != nil {
			continue
		}
		switch op {
		case "$eq":
			q.setSimple(field, value)
		case "$gt", "$gte", "$lt", "$lte":
			q.setBound(field, op, value)
		case "$in":
			values, ok := value.([]any)
			if !ok {
				unsupported[op] = struct{}{}
				continue
			}
			if q.SetConditions == nil {
				q.SetConditions = map[string]SetCondition{}
			}
			q.SetConditions[field] = SetCondition{Values: scalars(values)}
		default:
			unsupported[op] = struct{}{}
		}
	}
}

func (q *ParsedQuery) setSimple(field string, value any) {
	if q.SimpleConditions == nil {
		q.SimpleConditions = map[string]any{}
	}
	q.SimpleConditions[field] = value
}

func (q *ParsedQuery) setBound(field, op string, value any) {
	if IsDateField(field) {
		ms, ok := toMillis(value)
		if !ok {
			return
		}
		if q.DateRange == nil {
			q.DateRange = &DateRange{Field: field}
		}
		q.DateRange.Field = min(q.DateRange.Field, field)
		q.DateRange.apply(op, ms)
		return
	}

	n, ok := value.(float64)
	if !ok {
		return
	}
	if q.RangeConditions == nil {
		q.RangeConditions = map[string]RangeCondition{}
	}
	rc := q.RangeConditions[field]
	switch op {
	case "$gt", "$gte":
		rc.Min, rc.MinInclusive = tighter(rc.Min, rc.MinInclusive, n, op == "$gte", 1)
	case "$lt", "$lte":
		rc.Max, rc.MaxInclusive = tighter(rc.Max, rc.MaxInclusive, n, op == "$lte", -1)
	}
	q.RangeConditions[field] = rc
}

func (d *DateRange) apply(op string, ms int64) {
	switch op {
	case "$gt", "$gte":
		d.Start, d.StartInclusive = tighter(d.Start, d.StartInclusive, ms, op == "$gte", 1)
	case "$lt", "$lte":
		d.End, d.EndInclusive = tighter(d.End, d.EndInclusive, ms, op == "$lte", -1)
	}
}

// tighter returns whichever of the current bound and v admits less. dir is
// 1 for a lower bound and -1 for an upper one. On a tie the exclusive
// bound wins.
func tighter[T int64 | float64](cur *T, curInclusive bool, v T, inclusive bool, dir int) (*T, bool) {
	switch {
	case cur == nil:
	case v == *cur:
		return cur, curInclusive && inclusive
	case (dir > 0) != (v > *cur):
		return cur, curInclusive
	}
	return &v, inclusive
}

// parseLogical decodes a $and/$or array. Each element is parsed as its own
// filter.
func parseLogical(key string, raw json.RawMessage) (*LogicalGroup, bool) {
	var op Operator
	switch key {
	case "$and":
		op = And
	case "$or":
		op = Or
	default:
		return nil, false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, false
	}
	g := &LogicalGroup{Operator: op, Raw: parts}
	for _, p := range parts {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(p, &obj); err != nil {
			g.Subconditions = append(g.Subconditions, ParsedQuery{})
			continue
		}
		g.Subconditions = append(g.Subconditions, parseObject(obj))
	}
	return g, true
}

// mergeGroups folds a filter carrying both $and and $or into a single AND
// group whose last subcondition is the $or.
func mergeGroups(groups []*LogicalGroup) *LogicalGroup {
	switch len(groups) {
	case 0:
		return nil
	case 1:
		return groups[0]
	}
	and, or := groups[0], groups[1]
	if and.Operator != And {
		and, or = or, and
	}
	rawOr, _ := json.Marshal(map[string][]json.RawMessage{"$or": or.Raw})
	merged := &LogicalGroup{
		Operator:      And,
		Raw:           append(slices.Clone(and.Raw), rawOr),
		Subconditions: append(slices.Clone(and.Subconditions), ParsedQuery{LogicalGroup: or}),
	}
	return merged
}

func scalars(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		switch v.(type) {
		case string, float64, bool:
			out = append(out, v)
		}
	}
	return out
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.DateOnly,
}

// toMillis accepts epoch milliseconds or an ISO-8601 string.
func toMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		for _, layout := range isoLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UnixMilli(), true
			}
		}
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
