package query

import (
	"fmt"
	"strconv"
)

// Record is anything Match can evaluate a filter against.
type Record interface {
	// Lookup returns the value stored under a filter field. Numbers are
	// float64.
	Lookup(field string) (any, bool)
	// Millis returns the record timestamp in epoch milliseconds.
	Millis() int64
}

// Match reports whether r satisfies q. Unsupported clauses are ignored, so
// Match and ToSQL agree on every query.
func Match(q ParsedQuery, r Record) bool {
	for field, want := range q.SimpleConditions {
		got, ok := r.Lookup(field)
		if !ok {
			if want != nil {
				return false
			}
			continue
		}
		if !equal(got, want) {
			return false
		}
	}

	if dr := q.DateRange; dr != nil {
		ms := r.Millis()
		if dr.Start != nil && !above(float64(ms), float64(*dr.Start), dr.StartInclusive) {
			return false
		}
		if dr.End != nil && !below(float64(ms), float64(*dr.End), dr.EndInclusive) {
			return false
		}
	}

	for field, rc := range q.RangeConditions {
		got, ok := lookupNumber(r, field)
		if !ok {
			return false
		}
		if rc.Min != nil && !above(got, *rc.Min, rc.MinInclusive) {
			return false
		}
		if rc.Max != nil && !below(got, *rc.Max, rc.MaxInclusive) {
			return false
		}
	}

	for field, sc := range q.SetConditions {
		got, ok := r.Lookup(field)
		if !ok || !contains(sc.Values, got) {
			return false
		}
	}

	if g := q.LogicalGroup; g != nil && len(g.Subconditions) > 0 {
		switch g.Operator {
		case Or:
			matched := false
			for _, sub := range g.Subconditions {
				if Match(sub, r) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			for _, sub := range g.Subconditions {
				if !Match(sub, r) {
					return false
				}
			}
		}
	}
	return true
}

// lookupNumber returns a numeric field. Text fields never satisfy a range.
func lookupNumber(r Record, field string) (float64, bool) {
	v, ok := r.Lookup(field)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	}
	return 0, false
}

// equal compares a numeric field loosely: "120" equals 120, since query
// strings often carry numbers as text. A text field never equals a number.
func equal(got, want any) bool {
	if want == nil {
		return got == nil
	}
	if gn, ok := got.(float64); ok {
		wn, ok := number(want)
		return ok && gn == wn
	}
	if _, ok := want.(float64); ok {
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func contains(values []any, got any) bool {
	for _, v := range values {
		if equal(got, v) {
			return true
		}
	}
	return false
}

func above(v, bound float64, inclusive bool) bool {
	if inclusive {
		return v >= bound
	}
	return v > bound
}

func below(v, bound float64, inclusive bool) bool {
	if inclusive {
		return v <= bound
	}
	return v < bound
}
