package store

import (
	"sort"
	"strings"
)

// sortRecords sorts in place by one field. A stable sort keeps earlier
// Order calls meaningful when applied outermost-last.
func sortRecords(records []Record, field string, dir Direction) {
	sort.SliceStable(records, func(i, j int) bool {
		less := compareValues(records[i][field], records[j][field]) < 0
		if dir == Desc {
			return !less && compareValues(records[i][field], records[j][field]) != 0
		}
		return less
	})
}

// compareValues orders mixed JSON scalar types: numbers numerically, strings
// lexically, bools false-before-true. Missing fields sort first.
func compareValues(a, b any) int {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs)
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		switch {
		case !ab && bb:
			return -1
		case ab && !bb:
			return 1
		default:
			return 0
		}
	}

	// nil (missing field) sorts before any value.
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return 0
}

// valuesEqual matches filter values against record fields, normalizing the
// numeric types a JSON round-trip produces (int filters vs float64 fields).
func valuesEqual(a, b any) bool {
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
