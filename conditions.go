package barter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ValidateConditions checks every condition has a field and a supported operator, and that
// list operators are given a list.
func ValidateConditions(conds []Condition) error {
	for i, c := range conds {
		if strings.TrimSpace(c.Field) == "" {
			return NewFieldError("query", ErrCodeMissingField, fmt.Sprintf("condition %d has no field", i), "field")
		}
		if !c.Op.Valid() {
			return NewFieldError("query", ErrCodeInvalidOperator, fmt.Sprintf("unsupported operator %q", c.Op), "operator")
		}
		switch c.Op {
		case OpIn, OpNotIn, OpArrayContainsAny:
			if _, ok := asList(c.Value); !ok {
				return NewFieldError("query", ErrCodeInvalidOperator, fmt.Sprintf("operator %q needs a list value", c.Op), "value")
			}
		}
	}
	return nil
}

// ParseCondition reads the textual form "field op value", e.g. `price <= 10` or
// `tags array-contains-any ["bike","tools"]`.  The value is decoded as JSON when it parses
// and kept as a plain string otherwise.
func ParseCondition(s string) (Condition, error) {
	parts := strings.Fields(s)
	if len(parts) < 3 {
		return Condition{}, NewFieldError("query", ErrCodeMissingField, fmt.Sprintf("condition %q needs a field, operator and value", s), "value")
	}
	// the value may itself contain spaces
	rest := strings.TrimSpace(s)
	for _, p := range parts[:2] {
		rest = strings.TrimSpace(strings.TrimPrefix(rest, p))
	}
	c := Condition{Field: parts[0], Op: Op(parts[1])}
	var v any
	if err := json.Unmarshal([]byte(rest), &v); err == nil {
		c.Value = v
	} else {
		c.Value = rest
	}
	if err := ValidateConditions([]Condition{c}); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// ApplyQuery filters, orders and bounds docs in memory.  Backends without a native query
// engine (files, the SQL document table) use it, and it mirrors the managed store: a
// document lacking a filtered or ordered field never matches.
func ApplyQuery(docs []*Document, q Query) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if !Matches(d, q.Conditions) {
			continue
		}
		if q.OrderField != "" {
			if _, ok := d.Field(q.OrderField); !ok {
				continue
			}
		}
		out = append(out, d)
	}
	if q.OrderField != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := out[i].Field(q.OrderField)
			b, _ := out[j].Field(q.OrderField)
			c := orderValues(a, b)
			if q.Direction == Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Matches reports whether doc satisfies every condition.
func Matches(doc *Document, conds []Condition) bool {
	for _, c := range conds {
		if !matchOne(doc, c) {
			return false
		}
	}
	return true
}

func matchOne(doc *Document, c Condition) bool {
	v, ok := doc.Field(c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEqual:
		return equalValues(v, c.Value)
	case OpNotEqual:
		return v != nil && !equalValues(v, c.Value)
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		cmp, ok := compareValues(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLess:
			return cmp < 0
		case OpLessOrEqual:
			return cmp <= 0
		case OpGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpIn:
		list, _ := asList(c.Value)
		return containsValue(list, v)
	case OpNotIn:
		list, _ := asList(c.Value)
		return v != nil && !containsValue(list, v)
	case OpArrayContains:
		arr, ok := asList(v)
		return ok && containsValue(arr, c.Value)
	case OpArrayContainsAny:
		arr, ok := asList(v)
		if !ok {
			return false
		}
		want, _ := asList(c.Value)
		for _, w := range want {
			if containsValue(arr, w) {
				return true
			}
		}
	}
	return false
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false // []byte is a scalar
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// normalize maps values onto a small set of comparable kinds: float64, string, bool,
// time.Time, nil.  ok is false for anything else.
func normalize(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case string:
		return x, true
	case bool:
		return x, true
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return nil, true
		}
		return *x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return nil, false
}

func equalValues(a, b any) bool {
	na, oka := normalize(a)
	nb, okb := normalize(b)
	if oka && okb {
		if ta, ok := na.(time.Time); ok {
			tb, ok := nb.(time.Time)
			return ok && ta.Equal(tb)
		}
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values of the same kind.  ok is false across kinds.
func compareValues(a, b any) (int, bool) {
	na, oka := normalize(a)
	nb, okb := normalize(b)
	if !oka || !okb {
		return 0, false
	}
	switch x := na.(type) {
	case float64:
		y, ok := nb.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := nb.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := nb.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := nb.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// kindRank gives mixed-kind orderings a stable total order: null < bool < number < time < string.
func kindRank(v any) int {
	n, ok := normalize(v)
	if !ok {
		return 5
	}
	switch n.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	}
	return 5
}

func orderValues(a, b any) int {
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ra, rb := kindRank(a), kindRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}
