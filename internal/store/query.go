package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	apperrors "lab_collab/pkg/errors"
)

type Op string

const (
	OpEqual    Op = "=="
	OpNotEqual Op = "!="
)

type Filter struct {
	Field string      `json:"field"`
	Op    Op          `json:"op"`
	Value interface{} `json:"value"`
}

type Query struct {
	Collection string   `json:"collection"`
	DocID      string   `json:"docId,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"orderBy,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func Collection(name string) Query {
	return Query{Collection: name}
}

func (q Query) Doc(id string) Query {
	q.DocID = id
	return q
}

func (q Query) Where(field string, op Op, value interface{}) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: normalizeValue(value)})
	return q
}

func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// ValidateCollection проверяет имя коллекции
func ValidateCollection(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid collection name %q", apperrors.ErrInvalidArgument, name)
	}
	return nil
}

func (q Query) Validate() error {
	if err := ValidateCollection(q.Collection); err != nil {
		return err
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: empty filter field", apperrors.ErrInvalidArgument)
		}
		if f.Op != OpEqual && f.Op != OpNotEqual {
			return fmt.Errorf("%w: unsupported operator %q", apperrors.ErrInvalidArgument, f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", apperrors.ErrInvalidArgument)
	}
	return nil
}

// Normalized приводит значения фильтров к JSON-типам (после передачи по сети они такие же)
func (q Query) Normalized() Query {
	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		f.Value = normalizeValue(f.Value)
		filters[i] = f
	}
	q.Filters = filters
	return q
}

// Key - каноническое представление запроса (для логов и метрик)
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	if q.DocID != "" {
		b.WriteString("/" + q.DocID)
	}
	for _, f := range q.Filters {
		fmt.Fprintf(&b, "|%s%s%v", f.Field, f.Op, f.Value)
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&b, "|order:%s", q.OrderBy)
		if q.Descending {
			b.WriteString(":desc")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|limit:%d", q.Limit)
	}
	return b.String()
}

func (q Query) Matches(d Document) bool {
	if d.Collection != q.Collection {
		return false
	}
	if q.DocID != "" && d.ID != q.DocID {
		return false
	}
	for _, f := range q.Filters {
		v, _ := lookup(d.Fields, f.Field)
		eq := valuesEqual(v, f.Value)
		if (f.Op == OpEqual && !eq) || (f.Op == OpNotEqual && eq) {
			return false
		}
	}
	return true
}

// Sort упорядочивает документы по OrderBy; документы без поля идут в конце,
// равные значения разрешаются по ID.
func (q Query) Sort(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			vi, oki := lookup(docs[i].Fields, q.OrderBy)
			vj, okj := lookup(docs[j].Fields, q.OrderBy)
			oki = oki && vi != nil
			okj = okj && vj != nil
			switch {
			case oki && !okj:
				return true
			case !oki && okj:
				return false
			case oki && okj:
				if c := compareValues(vi, vj); c != 0 {
					if q.Descending {
						return c > 0
					}
					return c < 0
				}
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// Apply фильтрует, сортирует и обрезает по Limit
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	q.Sort(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func lookup(fields Fields, path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Fields:
		return m, true
	default:
		return nil, false
	}
}

// normalizeValue приводит значение к виду, который дает encoding/json
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case float32:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b interface{}) int {
	a, b = normalizeValue(a), normalizeValue(b)
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	case nil:
		return 0
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}
