package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "lab_collab/pkg/errors"
)

// Prepare приводит поля к JSON-типам и разрешает сентинелы.
// now == nil оставляет ServerTimestamp неразрешенным (null) - так выглядит
// локальное эхо записи, которая еще не подтверждена сервером.
func Prepare(fields Fields, now *time.Time) (Fields, error) {
	normalized, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}
	out := make(Fields, len(normalized))
	for k, v := range normalized {
		if strings.Contains(k, ".") {
			return nil, fmt.Errorf("%w: field name %q must not contain '.'", apperrors.ErrInvalidArgument, k)
		}
		resolved, del := resolve(v, now)
		if del {
			continue
		}
		out[k] = resolved
	}
	return out, nil
}

// Merge - глубокое слияние для Set(merge=true); DeleteField удаляет поле
func Merge(existing, incoming Fields, now *time.Time) (Fields, error) {
	normalized, err := normalizeFields(incoming)
	if err != nil {
		return nil, err
	}
	out := cloneMap(existing)
	mergeInto(out, normalized, now)
	return out, nil
}

// ApplyUpdate применяет патч с путями через точку ("reactions.u2")
func ApplyUpdate(existing, patch Fields, now *time.Time) (Fields, error) {
	normalized, err := normalizeFields(patch)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: empty update", apperrors.ErrInvalidArgument)
	}
	out := cloneMap(existing)
	for path, v := range normalized {
		parts := strings.Split(path, ".")
		for _, p := range parts {
			if p == "" {
				return nil, fmt.Errorf("%w: invalid field path %q", apperrors.ErrInvalidArgument, path)
			}
		}
		resolved, del := resolve(v, now)
		setPath(out, parts, resolved, del)
	}
	return out, nil
}

func setPath(m map[string]interface{}, parts []string, value interface{}, del bool) {
	if len(parts) == 1 {
		if del {
			delete(m, parts[0])
			return
		}
		m[parts[0]] = value
		return
	}
	child, ok := m[parts[0]].(map[string]interface{})
	if !ok {
		if del {
			return
		}
		child = map[string]interface{}{}
		m[parts[0]] = child
	}
	setPath(child, parts[1:], value, del)
}

func mergeInto(dst, src map[string]interface{}, now *time.Time) {
	for k, v := range src {
		if sm, ok := v.(map[string]interface{}); ok && !isSentinel(sm) {
			dm, ok := dst[k].(map[string]interface{})
			if !ok {
				dm = map[string]interface{}{}
				dst[k] = dm
			}
			mergeInto(dm, sm, now)
			continue
		}
		resolved, del := resolve(v, now)
		if del {
			delete(dst, k)
			continue
		}
		dst[k] = resolved
	}
}

func isSentinel(m map[string]interface{}) bool {
	if len(m) != 1 {
		return false
	}
	_, ok := m[sentinelKey]
	return ok
}

// resolve возвращает значение с разрешенными сентинелами и флаг удаления поля
func resolve(v interface{}, now *time.Time) (interface{}, bool) {
	switch x := v.(type) {
	case map[string]interface{}:
		if isSentinel(x) {
			switch Sentinel(fmt.Sprint(x[sentinelKey])) {
			case ServerTimestamp:
				if now == nil {
					return nil, false
				}
				return FormatTimestamp(*now), false
			case DeleteField:
				return nil, true
			}
		}
		out := make(map[string]interface{}, len(x))
		for k, inner := range x {
			r, del := resolve(inner, now)
			if del {
				continue
			}
			out[k] = r
		}
		return out, false
	case []interface{}:
		out := make([]interface{}, 0, len(x))
		for _, inner := range x {
			r, del := resolve(inner, now)
			if del {
				continue
			}
			out = append(out, r)
		}
		return out, false
	default:
		return v, false
	}
}

func normalizeFields(fields Fields) (map[string]interface{}, error) {
	if fields == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: fields are not JSON encodable: %v", apperrors.ErrInvalidArgument, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	return out, nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return cloneMap(x)
	case Fields:
		return cloneMap(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, inner := range x {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// CloneFields - глубокая копия
func CloneFields(f Fields) Fields {
	return cloneMap(f)
}

// ResolveValue разрешает сентинелы в произвольном JSON-значении (не только в документе)
func ResolveValue(v interface{}, now *time.Time) interface{} {
	resolved, del := resolve(normalizeValue(v), now)
	if del {
		return nil
	}
	return resolved
}
