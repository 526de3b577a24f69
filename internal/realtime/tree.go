package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "lab_collab/pkg/errors"
)

// Дерево хранится плоско: путь листа -> JSON листа (не объект).
// Запись объекта раскладывается на листья, чтение собирает их обратно.

// Clean нормализует путь: "/status/u1". Корень - "/".
func Clean(path string) (string, error) {
	if path == ConnectedPath {
		return path, nil
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return "/", nil
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, ".#$[]") {
			return "", fmt.Errorf("%w: invalid path %q", apperrors.ErrInvalidArgument, path)
		}
	}
	return "/" + strings.Join(parts, "/"), nil
}

func isUnder(path, root string) bool {
	if root == "/" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

// Affects - запись по пути write видна подписке на путь listen
func Affects(listen, write string) bool {
	return isUnder(write, listen) || isUnder(listen, write)
}

func join(path, key string) string {
	if path == "/" {
		return "/" + key
	}
	return path + "/" + key
}

// Flatten раскладывает значение на листья. null и пустые объекты листьев не дают.
func Flatten(path string, data json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if err := flatten(path, data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(path string, data json.RawMessage, out map[string]json.RawMessage) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] != '{' {
		out[path] = append(json.RawMessage(nil), trimmed...)
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	for k, v := range obj {
		if k == "" || strings.ContainsAny(k, "/.#$[]") {
			return fmt.Errorf("%w: invalid key %q", apperrors.ErrInvalidArgument, k)
		}
		if err := flatten(join(path, k), v, out); err != nil {
			return err
		}
	}
	return nil
}

// Patch - изменение плоского дерева
type Patch struct {
	Delete []string
	Set    map[string]json.RawMessage
}

func (p Patch) Empty() bool {
	return len(p.Delete) == 0 && len(p.Set) == 0
}

func (p Patch) ApplyTo(entries map[string]json.RawMessage) {
	for _, k := range p.Delete {
		delete(entries, k)
	}
	for k, v := range p.Set {
		entries[k] = v
	}
}

// Plan вычисляет патч для записи data по path поверх существующих ключей.
// Заменяется все поддерево path; листья-предки удаляются.
func Plan(existing []string, path string, data json.RawMessage) (Patch, error) {
	leaves, err := Flatten(path, data)
	if err != nil {
		return Patch{}, err
	}
	p := Patch{Set: leaves}
	for _, k := range existing {
		if _, replaced := leaves[k]; replaced {
			continue
		}
		if isUnder(k, path) || (k != path && isUnder(path, k)) {
			p.Delete = append(p.Delete, k)
		}
	}
	sort.Strings(p.Delete)
	return p, nil
}

// Assemble собирает значение пути из листьев; "null" если ничего нет
func Assemble(path string, entries map[string]json.RawMessage) json.RawMessage {
	if v, ok := entries[path]; ok {
		return v
	}
	root := map[string]interface{}{}
	found := false
	for k, v := range entries {
		if k == path || !isUnder(k, path) {
			continue
		}
		rel := strings.TrimPrefix(k, path)
		parts := strings.Split(strings.Trim(rel, "/"), "/")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
		found = true
	}
	if !found {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(root)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
