// Package store описывает клиентский контракт документного хранилища:
// точечные записи, запросы и живые подписки с событиями added/modified/removed.
// Реализации: internal/client (удаленный labd) и Memory (тесты, локальный режим).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Fields - поля документа (JSON-совместимые значения)
type Fields map[string]interface{}

// Sentinel - специальное значение, которое хранилище разрешает при коммите
type Sentinel string

const (
	// ServerTimestamp заменяется временем коммита
	ServerTimestamp Sentinel = "timestamp"
	// DeleteField удаляет поле при Update / Set(merge)
	DeleteField Sentinel = "delete"
)

const sentinelKey = ".sv"

func (s Sentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{sentinelKey: string(s)})
}

// TimestampLayout - фиксированная ширина, UTC: лексикографический порядок совпадает с хронологическим
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

type Document struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Fields     Fields    `json:"fields"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// Decode раскладывает поля документа в структуру по json тегам
func (d Document) Decode(out interface{}) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", d.Collection, d.ID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Get возвращает значение поля по пути через точку ("reactions.u1")
func (d Document) Get(path string) (interface{}, bool) {
	return lookup(d.Fields, path)
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

type Change struct {
	Kind ChangeKind `json:"kind"`
	Doc  Document   `json:"doc"`
}

// Snapshot - полное упорядоченное состояние запроса плюс изменения с прошлой эмиссии
type Snapshot struct {
	Docs             []Document `json:"docs"`
	Changes          []Change   `json:"changes"`
	HasPendingWrites bool       `json:"hasPendingWrites"`
}

// Added возвращает только добавленные документы
func (s Snapshot) Added() []Document {
	var out []Document
	for _, ch := range s.Changes {
		if ch.Kind == ChangeAdded {
			out = append(out, ch.Doc)
		}
	}
	return out
}

type Subscription interface {
	Unsubscribe()
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

type DocumentStore interface {
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	Set(ctx context.Context, collection, id string, fields Fields, merge bool) error
	Update(ctx context.Context, collection, id string, patch Fields) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Document, error)
	Fetch(ctx context.Context, q Query) ([]Document, error)
	// Listen открывает живую подписку. Подписка никогда не завершается сама:
	// вызывающий обязан вызвать Unsubscribe.
	Listen(q Query, onNext func(Snapshot), onError func(error)) (Subscription, error)
}

// ListenDocument - подписка на один документ; exists=false если документа нет
func ListenDocument(s DocumentStore, collection, id string, onNext func(doc Document, exists bool), onError func(error)) (Subscription, error) {
	return s.Listen(Collection(collection).Doc(id), func(snap Snapshot) {
		if len(snap.Docs) == 0 {
			onNext(Document{ID: id, Collection: collection}, false)
			return
		}
		onNext(snap.Docs[0], true)
	}, onError)
}
