package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab_collab/internal/domain"
	"lab_collab/internal/realtime"
	"lab_collab/internal/repository"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

func newMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func doc(id, chatID, text string, at time.Time) store.Document {
	return store.Document{
		ID:         id,
		Collection: "direct_messages",
		Fields:     store.Fields{"chatId": chatID, "text": text, "createdAt": store.FormatTimestamp(at)},
		CreateTime: at,
		UpdateTime: at,
	}
}

func TestLiveQueryBuffersDuringInitialFetch(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var hub *LiveQueryHub
	hub = NewLiveQueryHub(func(ctx context.Context, q store.Query) ([]store.Document, error) {
		assert.Equal(t, 0, q.Limit)
		// запись, закоммиченная пока идет выборка
		hub.Publish(store.Mutation{Doc: doc("m2", "u1_u2", "late", t0.Add(time.Second))})
		return []store.Document{doc("m1", "u1_u2", "first", t0)}, nil
	}, newMetrics(), logger.NewNop())

	q := store.Collection("direct_messages").Where("chatId", store.OpEqual, "u1_u2").Order("createdAt", false)
	var snaps []store.Snapshot
	cancel, err := hub.Register(context.Background(), q, func(s store.Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, err)

	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].Docs, 2)
	assert.Equal(t, "m1", snaps[0].Docs[0].ID)
	assert.Equal(t, "m2", snaps[0].Docs[1].ID)
	assert.Len(t, snaps[0].Added(), 2)

	edited := doc("m1", "u1_u2", "edited", t0)
	edited.UpdateTime = t0.Add(2 * time.Second)
	hub.Publish(store.Mutation{Doc: edited})
	hub.Publish(store.Mutation{Doc: doc("x", "u2_u3", "other channel", t0.Add(3*time.Second))})
	require.Len(t, snaps, 2)
	assert.Equal(t, store.ChangeModified, snaps[1].Changes[0].Kind)

	// устаревшая версия игнорируется
	hub.Publish(store.Mutation{Doc: doc("m1", "u1_u2", "stale", t0)})
	assert.Len(t, snaps, 2)

	cancel()
	assert.Equal(t, 0, hub.Count())
	hub.Publish(store.Mutation{Deleted: true, Doc: edited})
	assert.Len(t, snaps, 2)
}

func TestLiveQueryFetchFailure(t *testing.T) {
	hub := NewLiveQueryHub(func(context.Context, store.Query) ([]store.Document, error) {
		return nil, apperrors.ErrUnavailable
	}, newMetrics(), logger.NewNop())
	_, err := hub.Register(context.Background(), store.Collection("users"), func(store.Snapshot) {})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Equal(t, 0, hub.Count())

	_, err = hub.Register(context.Background(), store.Collection("Bad Name"), func(store.Snapshot) {})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

// fakeRealtimeRepo - плоское дерево в памяти с журналом измененных путей
type fakeRealtimeRepo struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	changed []string
}

func newFakeRealtimeRepo() *fakeRealtimeRepo {
	return &fakeRealtimeRepo{entries: make(map[string]json.RawMessage)}
}

func (r *fakeRealtimeRepo) Write(_ context.Context, path string, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	patch, err := realtime.Plan(keys, path, data)
	if err != nil {
		return err
	}
	patch.ApplyTo(r.entries)
	r.changed = append(r.changed, path)
	return nil
}

func (r *fakeRealtimeRepo) Read(_ context.Context, path string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return realtime.Assemble(path, r.entries), nil
}

func (r *fakeRealtimeRepo) Subscribe(context.Context) (<-chan string, error) {
	return nil, errors.New("not used")
}

func (r *fakeRealtimeRepo) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.changed
	r.changed = nil
	return out
}

var _ repository.RealtimeRepository = (*fakeRealtimeRepo)(nil)

func TestRealtimeSessionCloseAppliesDeferredWrites(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRealtimeRepo()
	hub := NewRealtimeHub(repo, newMetrics(), logger.NewNop())
	closedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return closedAt }

	user := hub.Open("u1")
	observer := hub.Open("observer")
	assert.Equal(t, 2, hub.Sessions())

	offline := json.RawMessage(`{"state":"offline","last_changed":{".sv":"timestamp"}}`)
	require.NoError(t, user.OnDisconnectSet("/status/u1", offline))
	require.NoError(t, user.Set(ctx, "/status/u1", json.RawMessage(`{"state":"online","name":"Ann"}`)))
	assert.Equal(t, 1, user.Deferred())

	var values []string
	_, err := observer.Listen(ctx, "/status", func(v realtime.Value) { values = append(values, string(v.Data)) })
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.JSONEq(t, `{"u1":{"state":"online","name":"Ann"}}`, values[0])

	for _, p := range repo.drain() {
		hub.notify(ctx, p)
	}
	assert.Len(t, values, 1, "unchanged value is not re-sent")

	// обрыв соединения: клиент ничего не прислал
	user.Close(ctx)
	for _, p := range repo.drain() {
		hub.notify(ctx, p)
	}
	require.Len(t, values, 2)
	assert.JSONEq(t, `{"u1":{"state":"offline","last_changed":"2024-05-01T12:00:00.000000Z"}}`, values[1])
	assert.Equal(t, 1, hub.Sessions())

	// повторное закрытие ничего не делает
	user.Close(ctx)
	assert.Empty(t, repo.drain())
}

func TestRealtimeSessionRejectsConnectedPath(t *testing.T) {
	hub := NewRealtimeHub(newFakeRealtimeRepo(), newMetrics(), logger.NewNop())
	s := hub.Open("u1")
	err := s.Set(context.Background(), realtime.ConnectedPath, json.RawMessage(`true`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	require.NoError(t, s.OnDisconnectSet("/status/u1", json.RawMessage(`null`)))
	require.NoError(t, s.OnDisconnectCancel("/status/u1"))
	assert.Equal(t, 0, s.Deferred())

	assert.Error(t, s.OnDisconnectSet("/status/u1", json.RawMessage(`{bad`)))
}

type fakeBlobs struct {
	objects map[string][]byte
}

func (b *fakeBlobs) Put(_ context.Context, obj domain.StoredObject, data []byte) error {
	b.objects[obj.Path] = data
	return nil
}

func (b *fakeBlobs) Get(_ context.Context, path string) (domain.StoredObject, []byte, error) {
	data, ok := b.objects[path]
	if !ok {
		return domain.StoredObject{}, nil, apperrors.ErrObjectNotFound
	}
	return domain.StoredObject{Path: path, Size: int64(len(data))}, data, nil
}

func (b *fakeBlobs) Delete(_ context.Context, path string) error {
	if _, ok := b.objects[path]; !ok {
		return apperrors.ErrObjectNotFound
	}
	delete(b.objects, path)
	return nil
}

func (b *fakeBlobs) Stats(context.Context) (int64, int64, error) {
	var size int64
	for _, d := range b.objects {
		size += int64(len(d))
	}
	return int64(len(b.objects)), size, nil
}

type nopAudit struct{ events []string }

func (a *nopAudit) Record(_ *uuid.UUID, eventType, _, _ string, _ map[string]interface{}) {
	a.events = append(a.events, eventType)
}

func TestStorageService(t *testing.T) {
	ctx := context.Background()
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	audit := &nopAudit{}
	svc := NewStorageService(map[string]repository.BlobStore{"local": blobs}, audit, newMetrics(), "http://labd:8080/", 8, logger.NewNop())
	actor := uuid.New()

	_, err := svc.Upload(ctx, actor, "local", "a/b.txt", "", []byte("123456789"))
	assert.ErrorIs(t, err, apperrors.ErrPayloadTooLarge)

	_, err = svc.Upload(ctx, actor, "s3", "a/b.txt", "", []byte("1"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = svc.Upload(ctx, actor, "local", "../etc/passwd", "", []byte("1"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	obj, err := svc.Upload(ctx, actor, "local", "attachments/u1/cat pic.png", "image/png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "local:attachments/u1/cat pic.png", obj.Ref())

	url, err := svc.PublicURL(obj.Ref())
	require.NoError(t, err)
	assert.Equal(t, "http://labd:8080/files/local/attachments/u1/cat%20pic.png", url)

	_, data, err := svc.Open(ctx, obj.Ref())
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	require.NoError(t, svc.Remove(ctx, actor, obj.Ref()))
	assert.ErrorIs(t, svc.Remove(ctx, actor, obj.Ref()), apperrors.ErrNotFound)
	assert.Equal(t, []string{domain.EventTypeObjectUploaded, domain.EventTypeObjectRemoved}, audit.events)
}

func TestCountOnline(t *testing.T) {
	data := json.RawMessage(`{"u1":{"state":"online"},"u2":{"state":"offline"},"u3":"junk","u4":{"state":"online"}}`)
	assert.Equal(t, 2, countOnline(data))
	assert.Equal(t, 0, countOnline(json.RawMessage(`null`)))
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	batches [][]domain.AuditLog
}

func (r *fakeAuditRepo) InsertBatch(_ context.Context, entries []domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]domain.AuditLog(nil), entries...))
	return nil
}

func TestAuditWriterFlushesOnStop(t *testing.T) {
	repo := &fakeAuditRepo{}
	w := NewAuditWriter(repo, newMetrics(), logger.NewNop())
	actor := uuid.New()
	w.Record(&actor, domain.EventTypeDocumentCreated, "direct_messages", "m1", nil)
	w.Record(&actor, domain.EventTypeDocumentUpdated, "direct_messages", "m1", map[string]interface{}{"op": "update"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	require.Len(t, repo.batches, 1)
	require.Len(t, repo.batches[0], 2)
	assert.Equal(t, domain.EventTypeDocumentCreated, repo.batches[0][0].EventType)
	assert.Equal(t, "m1", repo.batches[0][1].DocumentID)
	assert.Equal(t, &actor, repo.batches[0][1].ActorUserID)
}

func TestAuditWriterDropsWhenFull(t *testing.T) {
	w := NewAuditWriter(&fakeAuditRepo{}, newMetrics(), logger.NewNop())
	for i := 0; i < auditQueueSize+5; i++ {
		w.Record(nil, domain.EventTypeDocumentSet, "chat_status", "c1", nil)
	}
	assert.Len(t, w.queue, auditQueueSize)
}
