package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab_collab/internal/config"
	"lab_collab/internal/domain"
	"lab_collab/internal/middleware"
	"lab_collab/internal/realtime"
	"lab_collab/internal/repository"
	"lab_collab/internal/service"
	"lab_collab/internal/store"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const goodToken = "good-token"

var testUser = &domain.User{ID: uuid.MustParse("6f1c2a44-0b7e-4d7f-9a55-2b9f3c1d0e11"), Email: "ann@lab.test", DisplayName: "Ann"}

type fakeAuth struct {
	service.AuthService
}

func (fakeAuth) ValidateToken(_ context.Context, token string) (*domain.User, error) {
	if token != goodToken {
		return nil, apperrors.ErrInvalidToken
	}
	return testUser, nil
}

type fakeLimiter struct {
	deny map[string]bool
}

func (l fakeLimiter) Allow(_ context.Context, action, _ string) (service.Decision, error) {
	return service.Decision{Allowed: !l.deny[action], Limit: 1}, nil
}

// fakeDocuments - документы в памяти; каждая запись уходит в хаб живых запросов
type fakeDocuments struct {
	mu   sync.Mutex
	docs map[string]store.Document
	live *service.LiveQueryHub
	n    int
	now  time.Time
}

func (f *fakeDocuments) put(collection, id string, fields store.Fields) store.Document {
	f.mu.Lock()
	f.now = f.now.Add(time.Second)
	d := store.Document{ID: id, Collection: collection, Fields: fields, CreateTime: f.now, UpdateTime: f.now}
	f.docs[collection+"/"+id] = d
	f.mu.Unlock()
	if f.live != nil {
		f.live.Publish(store.Mutation{Doc: d})
	}
	return d
}

func (f *fakeDocuments) Add(_ context.Context, _ uuid.UUID, collection string, fields store.Fields) (store.Document, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return store.Document{}, err
	}
	f.mu.Lock()
	f.n++
	id := fmt.Sprintf("d%d", f.n)
	f.mu.Unlock()
	return f.put(collection, id, fields), nil
}

func (f *fakeDocuments) Set(_ context.Context, _ uuid.UUID, collection, id string, fields store.Fields, _ bool) (store.Document, error) {
	return f.put(collection, id, fields), nil
}

func (f *fakeDocuments) Update(ctx context.Context, _ uuid.UUID, collection, id string, patch store.Fields) (store.Document, error) {
	if _, err := f.Get(ctx, collection, id); err != nil {
		return store.Document{}, err
	}
	return f.put(collection, id, patch), nil
}

func (f *fakeDocuments) Delete(_ context.Context, _ uuid.UUID, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, collection+"/"+id)
	return nil
}

func (f *fakeDocuments) Get(_ context.Context, collection, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[collection+"/"+id]
	if !ok {
		return store.Document{}, apperrors.ErrDocumentNotFound
	}
	return d, nil
}

func (f *fakeDocuments) Query(_ context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Document
	for _, d := range f.docs {
		if d.Collection == q.Collection {
			out = append(out, d)
		}
	}
	return q.Apply(out), nil
}

// fakeTree - плоское дерево присутствия; измененные пути уходят в changes
type fakeTree struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	changes chan string
}

func (t *fakeTree) Write(_ context.Context, path string, data json.RawMessage) error {
	t.mu.Lock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	patch, err := realtime.Plan(keys, path, data)
	if err == nil {
		patch.ApplyTo(t.entries)
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.changes <- path
	return nil
}

func (t *fakeTree) Read(_ context.Context, path string) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return realtime.Assemble(path, t.entries), nil
}

func (t *fakeTree) Subscribe(context.Context) (<-chan string, error) {
	return t.changes, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string]domain.StoredObject
	data    map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, obj domain.StoredObject, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[obj.Path] = obj
	b.data[obj.Path] = data
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) (domain.StoredObject, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[path]
	if !ok {
		return domain.StoredObject{}, nil, apperrors.ErrObjectNotFound
	}
	return obj, b.data[path], nil
}

func (b *memBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[path]; !ok {
		return apperrors.ErrObjectNotFound
	}
	delete(b.objects, path)
	delete(b.data, path)
	return nil
}

func (b *memBlobs) Stats(context.Context) (int64, int64, error) {
	return int64(len(b.objects)), 0, nil
}

type nopAudit struct{}

func (nopAudit) Record(*uuid.UUID, string, string, string, map[string]interface{}) {}

type env struct {
	router *gin.Engine
	docs   *fakeDocuments
	live   *service.LiveQueryHub
	tree   *fakeTree
}

func newEnv(t *testing.T, deny ...string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	metrics := service.NewMetrics(prometheus.NewRegistry())
	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{PublicURL: "http://labd.test"},
		Storage:     config.StorageConfig{MaxUploadBytes: 16},
		Live: config.LiveConfig{
			MaxListensPerConn: 2,
			FramesPerSecond:   1000,
			FrameBurst:        1000,
			SendBuffer:        64,
			PingInterval:      time.Minute,
			PongTimeout:       time.Minute,
		},
	}

	docs := &fakeDocuments{docs: map[string]store.Document{}, now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	live := service.NewLiveQueryHub(docs.Query, metrics, log)
	docs.live = live

	tree := &fakeTree{entries: map[string]json.RawMessage{}, changes: make(chan string, 64)}
	rt := service.NewRealtimeHub(tree, metrics, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx, tree.changes)

	blobs := &memBlobs{objects: map[string]domain.StoredObject{}, data: map[string][]byte{}}
	storage := service.NewStorageService(map[string]repository.BlobStore{"local": blobs}, nopAudit{}, metrics, cfg.Server.PublicURL, cfg.Storage.MaxUploadBytes, log)

	denied := map[string]bool{}
	for _, a := range deny {
		denied[a] = true
	}

	handlers := &Handlers{
		Health:    NewHealthHandler(cfg, nil, log),
		Auth:      NewAuthHandler(fakeAuth{}, log),
		User:      NewUserHandler(nil, log),
		Documents: NewDocumentHandler(docs, log),
		Storage:   NewStorageHandler(storage, cfg.Storage.MaxUploadBytes, log),
		Live:      NewDocumentSocketHandler(live, metrics, cfg.Live, log),
		Realtime:  NewRealtimeSocketHandler(rt, metrics, cfg.Live, log),
	}
	router := SetupRouter(handlers,
		middleware.NewAuthMiddleware(fakeAuth{}, log),
		middleware.NewRateLimitMiddleware(fakeLimiter{deny: denied}, log),
		nil, cfg, log)
	return &env{router: router, docs: docs, live: live, tree: tree}
}

func (e *env) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) wire.ErrorResponse {
	t.Helper()
	var resp wire.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestDocumentRoutesRequireAuth(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodGet, "/api/v1/documents/users/u1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperrors.CodeUnauthenticated, decodeError(t, w).Code)

	w = e.do(http.MethodGet, "/api/v1/documents/users/u1", nil, "forged")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDocumentCRUD(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/api/v1/documents/direct_messages", wire.AddRequest{Fields: store.Fields{"chatId": "u1_u2", "text": "hi"}}, goodToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created wire.DocumentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "d1", created.Document.ID)

	w = e.do(http.MethodGet, "/api/v1/documents/direct_messages/d1", nil, goodToken)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/api/v1/documents/direct_messages/missing", nil, goodToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, w).Code)

	w = e.do(http.MethodPatch, "/api/v1/documents/direct_messages/d1", wire.UpdateRequest{}, goodToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/v1/documents/direct_messages/query", store.Query{OrderBy: "text"}, goodToken)
	require.Equal(t, http.StatusOK, w.Code)
	var listed wire.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Documents, 1)

	w = e.do(http.MethodPost, "/api/v1/documents/Bad%20Name", wire.AddRequest{Fields: store.Fields{"a": 1}}, goodToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodDelete, "/api/v1/documents/direct_messages/d1", nil, goodToken)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLoginRateLimited(t *testing.T) {
	e := newEnv(t, domain.RateLimitActionLogin)
	w := e.do(http.MethodPost, "/api/v1/auth/login", wire.LoginRequest{Email: "ann@lab.test", Password: "secret123"}, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, apperrors.CodeResourceLimit, decodeError(t, w).Code)
}

func TestStorageUploadAndServe(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/storage/local/attachments/u1/big.bin", strings.NewReader(strings.Repeat("x", 17)))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/storage/local/attachments/u1/note.txt", strings.NewReader("hello"))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var up wire.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.Equal(t, "local:attachments/u1/note.txt", up.Ref)
	assert.Equal(t, "http://labd.test/files/local/attachments/u1/note.txt", up.URL)

	w = e.do(http.MethodGet, "/files/local/attachments/u1/note.txt", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))

	w = e.do(http.MethodDelete, "/api/v1/storage?ref="+up.Ref, nil, goodToken)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(http.MethodGet, "/files/local/attachments/u1/note.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?access_token=" + goodToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wire.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestDocumentSocketLiveQuery(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx := context.Background()
	_, _ = e.docs.Add(ctx, testUser.ID, "direct_messages", store.Fields{"chatId": "u1_u2", "text": "first"})

	conn := dial(t, srv, "/ws/documents")
	q := store.Collection("direct_messages").Where("chatId", store.OpEqual, "u1_u2")
	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.TypeListen, ID: "l1", Query: &q}))

	snap := readFrame(t, conn)
	require.Equal(t, wire.TypeSnapshot, snap.Type)
	assert.Equal(t, "l1", snap.ID)
	require.Len(t, snap.Snapshot.Docs, 1)
	assert.Len(t, snap.Snapshot.Added(), 1)
	assert.Equal(t, wire.TypeAck, readFrame(t, conn).Type)

	_, _ = e.docs.Add(ctx, testUser.ID, "direct_messages", store.Fields{"chatId": "u2_u3", "text": "elsewhere"})
	_, _ = e.docs.Add(ctx, testUser.ID, "direct_messages", store.Fields{"chatId": "u1_u2", "text": "second"})

	next := readFrame(t, conn)
	require.Equal(t, wire.TypeSnapshot, next.Type)
	require.Len(t, next.Snapshot.Changes, 1)
	assert.Equal(t, store.ChangeAdded, next.Snapshot.Changes[0].Kind)
	assert.Equal(t, "second", next.Snapshot.Changes[0].Doc.Fields["text"])

	// повторный id и превышение лимита подписок
	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.TypeListen, ID: "l1", Query: &q}))
	dup := readFrame(t, conn)
	require.Equal(t, wire.TypeError, dup.Type)
	assert.Equal(t, apperrors.CodeInvalidArgument, dup.Error.Code)

	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.TypeUnlisten, ID: "l1"}))
	assert.Equal(t, wire.TypeAck, readFrame(t, conn).Type)
	assert.Eventually(t, func() bool { return e.live.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRealtimeSocketAppliesOnDisconnectWrites(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	user := dial(t, srv, "/ws/realtime")
	observer := dial(t, srv, "/ws/realtime")

	require.NoError(t, user.WriteJSON(wire.Frame{Type: wire.TypeOnDisconnectSet, ID: "1", Path: "/status/u1",
		Value: json.RawMessage(`{"state":"offline","last_changed":{".sv":"timestamp"}}`)}))
	assert.Equal(t, wire.TypeAck, readFrame(t, user).Type)
	require.NoError(t, user.WriteJSON(wire.Frame{Type: wire.TypeSet, ID: "2", Path: "/status/u1",
		Value: json.RawMessage(`{"state":"online"}`)}))
	assert.Equal(t, wire.TypeAck, readFrame(t, user).Type)

	require.NoError(t, observer.WriteJSON(wire.Frame{Type: wire.TypeListen, ID: "s1", Path: "/status/u1"}))
	first := readFrame(t, observer)
	require.Equal(t, wire.TypeValue, first.Type)
	assert.JSONEq(t, `{"state":"online"}`, string(first.Value))
	assert.Equal(t, wire.TypeAck, readFrame(t, observer).Type)

	// .info/connected отвечает клиент, сервер его не принимает
	require.NoError(t, observer.WriteJSON(wire.Frame{Type: wire.TypeSet, ID: "3", Path: realtime.ConnectedPath, Value: json.RawMessage(`true`)}))
	rejected := readFrame(t, observer)
	require.Equal(t, wire.TypeError, rejected.Type)
	assert.ErrorIs(t, rejected.Error.Err(), apperrors.ErrInvalidArgument)

	// обрыв без прощального кадра
	require.NoError(t, user.Close())

	offline := readFrame(t, observer)
	require.Equal(t, wire.TypeValue, offline.Type)
	var rec domain.PresenceRecord
	require.NoError(t, json.Unmarshal(offline.Value, &rec))
	assert.Equal(t, "offline", rec.State)
	_, err := store.ParseTimestamp(rec.LastChanged)
	assert.NoError(t, err)
}
