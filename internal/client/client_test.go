package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab_collab/internal/config"
	"lab_collab/internal/domain"
	"lab_collab/internal/presence"
	"lab_collab/internal/realtime"
	"lab_collab/internal/store"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

var annUser = domain.User{ID: uuid.MustParse("0b8d6c0e-59a4-4c55-8c1f-3f0a9e2d7b21"), Email: "ann@lab.test", DisplayName: "Ann"}

// fakeLabd - минимальный labd: вход, обновление токена, файлы и оба сокета
type fakeLabd struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	access    string
	refresh   string
	refreshes int
	uploads   int
	docs      []store.Document
	docConns  []*websocket.Conn
	rtFrames  []wire.Frame
}

func newFakeLabd(t *testing.T) *fakeLabd {
	f := &fakeLabd{t: t, access: "a1", refresh: "r1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", f.login)
	mux.HandleFunc("/api/v1/auth/refresh", f.refreshToken)
	mux.HandleFunc("/api/v1/users/me", f.me)
	mux.HandleFunc("/api/v1/storage/", f.upload)
	mux.HandleFunc("/ws/documents", f.documents)
	mux.HandleFunc("/ws/realtime", f.realtime)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeLabd) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+f.access
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, wire.ErrorResponse{Error: "token expired", Code: apperrors.CodeUnauthenticated})
}

func (f *fakeLabd) login(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Password != "secret-pass" {
		writeJSON(w, http.StatusUnauthorized, wire.ErrorResponse{Error: "invalid credentials", Code: apperrors.CodeUnauthenticated})
		return
	}
	f.mu.Lock()
	resp := wire.LoginResponse{User: &annUser, AccessToken: f.access, RefreshToken: f.refresh, ExpiresIn: 900}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeLabd) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req wire.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.RefreshToken != f.refresh {
		writeJSON(w, http.StatusUnauthorized, wire.ErrorResponse{Error: "invalid token", Code: apperrors.CodeUnauthenticated})
		return
	}
	f.refreshes++
	f.access = "a" + strconv.Itoa(f.refreshes+1)
	f.refresh = "r" + strconv.Itoa(f.refreshes+1)
	writeJSON(w, http.StatusOK, wire.TokenResponse{AccessToken: f.access, RefreshToken: f.refresh, ExpiresIn: 900})
}

// expire делает текущий access токен недействительным
func (f *fakeLabd) expire() {
	f.mu.Lock()
	f.access = "rotated"
	f.mu.Unlock()
}

func (f *fakeLabd) me(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		unauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, annUser)
}

func (f *fakeLabd) upload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		unauthorized(w)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()
	provider, path, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/api/v1/storage/"), "/")
	writeJSON(w, http.StatusCreated, wire.UploadResponse{
		Ref:         provider + ":" + path,
		Size:        int64(len(body)),
		ContentType: r.Header.Get("Content-Type"),
	})
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeLabd) documents(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.docConns = append(f.docConns, conn)
	f.mu.Unlock()
	defer conn.Close()

	for {
		var in wire.Frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case wire.TypeListen:
			f.mu.Lock()
			docs := append([]store.Document(nil), f.docs...)
			f.mu.Unlock()
			snap := store.Snapshot{Docs: docs}
			for _, d := range docs {
				snap.Changes = append(snap.Changes, store.Change{Kind: store.ChangeAdded, Doc: d})
			}
			_ = conn.WriteJSON(wire.Frame{Type: wire.TypeSnapshot, ID: in.ID, Snapshot: &snap})
			_ = conn.WriteJSON(wire.Frame{Type: wire.TypeAck, ID: in.ID})
		default:
			_ = conn.WriteJSON(wire.Frame{Type: wire.TypeAck, ID: in.ID})
		}
	}
}

// dropDocuments рвет все документные соединения
func (f *fakeLabd) dropDocuments() {
	f.mu.Lock()
	conns := f.docConns
	f.docConns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *fakeLabd) putDoc(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, store.Document{
		ID:         id,
		Collection: "direct_messages",
		Fields:     store.Fields{"text": id},
		CreateTime: at,
		UpdateTime: at,
	})
}

func (f *fakeLabd) realtime(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		unauthorized(w)
		return
	}
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var in wire.Frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		f.mu.Lock()
		f.rtFrames = append(f.rtFrames, in)
		f.mu.Unlock()
		if in.Type == wire.TypeListen {
			_ = conn.WriteJSON(wire.Frame{Type: wire.TypeValue, ID: in.ID, Path: in.Path, Value: json.RawMessage("null")})
		}
		_ = conn.WriteJSON(wire.Frame{Type: wire.TypeAck, ID: in.ID})
	}
}

func (f *fakeLabd) realtimeFrames() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Frame(nil), f.rtFrames...)
}

func newTestClient(t *testing.T, f *fakeLabd, tokenFile string) *Client {
	cfg := config.ClientConfig{
		ServerURL:       f.srv.URL,
		TokenFile:       tokenFile,
		TypingQuiet:     time.Second,
		NotifyGrace:     time.Second,
		AttachmentLimit: 4,
		RequestTimeout:  5 * time.Second,
	}
	c, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.ClientConfig{ServerURL: "ftp://lab", TypingQuiet: time.Second, NotifyGrace: time.Second, AttachmentLimit: 1}, logger.NewNop())
	assert.Error(t, err)
}

func TestSignInAndRestoreWithRefresh(t *testing.T) {
	f := newFakeLabd(t)
	tokenFile := filepath.Join(t.TempDir(), "labchat", "tokens.json")
	ctx := context.Background()

	c := newTestClient(t, f, tokenFile)
	states := make(chan *domain.User, 4)
	stop := c.Auth().OnAuthStateChanged(func(u *domain.User) { states <- u })
	defer stop()
	assert.Nil(t, <-states)

	_, err := c.Auth().SignIn(ctx, annUser.Email, "wrong")
	require.Error(t, err)
	assert.True(t, apperrors.IsPermissionDenied(err))

	user, err := c.Auth().SignIn(ctx, annUser.Email, "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, annUser.ID, user.ID)
	select {
	case u := <-states:
		require.NotNil(t, u)
		assert.Equal(t, annUser.ID, u.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("auth observer was not notified")
	}

	info, err := os.Stat(tokenFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// новый процесс поднимает сессию из файла; access токен уже протух
	f.expire()
	restored := newTestClient(t, f, tokenFile)
	user, err = restored.Auth().Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, annUser.ID, user.ID)

	f.mu.Lock()
	assert.Equal(t, 1, f.refreshes)
	current := f.refresh
	f.mu.Unlock()

	raw, err := os.ReadFile(tokenFile)
	require.NoError(t, err)
	var saved savedTokens
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, current, saved.RefreshToken)
}

func TestRestoreWithoutTokenFile(t *testing.T) {
	f := newFakeLabd(t)
	c := newTestClient(t, f, filepath.Join(t.TempDir(), "missing.json"))

	user, err := c.Auth().Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Nil(t, c.Auth().CurrentUser())
}

func TestUploadChecksLimitBeforeNetwork(t *testing.T) {
	f := newFakeLabd(t)
	c := newTestClient(t, f, "")
	ctx := context.Background()
	_, err := c.Auth().SignIn(ctx, annUser.Email, "secret-pass")
	require.NoError(t, err)

	_, err = c.Storage().Upload(ctx, "attachments", "chat/big.bin", "", []byte("12345"))
	require.ErrorIs(t, err, apperrors.ErrPayloadTooLarge)
	f.mu.Lock()
	assert.Equal(t, 0, f.uploads)
	f.mu.Unlock()

	ref, err := c.Storage().Upload(ctx, "attachments", "chat/a b.png", "image/png", []byte("png!"))
	require.NoError(t, err)
	assert.Equal(t, "attachments:chat/a b.png", ref)
	assert.Equal(t, f.srv.URL+"/files/attachments/chat/a%20b.png", c.Storage().PublicURL(ref))
	assert.Empty(t, c.Storage().PublicURL("no-provider"))
}

func TestPresenceTrackerOverRealtimeSocket(t *testing.T) {
	f := newFakeLabd(t)
	c := newTestClient(t, f, "")
	ctx := context.Background()
	_, err := c.Auth().SignIn(ctx, annUser.Email, "secret-pass")
	require.NoError(t, err)

	err = c.Realtime().Set(ctx, realtime.ConnectedPath, true)
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	states := make(chan bool, 4)
	sub, err := c.Realtime().Listen(realtime.ConnectedPath, func(v realtime.Value) { states <- v.Bool() }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.False(t, <-states)

	uid := annUser.ID.String()
	tracker := presence.NewTracker(c.Realtime(), uid, "Ann", nil)
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Stop()

	select {
	case connected := <-states:
		assert.True(t, connected)
	case <-time.After(3 * time.Second):
		t.Fatal(".info/connected never became true")
	}
	require.Eventually(t, func() bool { return tracker.Armed() == 1 }, 3*time.Second, 10*time.Millisecond)

	frames := f.realtimeFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, wire.TypeOnDisconnectSet, frames[0].Type)
	assert.Equal(t, domain.StatusPath(uid), frames[0].Path)
	assert.Contains(t, string(frames[0].Value), `"offline"`)
	assert.Equal(t, wire.TypeSet, frames[1].Type)
	assert.Contains(t, string(frames[1].Value), `"online"`)
	assert.Contains(t, string(frames[1].Value), `"Ann"`)
}

func TestDocumentListenResyncsAfterReconnect(t *testing.T) {
	f := newFakeLabd(t)
	c := newTestClient(t, f, "")
	_, err := c.Auth().SignIn(context.Background(), annUser.Email, "secret-pass")
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.putDoc("m1", base)

	snaps := make(chan store.Snapshot, 4)
	sub, err := c.Documents().Listen(store.Collection("direct_messages").Order("createdAt", false), func(s store.Snapshot) { snaps <- s }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var first store.Snapshot
	select {
	case first = <-snaps:
	case <-time.After(3 * time.Second):
		t.Fatal("no initial snapshot")
	}
	require.Len(t, first.Docs, 1)
	require.Len(t, first.Added(), 1)

	// пока соединения нет, на сервере появляется m2
	f.putDoc("m2", base.Add(time.Minute))
	f.dropDocuments()

	select {
	case next := <-snaps:
		assert.Len(t, next.Docs, 2)
		require.Len(t, next.Changes, 1)
		assert.Equal(t, store.ChangeAdded, next.Changes[0].Kind)
		assert.Equal(t, "m2", next.Changes[0].Doc.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("listener was not resynced after reconnect")
	}
}
