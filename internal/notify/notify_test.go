package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab_collab/internal/alert"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
)

type fakeDesktop struct {
	mu         sync.Mutex
	permission alert.Permission
	grantOnAsk alert.Permission
	asked      int
	bodies     []string
}

func (d *fakeDesktop) Permission() alert.Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func (d *fakeDesktop) RequestPermission(context.Context) (alert.Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked++
	d.permission = d.grantOnAsk
	return d.permission, nil
}

func (d *fakeDesktop) Notify(_ context.Context, _, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bodies = append(d.bodies, body)
	return nil
}

func (d *fakeDesktop) Bodies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bodies...)
}

type env struct {
	mem     *store.Memory
	client  *store.MemoryClient
	mock    *clock.Mock
	fan     *FanOut
	toasts  *alert.Recorder
	desktop *fakeDesktop
	focus   *alert.Focus
}

func newEnv(t *testing.T, users ...string) *env {
	t.Helper()
	mock := clock.NewMock()
	mem := store.NewMemory(mock)
	ctx := context.Background()
	admin := mem.Client("admin")
	for _, uid := range users {
		require.NoError(t, admin.Set(ctx, "users", uid, store.Fields{"name": uid}, false))
	}

	e := &env{
		mem:     mem,
		client:  mem.Client("u2"),
		mock:    mock,
		toasts:  &alert.Recorder{},
		desktop: &fakeDesktop{permission: alert.PermissionDefault, grantOnAsk: alert.PermissionGranted},
		focus:   alert.NewFocus(true),
	}
	var err error
	e.fan, err = New(Config{
		Store:   e.client,
		Me:      "u2",
		Toaster: e.toasts,
		Desktop: e.desktop,
		Focus:   e.focus,
		Clock:   mock,
	})
	require.NoError(t, err)
	t.Cleanup(e.fan.Stop)
	return e
}

func (e *env) settle(t *testing.T) {
	t.Helper()
	e.mock.Add(DefaultGrace)
	require.Eventually(t, e.fan.Settled, time.Second, 5*time.Millisecond)
}

func send(t *testing.T, mem *store.Memory, from, to string) string {
	t.Helper()
	chatID := from + "_" + to
	if to < from {
		chatID = to + "_" + from
	}
	id, err := mem.Client(from).Add(context.Background(), "direct_messages", store.Fields{
		"chatId":     chatID,
		"senderId":   from,
		"receiverId": to,
		"text":       "hello from " + from,
		"createdAt":  store.ServerTimestamp,
		"isRead":     false,
	})
	require.NoError(t, err)
	return id
}

func TestGraceWindowSuppressesBacklog(t *testing.T) {
	e := newEnv(t, "u1", "u2", "u3")
	send(t, e.mem, "u1", "u2")

	require.NoError(t, e.fan.Start(context.Background(), "/dashboard"))
	assert.ElementsMatch(t, []string{"u1_u2", "u2_u3"}, e.fan.Channels())
	assert.Equal(t, 1, e.desktop.asked)

	// внутри окна начальной загрузки
	send(t, e.mem, "u1", "u2")
	assert.Empty(t, e.toasts.Toasts())

	e.settle(t)
	send(t, e.mem, "u1", "u2")
	send(t, e.mem, "u3", "u2")
	require.Len(t, e.toasts.Toasts(), 2)
	assert.Equal(t, "New message received", e.toasts.Toasts()[0].Message)

	// исходящие и правки не уведомляют
	send(t, e.mem, "u2", "u1")
	id := send(t, e.mem, "u1", "u2")
	require.NoError(t, e.mem.Client("u1").Update(context.Background(), "direct_messages", id, store.Fields{"text": "edited"}))
	assert.Len(t, e.toasts.Toasts(), 3)
}

func TestMessagingRouteSuppressesAndRearms(t *testing.T) {
	e := newEnv(t, "u1", "u2")
	ctx := context.Background()
	require.NoError(t, e.fan.Start(ctx, "/chat"))
	e.settle(t)

	send(t, e.mem, "u1", "u2")
	assert.Empty(t, e.toasts.Toasts())

	require.NoError(t, e.fan.SetRoute(ctx, "/dashboard"))
	assert.False(t, e.fan.Settled())
	// история, которая пришла при переподписке, не считается новой
	send(t, e.mem, "u1", "u2")
	assert.Empty(t, e.toasts.Toasts())

	e.settle(t)
	send(t, e.mem, "u1", "u2")
	assert.Len(t, e.toasts.Toasts(), 1)
	assert.Equal(t, 1, e.mem.ListenerCount())
}

func TestDesktopOnlyWhenUnfocusedAndGranted(t *testing.T) {
	e := newEnv(t, "u1", "u2")
	require.NoError(t, e.fan.Start(context.Background(), "/dashboard"))
	e.settle(t)

	send(t, e.mem, "u1", "u2")
	assert.Empty(t, e.desktop.Bodies())

	e.focus.Set(false)
	send(t, e.mem, "u1", "u2")
	assert.Equal(t, []string{"hello from u1"}, e.desktop.Bodies())
	assert.Len(t, e.toasts.Toasts(), 2)
}

func TestPendingLocalWriteDoesNotAlert(t *testing.T) {
	e := newEnv(t, "u1", "u2")
	require.NoError(t, e.fan.Start(context.Background(), "/dashboard"))
	e.settle(t)

	// запись того же клиента сначала приходит как локальное эхо, затем как modified
	_, err := e.client.Add(context.Background(), "direct_messages", store.Fields{
		"chatId": "u1_u2", "senderId": "u1", "receiverId": "u2", "createdAt": store.ServerTimestamp, "isRead": false,
	})
	require.NoError(t, err)
	assert.Empty(t, e.toasts.Toasts())
}

func TestFailingListenerDoesNotAffectSiblings(t *testing.T) {
	e := newEnv(t, "u1", "u2", "u3", "bad_id")
	require.NoError(t, e.fan.Start(context.Background(), "/dashboard"))
	assert.ElementsMatch(t, []string{"u1_u2", "u2_u3"}, e.fan.Channels())

	failed := e.mem.FailListeners(func(q store.Query) bool {
		return len(q.Filters) > 0 && q.Filters[0].Value == "u1_u2"
	}, apperrors.ErrPermissionDenied)
	require.Equal(t, 1, failed)
	assert.Equal(t, []string{"u2_u3"}, e.fan.Channels())

	e.settle(t)
	send(t, e.mem, "u1", "u2")
	send(t, e.mem, "u3", "u2")
	assert.Len(t, e.toasts.Toasts(), 1)
}

func TestStopReleasesAllListeners(t *testing.T) {
	e := newEnv(t, "u1", "u2", "u3")
	require.NoError(t, e.fan.Start(context.Background(), "/dashboard"))
	assert.Equal(t, 2, e.mem.ListenerCount())

	e.fan.Stop()
	assert.Equal(t, 0, e.mem.ListenerCount())
	assert.Empty(t, e.fan.Channels())
}

func TestStartFailsWhenUsersUnavailable(t *testing.T) {
	mem := store.NewMemory(clock.NewMock())
	fan, err := New(Config{Store: failingFetch{mem.Client("u2")}, Me: "u2", Toaster: &alert.Recorder{}})
	require.NoError(t, err)
	err = fan.Start(context.Background(), "/")
	assert.Error(t, err)
}

type failingFetch struct {
	*store.MemoryClient
}

func (failingFetch) Fetch(context.Context, store.Query) ([]store.Document, error) {
	return nil, errors.New("offline")
}

// gatedStore задерживает n-й запрос Fetch до закрытия release
type gatedStore struct {
	store.DocumentStore
	mu      sync.Mutex
	calls   int
	gateOn  int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Fetch(ctx context.Context, q store.Query) ([]store.Document, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == g.gateOn {
		close(g.entered)
		<-g.release
	}
	return g.DocumentStore.Fetch(ctx, q)
}

func TestOverlappingRouteChangesKeepOneListenerPerChannel(t *testing.T) {
	mock := clock.NewMock()
	mem := store.NewMemory(mock)
	ctx := context.Background()
	admin := mem.Client("admin")
	for _, uid := range []string{"u1", "u2"} {
		require.NoError(t, admin.Set(ctx, "users", uid, store.Fields{"name": uid}, false))
	}

	gated := &gatedStore{
		DocumentStore: mem.Client("u2"),
		gateOn:        2,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	toasts := &alert.Recorder{}
	fan, err := New(Config{Store: gated, Me: "u2", Toaster: toasts, Clock: mock})
	require.NoError(t, err)
	t.Cleanup(fan.Stop)
	require.NoError(t, fan.Start(ctx, "/peers"))

	// первая смена маршрута застревает на списке пользователей
	done := make(chan error, 1)
	go func() { done <- fan.SetRoute(ctx, "/chat/u1") }()
	<-gated.entered

	require.NoError(t, fan.SetRoute(ctx, "/peers"))
	close(gated.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"u1_u2"}, fan.Channels())

	mock.Add(DefaultGrace)
	require.Eventually(t, fan.Settled, time.Second, 5*time.Millisecond)
	send(t, mem, "u1", "u2")
	assert.Len(t, toasts.Toasts(), 1)
}
