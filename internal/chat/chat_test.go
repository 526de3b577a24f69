package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab_collab/internal/alert"
	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
)

var (
	ann = Participant{ID: "u1", Name: "Ann"}
	bob = Participant{ID: "u2", Name: "Bob"}
)

type pair struct {
	mem  *store.Memory
	mock *clock.Mock
	a, b *Conversation
	aFoc *alert.Focus
	bFoc *alert.Focus
}

func newPair(t *testing.T) *pair {
	t.Helper()
	mock := clock.NewMock()
	mem := store.NewMemory(mock)
	p := &pair{mem: mem, mock: mock, aFoc: alert.NewFocus(true), bFoc: alert.NewFocus(false)}

	var err error
	p.a, err = NewConversation(ConversationConfig{Store: mem.Client("u1"), Me: ann, Peer: bob, Focus: p.aFoc, Clock: mock})
	require.NoError(t, err)
	p.b, err = NewConversation(ConversationConfig{Store: mem.Client("u2"), Me: bob, Peer: ann, Focus: p.bFoc, Clock: mock})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.a.Subscribe(ctx, nil))
	require.NoError(t, p.b.Subscribe(ctx, nil))
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
	})
	return p
}

func countUpdates(mem *store.Memory, field string) int {
	n := 0
	for _, w := range mem.Writes() {
		if w.Op != "update" {
			continue
		}
		if _, ok := w.Fields[field]; ok {
			n++
		}
	}
	return n
}

func TestChannelIDSymmetric(t *testing.T) {
	assert.Equal(t, "u1_u2", ChannelID("u1", "u2"))
	assert.Equal(t, ChannelID("u1", "u2"), ChannelID("u2", "u1"))
	assert.Equal(t, ChannelID("b", "A"), ChannelID("A", "b"))
	assert.Equal(t, "A_b", ChannelID("b", "A"))

	assert.NoError(t, ValidateParticipantID("3f1c-aa"))
	assert.ErrorIs(t, ValidateParticipantID("u_1"), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, ValidateParticipantID("u.1"), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, ValidateParticipantID(""), apperrors.ErrInvalidArgument)
}

func TestMessageLifecycle(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	id, err := p.a.Send(ctx, Draft{Text: "hi"})
	require.NoError(t, err)

	got := p.b.Messages()
	require.Len(t, got, 1)
	m := got[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, "u1_u2", m.ChatID)
	assert.Equal(t, "u1", m.SenderID)
	assert.Equal(t, "u2", m.ReceiverID)
	assert.False(t, m.IsRead)
	assert.Empty(t, m.Reactions)
	assert.NotNil(t, m.CreatedAt)
	assert.Nil(t, m.Attachment)

	// прочитать может только получатель
	assert.ErrorIs(t, p.a.MarkRead(ctx, id), ErrNotReceiver)

	require.NoError(t, p.b.MarkRead(ctx, id))
	assert.True(t, p.a.Messages()[0].IsRead)
	// повторная отметка ничего не пишет
	require.NoError(t, p.b.MarkRead(ctx, id))
	assert.Equal(t, 1, countUpdates(p.mem, "isRead"))

	assert.ErrorIs(t, p.b.Edit(ctx, id, "nope"), ErrNotSender)
	require.NoError(t, p.a.Edit(ctx, id, "  hi there "))
	m = p.b.Messages()[0]
	assert.Equal(t, "hi there", m.Text)
	assert.True(t, m.IsEdited)

	require.NoError(t, p.b.ToggleReaction(ctx, id, "❤️"))
	assert.Equal(t, map[string]string{"u2": "❤️"}, p.a.Messages()[0].Reactions)

	assert.ErrorIs(t, p.b.Delete(ctx, id), ErrNotSender)
	require.NoError(t, p.a.Delete(ctx, id))
	assert.Empty(t, p.a.Messages())
	assert.Empty(t, p.b.Messages())
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	_, err := p.a.Send(ctx, Draft{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, p.mem.Writes())

	_, err = NewConversation(ConversationConfig{Store: p.mem.Client("x"), Me: ann})
	assert.ErrorIs(t, err, ErrNoRecipient)

	// одно вложение без текста допустимо
	_, err = p.a.Send(ctx, Draft{Attachment: Stickers[0].Attachment()})
	require.NoError(t, err)
	m := p.b.Messages()[0]
	require.NotNil(t, m.Attachment)
	assert.Equal(t, domain.AttachmentSticker, m.Attachment.Type)
	assert.Equal(t, "", m.Text)
}

func TestReactionToggle(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	id, err := p.a.Send(ctx, Draft{Text: "react"})
	require.NoError(t, err)

	require.NoError(t, p.b.ToggleReaction(ctx, id, "👍"))
	assert.Equal(t, map[string]string{"u2": "👍"}, p.b.Messages()[0].Reactions)
	require.NoError(t, p.b.ToggleReaction(ctx, id, "👍"))
	assert.Empty(t, p.b.Messages()[0].Reactions)

	require.NoError(t, p.b.ToggleReaction(ctx, id, "👍"))
	require.NoError(t, p.b.ToggleReaction(ctx, id, "😮"))
	require.NoError(t, p.a.ToggleReaction(ctx, id, "👍"))
	assert.Equal(t, map[string]string{"u2": "😮", "u1": "👍"}, p.a.Messages()[0].Reactions)

	assert.ErrorIs(t, p.b.ToggleReaction(ctx, id, "ok"), ErrInvalidReaction)
	assert.ErrorIs(t, p.b.ToggleReaction(ctx, "missing", "👍"), ErrMessageNotFound)
}

func TestGroupReactions(t *testing.T) {
	reactions := map[string]string{"u3": "👍", "u1": "❤️", "u2": "👍"}
	got := GroupReactions(reactions, nil)
	assert.Equal(t, []ReactionCount{{Emoji: "❤️", Count: 1}, {Emoji: "👍", Count: 2}}, got)

	// u3 отреагировал первым, u2 еще не подтвержден
	reactedAt := map[string]string{
		"u3": "2024-03-01T09:00:00.000000Z",
		"u1": "2024-03-01T09:05:00.000000Z",
	}
	got = GroupReactions(reactions, reactedAt)
	assert.Equal(t, []ReactionCount{{Emoji: "👍", Count: 2}, {Emoji: "❤️", Count: 1}}, got)
	assert.Empty(t, GroupReactions(nil, nil))
}

func TestReactionOrderFollowsFirstReaction(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	id, err := p.a.Send(ctx, Draft{Text: "vote"})
	require.NoError(t, err)

	p.mock.Add(time.Second)
	require.NoError(t, p.b.ToggleReaction(ctx, id, "😮"))
	p.mock.Add(time.Second)
	require.NoError(t, p.a.ToggleReaction(ctx, id, "👍"))

	m := p.a.Messages()[0]
	assert.Equal(t, []ReactionCount{{Emoji: "😮", Count: 1}, {Emoji: "👍", Count: 1}}, GroupReactions(m.Reactions, m.ReactedAt))

	// замена эмодзи не двигает участника
	p.mock.Add(time.Second)
	require.NoError(t, p.b.ToggleReaction(ctx, id, "🎉"))
	m = p.a.Messages()[0]
	assert.Equal(t, []ReactionCount{{Emoji: "🎉", Count: 1}, {Emoji: "👍", Count: 1}}, GroupReactions(m.Reactions, m.ReactedAt))

	// снятие реакции убирает и время
	require.NoError(t, p.b.ToggleReaction(ctx, id, "🎉"))
	m = p.a.Messages()[0]
	assert.NotContains(t, m.ReactedAt, "u2")
	assert.Equal(t, []ReactionCount{{Emoji: "👍", Count: 1}}, GroupReactions(m.Reactions, m.ReactedAt))
}

func TestTogglePinEitherParticipant(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	id, err := p.a.Send(ctx, Draft{Text: "important"})
	require.NoError(t, err)
	_, err = p.a.Send(ctx, Draft{Text: "chatter"})
	require.NoError(t, err)

	require.NoError(t, p.b.TogglePin(ctx, id))
	pinned := p.a.Pinned()
	require.Len(t, pinned, 1)
	assert.Equal(t, id, pinned[0].ID)

	require.NoError(t, p.a.TogglePin(ctx, id))
	assert.Empty(t, p.b.Pinned())
}

func TestFocusedReceiverMarksReadOnce(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.bFoc.Set(true)

	_, err := p.a.Send(ctx, Draft{Text: "one"})
	require.NoError(t, err)
	assert.True(t, p.a.Messages()[0].IsRead)

	// правка и реакция приходят как modified и не порождают новых отметок
	id := p.a.Messages()[0].ID
	require.NoError(t, p.a.Edit(ctx, id, "one!"))
	require.NoError(t, p.b.ToggleReaction(ctx, id, "👍"))
	assert.Equal(t, 1, countUpdates(p.mem, "isRead"))
}

func TestOnFocusCatchesUp(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	_, err := p.a.Send(ctx, Draft{Text: "one"})
	require.NoError(t, err)
	p.mock.Add(time.Second)
	_, err = p.a.Send(ctx, Draft{Text: "two"})
	require.NoError(t, err)
	assert.Equal(t, 0, countUpdates(p.mem, "isRead"))

	require.NoError(t, p.b.OnFocus(ctx))
	for _, m := range p.a.Messages() {
		assert.True(t, m.IsRead)
	}
	assert.Equal(t, 2, countUpdates(p.mem, "isRead"))
}

func TestMessagesOrderedByCreatedAt(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	var updates []Update
	require.NoError(t, p.b.Subscribe(ctx, func(u Update) { updates = append(updates, u) }))

	for i, text := range []string{"a", "b", "c", "d"} {
		conv := p.a
		if i%2 == 1 {
			conv = p.b
		}
		_, err := conv.Send(ctx, Draft{Text: text})
		require.NoError(t, err)
		p.mock.Add(time.Millisecond)
	}

	for _, u := range updates {
		var prev *time.Time
		for _, m := range u.Messages {
			if m.CreatedAt == nil {
				continue
			}
			if prev != nil {
				assert.False(t, m.CreatedAt.Before(*prev))
			}
			prev = m.CreatedAt
		}
	}
	texts := []string{}
	for _, m := range p.b.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts)
}

func TestUpdateReportsOnlyAdded(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	var added int
	require.NoError(t, p.b.Subscribe(ctx, func(u Update) { added += len(u.Added) }))

	id, err := p.a.Send(ctx, Draft{Text: "x"})
	require.NoError(t, err)
	require.NoError(t, p.a.Edit(ctx, id, "y"))
	require.NoError(t, p.a.TogglePin(ctx, id))
	assert.Equal(t, 1, added)
}

func TestReplyKeepsSnapshotAfterDelete(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	orig, err := p.a.Send(ctx, Draft{Attachment: &domain.Attachment{Type: domain.AttachmentFile, Data: "data:text/plain;base64,eA==", Name: "x.txt"}})
	require.NoError(t, err)
	target := p.b.Messages()[0]

	p.mock.Add(time.Second)
	_, err = p.b.Send(ctx, Draft{Text: "what is this", ReplyTo: &target})
	require.NoError(t, err)
	require.NoError(t, p.a.Delete(ctx, orig))

	msgs := p.a.Messages()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReplyTo)
	assert.Equal(t, domain.ReplyRef{ID: orig, Text: AttachmentPlaceholder, SenderName: "Ann"}, *msgs[0].ReplyTo)
}

type writeLog struct {
	mu     sync.Mutex
	values []bool
}

func (w *writeLog) add(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values = append(w.values, v)
}

func (w *writeLog) get() []bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bool(nil), w.values...)
}

func TestTypingBurstScenario(t *testing.T) {
	p := newPair(t)

	var peer writeLog
	sub, err := p.b.WatchPeerTyping(peer.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	burst := func() {
		for i := 0; i < 5; i++ {
			p.a.Keystroke()
			p.mock.Add(100 * time.Millisecond)
		}
	}

	burst()
	p.mock.Add(2500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(peer.get()) == 3 }, time.Second, 5*time.Millisecond)

	burst()
	p.mock.Add(2500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(peer.get()) == 5 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{false, true, false, true, false}, peer.get())

	sets := 0
	for _, w := range p.mem.Writes() {
		if w.Collection == domain.CollectionChatStatus {
			sets++
		}
	}
	assert.Equal(t, 4, sets)
}

func TestTypingSwallowsPermissionDenied(t *testing.T) {
	mock := clock.NewMock()
	var calls writeLog
	typing := NewTyping(func(_ context.Context, v bool) error {
		calls.add(v)
		return apperrors.ErrPermissionDenied
	}, mock, time.Second, nil)

	typing.Keystroke()
	typing.Keystroke()
	assert.True(t, typing.Active())
	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return len(calls.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, typing.Active())
	assert.Equal(t, []bool{true, false}, calls.get())
}

func TestSendClearsTyping(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.a.Keystroke()
	_, err := p.a.Send(ctx, Draft{Text: "done"})
	require.NoError(t, err)
	assert.False(t, p.a.Typing().Active())

	doc, err := p.mem.Client("observer").Get(ctx, domain.CollectionChatStatus, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, false, doc.Fields["typing_u1"])
}

func TestComposerRestoresDraftOnFailure(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	rec := &alert.Recorder{}
	comp := NewComposer(p.a, rec)

	_, err := comp.Submit(ctx)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, rec.Toasts())

	boom := errors.New("network down")
	p.mem.FailNext("add", boom)
	comp.SetText("hello")
	_, err = comp.Submit(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "hello", comp.Draft().Text)
	require.Len(t, rec.Toasts(), 1)
	assert.Equal(t, alert.LevelError, rec.Toasts()[0].Level)

	id, err := comp.Submit(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, comp.Draft().Empty())
	assert.Len(t, rec.Toasts(), 1)
}

func TestNewAttachment(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	a, err := NewAttachment("pic.png", "", png, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentImage, a.Type)
	assert.True(t, strings.HasPrefix(a.Data, "data:image/png;base64,"))

	mime, data, err := DecodeDataURL(a.Data)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, png, data)

	a, err = NewAttachment("notes.txt", "text/plain; charset=utf-8", []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentFile, a.Type)

	_, err = NewAttachment("big.bin", "application/octet-stream", make([]byte, DefaultAttachmentLimit+1), 0)
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)
	assert.ErrorIs(t, err, apperrors.ErrPayloadTooLarge)

	memo, err := NewVoiceMemo("", []byte("ogg"), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentAudio, memo.Type)
	assert.Equal(t, VoiceMemoName, memo.Name)
}

type fakeUploader struct {
	calls int
}

func (f *fakeUploader) Upload(_ context.Context, provider, objectPath, _ string, _ []byte) (string, error) {
	f.calls++
	return provider + ":" + objectPath, nil
}

func (f *fakeUploader) PublicURL(ref string) string { return "https://files.test/" + ref }

func TestUploadAttachmentChecksSizeFirst(t *testing.T) {
	up := &fakeUploader{}
	_, err := UploadAttachment(context.Background(), up, "local", "u1", "big.bin", "", make([]byte, 11), 10)
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)
	assert.Equal(t, 0, up.calls)

	a, err := UploadAttachment(context.Background(), up, "local", "u1", "a.txt", "text/plain", []byte("x"), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls)
	assert.True(t, strings.HasPrefix(a.Data, "https://files.test/local:attachments/u1/"))
}

func TestSearchAndLinks(t *testing.T) {
	msgs := []domain.Message{{ID: "1", Text: "Kanban board"}, {ID: "2", Text: "see the BOARD"}, {ID: "3", Text: "nothing"}}
	assert.Len(t, Search(msgs, "board"), 2)
	assert.Len(t, Search(msgs, "  "), 3)

	links := ExtractLinks("see https://example.com/a and http://x.org, again https://example.com/a ftp://nope.org")
	assert.Equal(t, []string{"https://example.com/a", "http://x.org"}, links)
}

func TestLinkPreviewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("url") {
		case "https://example.com":
			_, _ = w.Write([]byte(`{"status":"success","data":{"title":"Example","image":{"url":"https://example.com/i.png"}}}`))
		default:
			_, _ = w.Write([]byte(`{"status":"success","data":{}}`))
		}
	}))
	defer srv.Close()

	p := NewLinkPreviewer(srv.URL, time.Second)
	preview, err := p.Preview(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.Equal(t, "Example", preview.Title)
	assert.Equal(t, "example.com", preview.Host)

	preview, err = p.Preview(context.Background(), "https://empty.example.com")
	require.NoError(t, err)
	assert.Nil(t, preview)
}

func TestTypingWritesLandInTransitionOrder(t *testing.T) {
	mock := clock.NewMock()
	started := make(chan struct{})
	release := make(chan struct{})
	var landed writeLog
	typing := NewTyping(func(_ context.Context, v bool) error {
		if v {
			close(started)
			<-release
		}
		landed.add(v)
		return nil
	}, mock, 2*time.Second, nil)

	go typing.Keystroke()
	<-started

	// тишина истекает, пока запись true еще в пути
	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return !typing.Active() }, time.Second, 5*time.Millisecond)
	assert.Empty(t, landed.get())

	close(release)
	require.Eventually(t, func() bool { return len(landed.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, landed.get())
}

func TestSubmitAfterIdleDoesNotToggleTyping(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	comp := NewComposer(p.a, nil)

	statusWrites := func() int {
		n := 0
		for _, w := range p.mem.Writes() {
			if w.Collection == domain.CollectionChatStatus {
				n++
			}
		}
		return n
	}

	for i := 0; i < 3; i++ {
		p.a.Keystroke()
	}
	p.mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return statusWrites() == 2 }, time.Second, 5*time.Millisecond)

	_, err := comp.SubmitText(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, statusWrites())
	assert.False(t, p.a.Typing().Active())
	require.Len(t, p.a.Messages(), 1)
	assert.Equal(t, "hello", p.a.Messages()[0].Text)
}
