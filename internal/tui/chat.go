package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"

	"lab_collab/internal/chat"
	"lab_collab/internal/domain"
)

const (
	// провайдер файлового хранилища для вложений
	attachmentProvider = "local"
	defaultReaction    = "👍"
)

func (m Model) openChat(p domain.Profile) (tea.Model, tea.Cmd) {
	peer := chat.Participant{ID: p.UID, Name: p.DisplayName()}
	conv, err := chat.NewConversation(chat.ConversationConfig{
		Store:       m.deps.Store,
		Me:          m.deps.Me,
		Peer:        peer,
		Focus:       m.deps.Focus,
		TypingQuiet: m.deps.TypingQuiet,
		Log:         m.deps.Log,
	})
	if err != nil {
		m.err = err
		return m, nil
	}

	if err := conv.Subscribe(m.ctx, func(u chat.Update) {
		m.push(conversationMsg{conv: conv, update: u})
	}); err != nil {
		m.err = err
		return m, nil
	}
	typingSub, err := conv.WatchPeerTyping(func(typing bool) {
		m.push(peerTypingMsg{conv: conv, typing: typing})
	})
	if err != nil {
		m.deps.Log.Warn("Failed to watch peer typing", "error", err, "chat_id", conv.ChannelID())
	}

	m.screen = screenChat
	m.conv = conv
	m.composer = chat.NewComposer(conv, m.deps.Toasts)
	m.typingSub = typingSub
	m.peer = peer
	m.messages = nil
	m.filter = ""
	m.selected = -1
	m.peerTyping = false
	m.err = nil
	m.status = ""
	m.textarea.Reset()
	m.textarea.Focus()
	m.viewport.SetContent("")
	return m, tea.Batch(textarea.Blink, m.setRouteCmd(RouteChat+"/"+p.UID))
}

func (m *Model) closeChat() {
	if m.typingSub != nil {
		m.typingSub.Unsubscribe()
		m.typingSub = nil
	}
	if m.conv != nil {
		m.conv.Close()
		m.conv = nil
	}
	m.composer = nil
}

// visible - сообщения с учетом поиска
func (m Model) visible() []domain.Message {
	if m.filter == "" {
		return m.messages
	}
	return chat.Search(m.messages, m.filter)
}

func (m Model) selectedMessage() (domain.Message, bool) {
	msgs := m.visible()
	if m.selected < 0 || m.selected >= len(msgs) {
		return domain.Message{}, false
	}
	return msgs[m.selected], true
}

func (m *Model) refreshViewport(bottom bool) {
	if m.conv == nil {
		return
	}
	m.viewport.SetContent(renderMessages(m.visible(), m.deps.Me, m.peer, m.selected, m.previews, m.viewport.Width))
	if bottom {
		m.viewport.GotoBottom()
	}
}

// previewCmds запрашивает превью первой ссылки каждого нового сообщения
func (m Model) previewCmds(messages []domain.Message) tea.Cmd {
	if m.deps.Previewer == nil {
		return nil
	}
	var cmds []tea.Cmd
	for _, msg := range messages {
		links := chat.ExtractLinks(msg.Text)
		if len(links) == 0 || m.requested[links[0]] {
			continue
		}
		link := links[0]
		m.requested[link] = true
		previewer := m.deps.Previewer
		cmds = append(cmds, func() tea.Msg {
			ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
			defer cancel()
			preview, err := previewer.Preview(ctx, link)
			if err != nil {
				m.deps.Log.Debug("Link preview unavailable", "error", err, "link", link)
			}
			return previewMsg{link: link, preview: preview}
		})
	}
	return tea.Batch(cmds...)
}

// action выполняет операцию над перепиской вне цикла интерфейса
func (m Model) action(what string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		return actionDoneMsg{what: what, err: fn(ctx)}
	}
}

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	conv := m.conv
	switch msg.String() {
	case "esc":
		if m.filter != "" {
			m.filter = ""
			m.selected = len(m.messages) - 1
			m.refreshViewport(true)
			return m, nil
		}
		m.closeChat()
		m.screen = screenPeers
		m.status = ""
		m.err = nil
		return m, m.setRouteCmd(RoutePeers)

	case "enter":
		text := strings.TrimSpace(m.textarea.Value())
		if strings.HasPrefix(text, "/") {
			m.textarea.Reset()
			return m.runCommand(text)
		}
		composer := m.composer
		m.textarea.Reset()
		m.err = nil
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
			defer cancel()
			_, err := composer.SubmitText(ctx, text)
			return sentMsg{err: err}
		}

	case "ctrl+k":
		if m.selected > 0 {
			m.selected--
			m.refreshViewport(false)
		}
		return m, nil

	case "ctrl+j":
		if m.selected < len(m.visible())-1 {
			m.selected++
			m.refreshViewport(false)
		}
		return m, nil

	case "ctrl+r":
		if target, ok := m.selectedMessage(); ok {
			m.composer.ReplyTo(&target)
			m.status = "Replying to " + senderName(target, m.deps.Me, m.peer)
		}
		return m, nil

	case "ctrl+p":
		if target, ok := m.selectedMessage(); ok {
			return m, m.action("pin", func(ctx context.Context) error { return conv.TogglePin(ctx, target.ID) })
		}
		return m, nil

	case "ctrl+t":
		if target, ok := m.selectedMessage(); ok {
			return m, m.action("react", func(ctx context.Context) error {
				return conv.ToggleReaction(ctx, target.ID, defaultReaction)
			})
		}
		return m, nil

	case "ctrl+d":
		if target, ok := m.selectedMessage(); ok {
			return m, m.action("delete", func(ctx context.Context) error { return conv.Delete(ctx, target.ID) })
		}
		return m, nil

	case "ctrl+e":
		if target, ok := m.selectedMessage(); ok && target.SenderID == m.deps.Me.ID {
			m.textarea.SetValue("/edit " + target.Text)
		}
		return m, nil

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace || msg.Type == tea.KeyBackspace {
		return m, tea.Batch(cmd, func() tea.Msg {
			conv.Keystroke()
			return nil
		})
	}
	return m, cmd
}

// runCommand - команды поля ввода: /edit, /react, /sticker, /attach, /search, /read
func (m Model) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	conv := m.conv
	target, hasTarget := m.selectedMessage()

	switch name {
	case "edit":
		if !hasTarget {
			return m, nil
		}
		return m, m.action("edit", func(ctx context.Context) error { return conv.Edit(ctx, target.ID, arg) })

	case "react":
		if !hasTarget {
			return m, nil
		}
		emoji := arg
		if emoji == "" {
			emoji = defaultReaction
		}
		return m, m.action("react", func(ctx context.Context) error { return conv.ToggleReaction(ctx, target.ID, emoji) })

	case "sticker":
		sticker, ok := chat.FindSticker(arg)
		if !ok {
			m.err = fmt.Errorf("unknown sticker %q", arg)
			return m, nil
		}
		composer := m.composer
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
			defer cancel()
			_, err := composer.SendSticker(ctx, sticker)
			return sentMsg{err: err}
		}

	case "attach":
		return m, m.attachCmd(arg)

	case "search":
		m.filter = arg
		m.selected = len(m.visible()) - 1
		m.refreshViewport(true)
		if arg != "" {
			m.status = fmt.Sprintf("%d messages match %q (esc to clear)", len(m.visible()), arg)
		}
		return m, nil

	case "read":
		return m, m.action("read", conv.MarkAllRead)
	}

	m.err = fmt.Errorf("unknown command /%s", name)
	return m, nil
}

// attachCmd читает файл и либо загружает его в хранилище, либо встраивает
func (m Model) attachCmd(path string) tea.Cmd {
	deps := m.deps
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return attachedMsg{err: fmt.Errorf("failed to read %s: %w", path, err)}
		}
		name := filepath.Base(path)
		if deps.Uploader == nil {
			a, err := chat.NewAttachment(name, "", data, deps.AttachmentLimit)
			return attachedMsg{attachment: a, err: err}
		}
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		a, err := chat.UploadAttachment(ctx, deps.Uploader, attachmentProvider, deps.Me.ID, name, "", data, deps.AttachmentLimit)
		return attachedMsg{attachment: a, err: err}
	}
}

func (m Model) viewChat() string {
	state := offlineStyle.Render("○ offline")
	if m.online[m.peer.ID] {
		state = onlineStyle.Render("● online")
	}
	s := titleStyle.Render(fmt.Sprintf("💬 %s", m.peer.Name)) + "  " + state + "\n"

	if pinned := renderPinned(chat.Pinned(m.messages), m.width); pinned != "" {
		s += pinned + "\n"
	}
	if len(m.visible()) == 0 {
		s += helpStyle.Render("  No messages yet.") + "\n"
	} else {
		s += m.viewport.View() + "\n"
	}

	if m.peerTyping {
		s += statusStyle.Render(m.peer.Name+" is typing...") + "\n"
	} else {
		s += "\n"
	}
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	} else if m.status != "" {
		s += statusStyle.Render(m.status) + "\n"
	}

	if m.composer != nil {
		draft := m.composer.Draft()
		if draft.ReplyTo != nil {
			s += replyStyle.Render("↪ "+senderName(*draft.ReplyTo, m.deps.Me, m.peer)) + "\n"
		}
		if draft.Attachment != nil {
			s += inputStyle.Render(renderAttachment(draft.Attachment)) + "\n"
		}
	}
	s += m.textarea.View() + "\n"
	s += helpStyle.Render("enter: send • ctrl+j/k: select • ctrl+r: reply • ctrl+t: 👍 • ctrl+p: pin • ctrl+e: edit • ctrl+d: delete • esc: back")
	return s
}
