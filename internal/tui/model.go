// Package tui - терминальный интерфейс labchat: список участников с
// присутствием и экран переписки.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"lab_collab/internal/alert"
	"lab_collab/internal/chat"
	"lab_collab/internal/directory"
	"lab_collab/internal/domain"
	"lab_collab/internal/notify"
	"lab_collab/internal/presence"
	"lab_collab/internal/realtime"
	"lab_collab/internal/store"
	"lab_collab/pkg/logger"
)

const (
	RoutePeers = "/peers"
	RouteChat  = notify.DefaultMessagingRoute

	actionTimeout = 10 * time.Second
	eventBuffer   = 64
)

// Deps - все, с чем работает интерфейс. FanOut, Previewer и Uploader необязательны.
type Deps struct {
	Store           store.DocumentStore
	Realtime        realtime.Store
	Directory       *directory.Directory
	FanOut          *notify.FanOut
	Uploader        chat.Uploader
	Previewer       *chat.LinkPreviewer
	Toasts          *alert.Feed
	Focus           *alert.Focus
	Me              chat.Participant
	TypingQuiet     time.Duration
	AttachmentLimit int64
	Log             logger.Logger
}

type screen int

const (
	screenPeers screen = iota
	screenChat
)

type peersLoadedMsg struct {
	peers []domain.Profile
	err   error
}

type rosterMsg struct {
	roster presence.Roster
}

type rosterSubscribedMsg struct {
	sub store.Subscription
	err error
}

type conversationMsg struct {
	conv   *chat.Conversation
	update chat.Update
}

type peerTypingMsg struct {
	conv   *chat.Conversation
	typing bool
}

type previewMsg struct {
	link    string
	preview *chat.LinkPreview
}

type toastMsg struct {
	toast alert.Toast
}

type sentMsg struct {
	err error
}

type attachedMsg struct {
	attachment *domain.Attachment
	err        error
}

type actionDoneMsg struct {
	what string
	err  error
}

type peerItem struct {
	profile domain.Profile
	online  bool
}

func (i peerItem) FilterValue() string { return i.profile.DisplayName() }
func (i peerItem) Title() string       { return i.profile.DisplayName() }
func (i peerItem) Description() string {
	state := offlineStyle.Render("○ offline")
	if i.online {
		state = onlineStyle.Render("● online")
	}
	if i.profile.Email == "" {
		return state
	}
	return state + " • " + i.profile.Email
}

type Model struct {
	deps   Deps
	ctx    context.Context
	events chan tea.Msg

	screen   screen
	peers    list.Model
	profiles []domain.Profile
	online   map[string]bool
	roster   *store.Subscription

	conv       *chat.Conversation
	composer   *chat.Composer
	typingSub  store.Subscription
	peer       chat.Participant
	messages   []domain.Message
	filter     string
	selected   int
	peerTyping bool
	previews   map[string]*chat.LinkPreview
	requested  map[string]bool

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	loading  bool
	status   string
	err      error
	width    int
	height   int
}

func New(ctx context.Context, deps Deps) Model {
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	if deps.Toasts == nil {
		deps.Toasts = alert.NewFeed(16)
	}
	if deps.Focus == nil {
		deps.Focus = alert.NewFocus(true)
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "People"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	ta := textarea.New()
	ta.Placeholder = "Message... (/edit /react /sticker /attach /search)"
	ta.CharLimit = 4000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	return Model{
		deps:      deps,
		ctx:       ctx,
		events:    make(chan tea.Msg, eventBuffer),
		peers:     l,
		online:    make(map[string]bool),
		roster:    new(store.Subscription),
		previews:  make(map[string]*chat.LinkPreview),
		requested: make(map[string]bool),
		viewport:  viewport.New(80, 20),
		textarea:  ta,
		spinner:   s,
		loading:   true,
		selected:  -1,
		width:     80,
		height:    30,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.loadPeersCmd(),
		m.watchRosterCmd(),
		waitEvent(m.events),
		waitToast(m.deps.Toasts),
	)
}

// push доставляет событие из колбэка подписки в цикл bubbletea
func (m Model) push(msg tea.Msg) {
	select {
	case m.events <- msg:
	case <-m.ctx.Done():
	}
}

func waitEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-events }
}

func waitToast(feed *alert.Feed) tea.Cmd {
	return func() tea.Msg { return toastMsg{toast: <-feed.C()} }
}

func (m Model) loadPeersCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		peers, err := m.deps.Directory.ListPeers(ctx, m.deps.Me.ID)
		return peersLoadedMsg{peers: peers, err: err}
	}
}

func (m Model) watchRosterCmd() tea.Cmd {
	return func() tea.Msg {
		sub, err := presence.WatchRoster(m.deps.Realtime, m.deps.Log, func(r presence.Roster) {
			m.push(rosterMsg{roster: r})
		})
		return rosterSubscribedMsg{sub: sub, err: err}
	}
}

func (m Model) setRouteCmd(route string) tea.Cmd {
	if m.deps.FanOut == nil {
		return nil
	}
	fanout := m.deps.FanOut
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		return actionDoneMsg{what: "route", err: fanout.SetRoute(ctx, route)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.peers.SetSize(msg.Width, msg.Height-4)
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = msg.Height - 13
		if m.viewport.Height < 3 {
			m.viewport.Height = 3
		}
		m.textarea.SetWidth(msg.Width - 2)
		m.refreshViewport(false)
		return m, nil

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.FocusMsg:
		m.deps.Focus.Set(true)
		if m.conv == nil {
			return m, nil
		}
		conv := m.conv
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
			defer cancel()
			return actionDoneMsg{what: "read", err: conv.OnFocus(ctx)}
		}

	case tea.BlurMsg:
		if m.conv != nil {
			m.conv.OnBlur()
		} else {
			m.deps.Focus.Set(false)
		}
		return m, nil

	case peersLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.profiles = msg.peers
		m.refreshPeers()
		return m, nil

	case rosterSubscribedMsg:
		if msg.err != nil {
			m.deps.Log.Warn("Failed to watch presence", "error", msg.err)
			return m, nil
		}
		*m.roster = msg.sub
		return m, nil

	case rosterMsg:
		online := make(map[string]bool, msg.roster.Count())
		for _, member := range msg.roster.Online {
			online[member.UID] = true
		}
		m.online = online
		m.refreshPeers()
		return m, waitEvent(m.events)

	case conversationMsg:
		if msg.conv != m.conv {
			return m, waitEvent(m.events)
		}
		follow := m.selected < 0 || m.selected >= len(m.visible())-1
		m.messages = msg.update.Messages
		if follow {
			m.selected = len(m.visible()) - 1
		}
		m.refreshViewport(follow)
		return m, tea.Batch(waitEvent(m.events), m.previewCmds(msg.update.Messages))

	case peerTypingMsg:
		if msg.conv == m.conv {
			m.peerTyping = msg.typing
		}
		return m, waitEvent(m.events)

	case previewMsg:
		if msg.preview != nil {
			m.previews[msg.link] = msg.preview
			m.refreshViewport(false)
		}
		return m, nil

	case toastMsg:
		m.status = strings.TrimSpace(msg.toast.Icon + " " + msg.toast.Message)
		return m, waitToast(m.deps.Toasts)

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err
			if m.composer != nil {
				m.textarea.SetValue(m.composer.Draft().Text)
			}
			return m, nil
		}
		m.err = nil
		m.status = ""
		return m, nil

	case attachedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.composer.Attach(msg.attachment)
		m.status = "Attached " + msg.attachment.Name
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %w", msg.what, msg.err)
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.screen == screenChat {
			return m.updateChat(msg)
		}
		return m.updatePeers(msg)
	}

	return m, nil
}

func (m Model) updatePeers(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.peers.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.peers, cmd = m.peers.Update(msg)
		return m, cmd
	}
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "r":
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.loadPeersCmd())
	case "enter":
		item, ok := m.peers.SelectedItem().(peerItem)
		if !ok {
			return m, nil
		}
		return m.openChat(item.profile)
	}
	var cmd tea.Cmd
	m.peers, cmd = m.peers.Update(msg)
	return m, cmd
}

func (m *Model) refreshPeers() {
	items := make([]list.Item, 0, len(m.profiles))
	for _, p := range m.profiles {
		items = append(items, peerItem{profile: p, online: m.online[p.UID]})
	}
	m.peers.SetItems(items)
	m.peers.Title = fmt.Sprintf("People - %d online", len(m.online))
}

// Close освобождает подписки; вызывается после завершения программы
func (m Model) Close() {
	m.closeChat()
	if m.roster != nil && *m.roster != nil {
		(*m.roster).Unsubscribe()
		*m.roster = nil
	}
}

func (m Model) View() string {
	if m.screen == screenChat {
		return m.viewChat()
	}
	if m.loading && len(m.profiles) == 0 {
		return fmt.Sprintf("\n  %s Loading people...\n", m.spinner.View())
	}
	s := m.peers.View() + "\n"
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	} else if m.status != "" {
		s += statusStyle.Render(m.status) + "\n"
	}
	s += helpStyle.Render("enter: open chat • /: filter • r: refresh • q: quit")
	return s
}
