package tui

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"lab_collab/internal/chat"
	"lab_collab/internal/domain"
)

const minWrapWidth = 20

func wrapWidth(width int) int {
	if width-4 < minWrapWidth {
		return minWrapWidth
	}
	return width - 4
}

func senderName(m domain.Message, me, peer chat.Participant) string {
	if m.SenderID == me.ID {
		return "You"
	}
	if peer.Name != "" {
		return peer.Name
	}
	return m.SenderID
}

func timestamp(m domain.Message) string {
	if m.CreatedAt == nil {
		return "sending..."
	}
	return m.CreatedAt.Local().Format("15:04")
}

func renderAttachment(a *domain.Attachment) string {
	switch a.Type {
	case domain.AttachmentSticker:
		return "🖼 " + a.Name
	case domain.AttachmentImage:
		return "📷 " + a.Name
	case domain.AttachmentAudio:
		return "🎤 " + a.Name
	default:
		return "📎 " + a.Name
	}
}

func renderReactions(m domain.Message) string {
	counts := chat.GroupReactions(m.Reactions, m.ReactedAt)
	parts := make([]string, 0, len(counts))
	for _, rc := range counts {
		parts = append(parts, fmt.Sprintf("%s %d", rc.Emoji, rc.Count))
	}
	return strings.Join(parts, "  ")
}

// renderMessage рисует одно сообщение с ответом, вложением, реакциями и превью ссылки
func renderMessage(m domain.Message, me, peer chat.Participant, selected bool, preview *chat.LinkPreview, width int) string {
	w := wrapWidth(width)
	var b strings.Builder

	mark := "  "
	if selected {
		mark = selectedMarkStyle.Render("▌ ")
	}

	header := fmt.Sprintf("%s • %s", senderName(m, me, peer), timestamp(m))
	if m.IsEdited {
		header += " • edited"
	}
	if m.IsPinned {
		header += " • 📌"
	}
	if m.SenderID == me.ID && m.IsRead {
		header += " • ✓✓"
	}
	b.WriteString(mark + messageHeaderStyle.Render(header) + "\n")

	if m.ReplyTo != nil {
		quoted := truncate.StringWithTail(m.ReplyTo.Text, uint(w-8), "…")
		b.WriteString(mark + replyStyle.Render(m.ReplyTo.SenderName+": "+quoted) + "\n")
	}

	body := messageFromPeerStyle
	if m.SenderID == me.ID {
		body = messageFromMeStyle
	}
	if m.Text != "" {
		for _, line := range strings.Split(wordwrap.String(m.Text, w-2), "\n") {
			b.WriteString(mark + body.Render(line) + "\n")
		}
	}
	if m.Attachment != nil {
		b.WriteString(mark + messageHeaderStyle.Render(renderAttachment(m.Attachment)) + "\n")
	}
	if preview != nil {
		line := "🔗 " + preview.Host
		if preview.Title != "" {
			line += " · " + preview.Title
		}
		b.WriteString(mark + previewStyle.Render(truncate.StringWithTail(line, uint(w-2), "…")) + "\n")
	}
	if len(m.Reactions) > 0 {
		b.WriteString(mark + renderReactions(m) + "\n")
	}
	return b.String()
}

func renderMessages(messages []domain.Message, me, peer chat.Participant, selected int, previews map[string]*chat.LinkPreview, width int) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		var preview *chat.LinkPreview
		if links := chat.ExtractLinks(m.Text); len(links) > 0 {
			preview = previews[links[0]]
		}
		b.WriteString(renderMessage(m, me, peer, i == selected, preview, width))
	}
	return b.String()
}

// renderPinned - полоса закрепленных сообщений над перепиской
func renderPinned(pinned []domain.Message, width int) string {
	if len(pinned) == 0 {
		return ""
	}
	texts := make([]string, 0, len(pinned))
	for _, m := range pinned {
		text := m.Text
		if text == "" {
			text = chat.AttachmentPlaceholder
		}
		texts = append(texts, text)
	}
	line := fmt.Sprintf("📌 %d pinned: %s", len(pinned), strings.Join(texts, " | "))
	return pinnedBarStyle.Render(truncate.StringWithTail(line, uint(wrapWidth(width)), "…"))
}
