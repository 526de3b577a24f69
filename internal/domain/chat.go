package domain

import (
	"time"
)

const (
	CollectionUsers          = "users"
	CollectionDirectMessages = "direct_messages"
	CollectionChatStatus     = "chat_status"

	// StatusRoot - корень записей присутствия в realtime хранилище
	StatusRoot = "/status"
)

// Message - документ direct_messages/<id>
type Message struct {
	ID         string            `json:"-"`
	ChatID     string            `json:"chatId"`
	SenderID   string            `json:"senderId"`
	ReceiverID string            `json:"receiverId"`
	Text       string            `json:"text"`
	CreatedAt  *time.Time        `json:"-"`
	IsRead     bool              `json:"isRead"`
	IsPinned   bool              `json:"isPinned"`
	IsEdited   bool              `json:"isEdited"`
	Reactions  map[string]string `json:"reactions"`
	// ReactedAt - время первой реакции участника; пусто, пока запись не подтверждена
	ReactedAt  map[string]string `json:"reactedAt,omitempty"`
	ReplyTo    *ReplyRef         `json:"replyTo"`
	Attachment *Attachment       `json:"attachment"`
	// Pending - локальное эхо, еще не подтвержденное сервером
	Pending bool `json:"-"`
}

// ReplyRef - снимок сообщения, на которое отвечают. Не обновляется.
type ReplyRef struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

type AttachmentType string

const (
	AttachmentImage   AttachmentType = "image"
	AttachmentFile    AttachmentType = "file"
	AttachmentAudio   AttachmentType = "audio"
	AttachmentSticker AttachmentType = "sticker"
)

// Attachment - вложение: data URL, ссылка на хранилище или id стикера
type Attachment struct {
	Type AttachmentType `json:"type"`
	Data string         `json:"data"`
	Name string         `json:"name"`
}

// ChannelStatus - документ chat_status/<chatId> с флагами typing_<uid>
type ChannelStatus map[string]bool

// TypingField - ключ флага набора текста для участника
func TypingField(uid string) string {
	return "typing_" + uid
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceRecord - значение /status/<uid>
type PresenceRecord struct {
	State       string `json:"state"`
	LastChanged string `json:"last_changed,omitempty"`
	Name        string `json:"name,omitempty"`
}

func StatusPath(uid string) string {
	return StatusRoot + "/" + uid
}
