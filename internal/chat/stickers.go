package chat

import "lab_collab/internal/domain"

type Sticker struct {
	ID   string
	URL  string
	Name string
}

func (s Sticker) Attachment() *domain.Attachment {
	return &domain.Attachment{Type: domain.AttachmentSticker, Data: s.URL, Name: "Sticker"}
}

var Stickers = []Sticker{
	{ID: "1", URL: "https://media.giphy.com/media/L2A3X8cnsyIVwZgIOr/giphy.gif", Name: "Thumbs Up Dog"},
	{ID: "2", URL: "https://media.giphy.com/media/2wgZJhWgRgCqfKGq2e/giphy.gif", Name: "Happy Dance"},
	{ID: "3", URL: "https://media.giphy.com/media/tIe1O2s6ZkS6U0D759/giphy.gif", Name: "Cool Cat"},
	{ID: "4", URL: "https://media.giphy.com/media/Wgb2FpSXxhXLVYNnUr/giphy.gif", Name: "Mind Blown"},
	{ID: "5", URL: "https://media.giphy.com/media/3o72FkiKWMGcauifnO/giphy.gif", Name: "Typing Fast"},
	{ID: "6", URL: "https://media.giphy.com/media/3oz8xAFtjouKvtOU1s/giphy.gif", Name: "Yes/Approve"},
	{ID: "7", URL: "https://media.giphy.com/media/iYtLXXw0m3wK0M5fci/giphy.gif", Name: "Wave"},
	{ID: "8", URL: "https://media.giphy.com/media/1gdrVv6AtrrEaKItWc/giphy.gif", Name: "Heart"},
}

func FindSticker(id string) (Sticker, bool) {
	for _, s := range Stickers {
		if s.ID == id {
			return s, true
		}
	}
	return Sticker{}, false
}
