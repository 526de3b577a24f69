package chat

import (
	"sort"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
)

// ValidateReaction - реакция должна быть ровно одним эмодзи
func ValidateReaction(reaction string) error {
	if reaction == "" || strings.IndexFunc(reaction, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r)
	}) >= 0 {
		return ErrInvalidReaction
	}
	if len(gomoji.FindAll(reaction)) != 1 {
		return ErrInvalidReaction
	}
	return nil
}

type ReactionCount struct {
	Emoji string
	Count int
}

// GroupReactions считает реакции в порядке первого появления эмодзи.
// Участники обходятся по времени их реакции (reactedAt); реакции без
// подтвержденного времени считаются самыми новыми, равные - по id.
func GroupReactions(reactions, reactedAt map[string]string) []ReactionCount {
	users := make([]string, 0, len(reactions))
	for uid := range reactions {
		users = append(users, uid)
	}
	sort.Slice(users, func(i, j int) bool {
		ti, tj := reactedAt[users[i]], reactedAt[users[j]]
		if ti != tj {
			switch {
			case ti == "":
				return false
			case tj == "":
				return true
			}
			return ti < tj
		}
		return users[i] < users[j]
	})

	var out []ReactionCount
	index := make(map[string]int)
	for _, uid := range users {
		emoji := reactions[uid]
		if i, ok := index[emoji]; ok {
			out[i].Count++
			continue
		}
		index[emoji] = len(out)
		out = append(out, ReactionCount{Emoji: emoji, Count: 1})
	}
	return out
}
