// Package chat - личная переписка двух участников поверх документного хранилища:
// живой список сообщений канала, отправка, прочтение, реакции, закрепление,
// правка, удаление и индикатор набора текста.
package chat

import (
	"fmt"
	"sort"
	"strings"

	apperrors "lab_collab/pkg/errors"
)

// Separator не может встречаться в идентификаторах участников
const Separator = "_"

// Participant - участник канала
type Participant struct {
	ID   string
	Name string
}

// ValidateParticipantID проверяет, что id годится для ChannelID и для путей полей ("reactions.<id>")
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty participant id", apperrors.ErrInvalidArgument)
	}
	if strings.Contains(id, Separator) || strings.ContainsAny(id, "./") {
		return fmt.Errorf("%w: participant id %q contains a reserved character", apperrors.ErrInvalidArgument, id)
	}
	return nil
}

// ChannelID - идентификатор канала пары участников: одинаков для (a, b) и (b, a)
func ChannelID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, Separator)
}
