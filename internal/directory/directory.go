// Package directory - профили участников в коллекции users
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"lab_collab/internal/chat"
	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

type Directory struct {
	store store.DocumentStore
	log   logger.Logger
}

func New(st store.DocumentStore, log logger.Logger) *Directory {
	if log == nil {
		log = logger.NewNop()
	}
	return &Directory{store: st, log: log}
}

// EnsureProfile создает users/<uid> при первом входе; существующий профиль не трогает
func (d *Directory) EnsureProfile(ctx context.Context, uid, name, email string) (domain.Profile, error) {
	if err := chat.ValidateParticipantID(uid); err != nil {
		return domain.Profile{}, err
	}
	doc, err := d.store.Get(ctx, domain.CollectionUsers, uid)
	if err == nil {
		return decodeProfile(doc)
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return domain.Profile{}, fmt.Errorf("failed to load profile %s: %w", uid, err)
	}

	fields := store.Fields{
		"uid":         uid,
		"name":        name,
		"email":       email,
		"role":        domain.DefaultRole,
		"isShowcased": true,
		"updatedAt":   store.ServerTimestamp,
	}
	if err := d.store.Set(ctx, domain.CollectionUsers, uid, fields, true); err != nil {
		return domain.Profile{}, fmt.Errorf("failed to create profile %s: %w", uid, err)
	}
	d.log.Info("Profile created", "user_id", uid)
	return domain.Profile{UID: uid, Name: name, Email: email, Role: domain.DefaultRole, IsShowcased: true}, nil
}

// ProfileUpdate - изменяемые поля профиля; nil означает "не менять"
type ProfileUpdate struct {
	Name     *string
	PhotoURL *string
	Role     *string
}

func (d *Directory) UpdateProfile(ctx context.Context, uid string, upd ProfileUpdate) error {
	fields := store.Fields{"updatedAt": store.ServerTimestamp}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", apperrors.ErrInvalidArgument)
		}
		fields["name"] = name
	}
	if upd.PhotoURL != nil {
		fields["photoURL"] = *upd.PhotoURL
	}
	if upd.Role != nil {
		fields["role"] = strings.TrimSpace(*upd.Role)
	}
	if err := d.store.Set(ctx, domain.CollectionUsers, uid, fields, true); err != nil {
		return fmt.Errorf("failed to update profile %s: %w", uid, err)
	}
	return nil
}

// Get - профиль участника
func (d *Directory) Get(ctx context.Context, uid string) (domain.Profile, error) {
	doc, err := d.store.Get(ctx, domain.CollectionUsers, uid)
	if err != nil {
		return domain.Profile{}, err
	}
	return decodeProfile(doc)
}

// ListPeers - все участники кроме me, по имени. Битые записи пропускаются.
func (d *Directory) ListPeers(ctx context.Context, me string) ([]domain.Profile, error) {
	docs, err := d.store.Fetch(ctx, store.Collection(domain.CollectionUsers))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	var out []domain.Profile
	for _, doc := range docs {
		if doc.ID == me {
			continue
		}
		p, err := decodeProfile(doc)
		if err != nil {
			d.log.Warn("Skipping malformed user record", "user_id", doc.ID, "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName()) < strings.ToLower(out[j].DisplayName())
	})
	return out, nil
}

func decodeProfile(doc store.Document) (domain.Profile, error) {
	if err := chat.ValidateParticipantID(doc.ID); err != nil {
		return domain.Profile{}, err
	}
	var p domain.Profile
	if err := doc.Decode(&p); err != nil {
		return domain.Profile{}, err
	}
	p.UID = doc.ID
	return p, nil
}
