package directory

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
)

func TestEnsureProfileIsIdempotent(t *testing.T) {
	mem := store.NewMemory(clock.NewMock())
	dir := New(mem.Client("u1"), nil)
	ctx := context.Background()

	p, err := dir.EnsureProfile(ctx, "u1", "Ann", "ann@lab.test")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)

	name := "Ann Lee"
	require.NoError(t, dir.UpdateProfile(ctx, "u1", ProfileUpdate{Name: &name}))

	p, err = dir.EnsureProfile(ctx, "u1", "Ann", "ann@lab.test")
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", p.Name)
	assert.Equal(t, "Operative", p.Role)

	empty := " "
	assert.ErrorIs(t, dir.UpdateProfile(ctx, "u1", ProfileUpdate{Name: &empty}), apperrors.ErrInvalidArgument)
}

func TestListPeersSkipsMeAndMalformed(t *testing.T) {
	mem := store.NewMemory(clock.NewMock())
	c := mem.Client("admin")
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "users", "u1", store.Fields{"name": "zed"}, false))
	require.NoError(t, c.Set(ctx, "users", "u2", store.Fields{"name": "Bob"}, false))
	require.NoError(t, c.Set(ctx, "users", "u3", store.Fields{"name": 42}, false))
	require.NoError(t, c.Set(ctx, "users", "bad_id", store.Fields{"name": "x"}, false))
	require.NoError(t, c.Set(ctx, "users", "me", store.Fields{"name": "Me"}, false))

	peers, err := New(c, nil).ListPeers(ctx, "me")
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "u2", peers[0].UID)
	assert.Equal(t, "u1", peers[1].UID)
}
