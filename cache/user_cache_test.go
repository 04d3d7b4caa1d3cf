package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tradekit.io/authcore/domain"
)

// stubUserRepo serves a single user record and counts loads.
type stubUserRepo struct {
	user  *domain.User
	loads int
}

func (r *stubUserRepo) Insert(context.Context, *domain.User) (int64, error) { return 0, nil }
func (r *stubUserRepo) Update(context.Context, *domain.User) error          { return nil }

func (r *stubUserRepo) GetByUsername(context.Context, string) (*domain.User, error) {
	return nil, domain.ErrNotFound
}

func (r *stubUserRepo) GetByID(_ context.Context, id int64) (*domain.User, error) {
	if r.user == nil || r.user.ID != id {
		return nil, domain.ErrNotFound
	}
	r.loads++
	copied := *r.user
	return &copied, nil
}

func newCachedUser() *domain.User {
	u := &domain.User{
		ID:       7,
		GroupID:  1,
		Status:   domain.UserStatusActive,
		Username: "jdoe",
	}
	u.Secrets.Checksum = []byte{0x01, 0x02, 0x03}
	u.Secrets.Credentials = []byte{0x04, 0x05, 0x06}
	u.Secrets.Bindings = map[domain.DeviceType][]byte{
		domain.DeviceWeb: bytes.Repeat([]byte{0x42}, domain.AuthBindingSize),
	}
	return u
}

func TestGetReadsThrough(t *testing.T) {
	repo := &stubUserRepo{user: newCachedUser()}
	c := NewUserCache(repo, time.Minute)
	t.Cleanup(c.Stop)
	ctx := context.Background()

	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", got.Username)
	assert.Equal(t, 1, repo.loads)

	_, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loads)

	c.Invalidate(7)
	_, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loads)

	_, err = c.Get(ctx, 8)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Every Get hands out a private copy: mutations made by one request must
// never be visible through another request's instance.
func TestGetReturnsPrivateCopies(t *testing.T) {
	repo := &stubUserRepo{user: newCachedUser()}
	c := NewUserCache(repo, time.Minute)
	t.Cleanup(c.Stop)
	ctx := context.Background()

	first, err := c.Get(ctx, 7)
	require.NoError(t, err)
	second, err := c.Get(ctx, 7)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	first.GroupID = 99
	first.Secrets.Checksum[0] ^= 0xff
	first.Secrets.Credentials[0] ^= 0xff
	first.Secrets.Bindings[domain.DeviceWeb][0] ^= 0xff
	first.MarkChecksumVerified()

	fresh, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.GroupID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, fresh.Secrets.Checksum)
	assert.Equal(t, []byte{0x04, 0x05, 0x06}, fresh.Secrets.Credentials)
	assert.Equal(t, byte(0x42), fresh.Secrets.Bindings[domain.DeviceWeb][0])
	assert.False(t, fresh.ChecksumVerified())
	assert.Equal(t, 1, repo.loads)
}
