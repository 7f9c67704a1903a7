package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/session"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() }) //nolint:errcheck
	s, err := New(Options{Redis: rdb})
	require.NoError(t, err)
	return s, mr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, pair, err := s.Create(ctx, "acme", "beginner", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, "acme", sess.Tenant)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, time.Hour, pair.ExpiresIn)
	require.Equal(t, session.HashToken(pair.RefreshToken), sess.RefreshTokenHash)

	got, ok, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "acme", got.Tenant)
	require.Equal(t, "beginner", got.UserLevel)
	require.Equal(t, sess.RefreshTokenHash, got.RefreshTokenHash)
	require.True(t, got.IssuedAt.Equal(sess.IssuedAt.Truncate(time.Second)))

	_, ok, err = s.Get(ctx, "no-such-session")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateRequiresTenant(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Create(context.Background(), "", "", time.Hour)
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRotateIssuesNewPair(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, pair, err := s.Create(ctx, "acme", "advanced", time.Hour)
	require.NoError(t, err)

	rotated, next, err := s.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, sess.ID, rotated.ID)
	require.Equal(t, "acme", rotated.Tenant)
	require.Equal(t, "advanced", rotated.UserLevel)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	require.Equal(t, session.HashToken(next.RefreshToken), rotated.RefreshTokenHash)

	// The stored hash now matches the new token, so the new token rotates too.
	got, ok, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rotated.RefreshTokenHash, got.RefreshTokenHash)

	_, _, err = s.Rotate(ctx, next.RefreshToken)
	require.NoError(t, err)
}

func TestRotateUnknownToken(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Rotate(context.Background(), "never-issued")
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))

	_, _, err = s.Rotate(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestRotateReplayDestroysSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, pair, err := s.Create(ctx, "acme", "", time.Hour)
	require.NoError(t, err)

	_, next, err := s.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Presenting the consumed token again invalidates the whole session.
	_, _, err = s.Rotate(ctx, pair.RefreshToken)
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))

	_, ok, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)

	// The replacement token died with the session.
	_, _, err = s.Rotate(ctx, next.RefreshToken)
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestInvalidate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, pair, err := s.Create(ctx, "acme", "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Invalidate(ctx, sess.ID))

	_, ok, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = s.Rotate(ctx, pair.RefreshToken)
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestSessionExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.Create(ctx, "acme", "", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
