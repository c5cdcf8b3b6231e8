package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLocker struct {
	acquire bool
	err     error
	calls   int
}

func (l *stubLocker) TryAcquire(context.Context, string, time.Duration) (bool, error) {
	l.calls++
	return l.acquire, l.err
}

func TestSweepOnceStampsExpiredGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	sweeper := NewSweeper(env.grantRepo, nil, time.Minute, testLogger())

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	sweeper.now = func() time.Time { return grant.ExpiresAt.Add(time.Hour) }
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already stamped")

	stored, err := env.grantRepo.FindByID(ctx, nil, grant.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ExpiredAt)
}

func TestSweepOnceHonoursLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	locker := &stubLocker{}
	sweeper := NewSweeper(env.grantRepo, locker, time.Minute, testLogger())
	sweeper.now = func() time.Time { return grant.ExpiresAt.Add(time.Hour) }

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "another replica holds the lease")

	locker.err = errors.New("redis down")
	_, err = sweeper.SweepOnce(ctx)
	assert.Error(t, err)

	locker.err, locker.acquire = nil, true
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 3, locker.calls)
}
