package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBindsOnFirstUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	access, err := env.validator.Validate(ctx, grant.Token, deviceA)
	require.NoError(t, err)
	assert.True(t, access.Grant.IsBound())
	assert.Greater(t, access.Remaining, time.Duration(0))

	access, err = env.validator.Validate(ctx, grant.Token, deviceA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), access.Grant.AccessCount)

	_, err = env.validator.Validate(ctx, grant.Token, deviceB)
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	moved := deviceA
	moved.IP = "203.0.113.11"
	_, err = env.validator.Validate(ctx, grant.Token, moved)
	assert.ErrorIs(t, err, ErrDeviceMismatch, "exact origin policy pins the address")

	stored, err := env.grantRepo.FindByID(ctx, nil, grant.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Fingerprint)
	assert.Equal(t, int64(2), stored.AccessCount)
}

func TestValidateRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	_, err := env.validator.Validate(ctx, "", deviceA)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = env.validator.Validate(ctx, "no-such-token", deviceA)
	assert.ErrorIs(t, err, ErrInvalidToken)

	stranger := deviceA
	stranger.AccountID = "buyer-2"
	_, err = env.validator.Validate(ctx, grant.Token, stranger)
	assert.ErrorIs(t, err, ErrAccessDenied)

	garbled := deviceA
	garbled.IP = "not-an-ip"
	_, err = env.validator.Validate(ctx, grant.Token, garbled)
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	stored, err := env.grantRepo.FindByID(ctx, nil, grant.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsBound(), "rejected requests never bind")
}

func TestValidateExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	env.validator.now = func() time.Time { return grant.ExpiresAt.Add(time.Minute) }

	_, err := env.validator.Validate(ctx, grant.Token, deviceA)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRevokeNeverUnbinds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	_, err := env.validator.Validate(ctx, grant.Token, deviceA)
	require.NoError(t, err)

	require.ErrorIs(t, env.delivery.Revoke(ctx, grant.ID, Requester{AccountID: "buyer-2"}), ErrForbidden)
	require.NoError(t, env.delivery.Revoke(ctx, grant.ID, buyer))
	require.NoError(t, env.delivery.Revoke(ctx, grant.ID, buyer), "revoke is idempotent")

	_, err = env.validator.Validate(ctx, grant.Token, deviceA)
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = env.validator.Validate(ctx, grant.Token, deviceB)
	assert.ErrorIs(t, err, ErrRevoked)

	stored, err := env.grantRepo.FindByID(ctx, nil, grant.ID)
	require.NoError(t, err)
	assert.True(t, stored.Revoked)
	assert.NotNil(t, stored.Fingerprint)
	assert.Equal(t, buyerID, stored.RevokedBy)
}

func TestConcurrentFirstUseBindsOneDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, grant := env.paidDigitalOrder(t)

	devices := []ClientIdentity{deviceA, deviceB}
	errs := make([]error, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d ClientIdentity) {
			defer wg.Done()
			_, errs[i] = env.validator.Validate(ctx, grant.Token, d)
		}(i, d)
	}
	wg.Wait()

	var ok, mismatched int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrDeviceMismatch):
			mismatched++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, mismatched)
}

func TestSubnetOriginPolicy(t *testing.T) {
	policy, err := NewOriginPolicy(OriginSubnet, 24, 64)
	require.NoError(t, err)

	a, err := policy.Key("203.0.113.10")
	require.NoError(t, err)
	b, err := policy.Key("::ffff:203.0.113.200")
	require.NoError(t, err)
	c, err := policy.Key("203.0.114.10")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.0/24", a)
	assert.True(t, policy.Match(a, b))
	assert.False(t, policy.Match(a, c))

	v6, err := policy.Key("2001:db8:1:2::5")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8:1:2::/64", v6)

	_, err = NewOriginPolicy(OriginSubnet, 0, 64)
	assert.Error(t, err)
	_, err = NewOriginPolicy("nearby", 0, 0)
	assert.Error(t, err)
}

func TestFingerprintDependsOnEveryInput(t *testing.T) {
	policy, err := NewOriginPolicy(OriginExact, 0, 0)
	require.NoError(t, err)
	f := NewFingerprinter("fp-secret", policy)

	base, origin, err := f.Derive(deviceA)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", origin)

	again, _, err := f.Derive(deviceA)
	require.NoError(t, err)
	assert.True(t, fingerprintsEqual(base, again))

	variants := map[string]func(*ClientIdentity){
		"user agent": func(id *ClientIdentity) { id.UserAgent = "reader/9" },
		"language":   func(id *ClientIdentity) { id.AcceptLanguage = "fr-FR" },
		"device":     func(id *ClientIdentity) { id.DeviceID = "device-z" },
		"address":    func(id *ClientIdentity) { id.IP = "203.0.113.99" },
	}
	for name, mutate := range variants {
		id := deviceA
		mutate(&id)
		fp, _, err := f.Derive(id)
		require.NoError(t, err)
		assert.False(t, fingerprintsEqual(base, fp), name)
	}

	other, _, err := NewFingerprinter("other-secret", policy).Derive(deviceA)
	require.NoError(t, err)
	assert.False(t, fingerprintsEqual(base, other))
}
