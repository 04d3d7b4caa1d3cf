package services

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tradekit.io/authcore/config"
	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
)

const testFingerprint = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestSessionService(repo *fakeSessionRepo, clock *frozenClock) *SessionService {
	svc := NewSessionService(repo, testKeychain(), testConfig())
	svc.now = clock.Now
	return svc
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, code, apiErr.Code)
}

func TestSessionCreate(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	sess, tokenHex, err := svc.Create(ctx, "10.0.0.1", "test-agent/1.0", testFingerprint, domain.DeviceWeb)
	require.NoError(t, err)

	assert.NotZero(t, sess.ID)
	assert.Len(t, tokenHex, 64)
	assert.Equal(t, int64(1700000000), sess.IssuedOn)

	// The placeholder checksum was backfilled with the real digest.
	stored, err := repo.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("tba"), stored.Secrets.Checksum)

	loaded, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.True(t, loaded.ChecksumVerified())
}

func TestSessionCreateRateLimit(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	_, _, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	require.NoError(t, err)

	// Second session from the same address inside the window is refused.
	_, _, err = svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	requireCode(t, err, errors.CodeSessionCreateTimeout)

	// Another address is unaffected.
	_, _, err = svc.Create(ctx, "10.0.0.2", "agent", testFingerprint, domain.DeviceWeb)
	assert.NoError(t, err)

	// Past the window the address may create again.
	clock.Advance(61 * time.Second)
	_, _, err = svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	assert.NoError(t, err)
}

func TestSessionCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessionService(newFakeSessionRepo(), newFrozenClock(1700000000))

	t.Run("bad fingerprint", func(t *testing.T) {
		for _, fp := range []string{"", "zz", strings.ToUpper(testFingerprint), testFingerprint + "aa"} {
			_, _, err := svc.Create(ctx, "10.0.0.1", "agent", fp, domain.DeviceWeb)
			requireCode(t, err, errors.CodeFingerprintError)
		}
	})

	t.Run("bad device type", func(t *testing.T) {
		_, _, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceType("desktop"))
		requireCode(t, err, errors.CodeSessionAppTypeError)
	})

	t.Run("bad user agent", func(t *testing.T) {
		_, _, err := svc.Create(ctx, "10.0.0.1", "", testFingerprint, domain.DeviceWeb)
		requireCode(t, err, errors.CodeUserAgentRequired)

		_, _, err = svc.Create(ctx, "10.0.0.1", "agent\x00", testFingerprint, domain.DeviceWeb)
		requireCode(t, err, errors.CodeUserAgentInvalid)
	})
}

func TestSessionResolveChain(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	_, tokenHex, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	require.NoError(t, err)

	t.Run("token required", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "", domain.DeviceWeb, "10.0.0.1", false)
		requireCode(t, err, errors.CodeSessionTokenRequired)
	})

	t.Run("token invalid", func(t *testing.T) {
		_, err := svc.Resolve(ctx, "nothex!", domain.DeviceWeb, "10.0.0.1", false)
		requireCode(t, err, errors.CodeSessionTokenInvalid)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := svc.Resolve(ctx, strings.Repeat("ef", 32), domain.DeviceWeb, "10.0.0.1", false)
		requireCode(t, err, errors.CodeSessionNotFound)
	})

	t.Run("device type mismatch", func(t *testing.T) {
		_, err := svc.Resolve(ctx, tokenHex, domain.DeviceApp, "10.0.0.1", false)
		requireCode(t, err, errors.CodeSessionAppTypeError)
	})

	t.Run("ip mismatch", func(t *testing.T) {
		_, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.9.9.9", false)
		requireCode(t, err, errors.CodeSessionIPError)
	})

	t.Run("idle timeout", func(t *testing.T) {
		clock.Advance(3601 * time.Second)
		defer clock.Advance(-3601 * time.Second)
		_, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
		requireCode(t, err, errors.CodeSessionTimedOut)
	})

	t.Run("archived", func(t *testing.T) {
		loaded, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
		require.NoError(t, err)
		require.NoError(t, svc.Archive(ctx, loaded))

		_, err = svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
		requireCode(t, err, errors.CodeSessionArchived)
	})
}

func TestSessionIdleTimeoutSkippedForApp(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	_, tokenHex, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceApp)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	_, err = svc.Resolve(ctx, tokenHex, domain.DeviceApp, "10.0.0.1", false)
	assert.NoError(t, err)
}

func TestSessionChecksumFlipDetection(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	sess, tokenHex, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	require.NoError(t, err)

	// Flip a covered field behind the service's back.
	stored, err := repo.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	stored.IssuedOn -= 1000
	require.NoError(t, repo.Update(ctx, stored))

	_, err = svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
	requireCode(t, err, errors.CodeSessionChecksumFail)
}

func TestSessionTouchRefreshesChecksum(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	_, tokenHex, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	touched, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", true)
	require.NoError(t, err)
	assert.True(t, touched.Dirty())
	assert.Equal(t, int64(1700000030), touched.LastUsedOn)
	require.NoError(t, svc.Persist(ctx, touched))
	assert.False(t, touched.Dirty())

	// The persisted row still validates with its refreshed digest.
	again, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000030), again.LastUsedOn)
}

func TestSessionBindOnce(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	clock := newFrozenClock(1700000000)
	svc := newTestSessionService(repo, clock)

	sess, tokenHex, err := svc.Create(ctx, "10.0.0.1", "agent", testFingerprint, domain.DeviceWeb)
	require.NoError(t, err)

	user := &domain.User{ID: 42}
	require.NoError(t, svc.Bind(ctx, sess, user, true))

	loaded, err := svc.Resolve(ctx, tokenHex, domain.DeviceWeb, "10.0.0.1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), loaded.AuthUserID)
	assert.True(t, loaded.AuthSessionOTP)

	assert.Error(t, svc.Bind(ctx, loaded, &domain.User{ID: 99}, false))
}

func TestCaptchaRequired(t *testing.T) {
	clock := newFrozenClock(1700000000)
	webSess := &domain.Session{Type: domain.DeviceWeb}
	appSess := &domain.Session{Type: domain.DeviceApp}

	newSvc := func(mode config.CaptchaMode) *SessionService {
		cfg := testConfig()
		cfg.CaptchaMode = mode
		svc := NewSessionService(newFakeSessionRepo(), testKeychain(), cfg)
		svc.now = clock.Now
		return svc
	}

	t.Run("disabled", func(t *testing.T) {
		assert.False(t, newSvc(config.CaptchaDisabled).CaptchaRequired(webSess))
	})

	t.Run("enabled challenges web only", func(t *testing.T) {
		svc := newSvc(config.CaptchaEnabled)
		assert.True(t, svc.CaptchaRequired(webSess))
		assert.False(t, svc.CaptchaRequired(appSess))
	})

	t.Run("dynamic honors cooldown", func(t *testing.T) {
		svc := newSvc(config.CaptchaDynamic)
		fresh := &domain.Session{
			Type: domain.DeviceWeb,
			Secrets: domain.SessionSecrets{
				Token: bytes.Repeat([]byte{0x01}, domain.SessionTokenSize),
			},
		}
		assert.True(t, svc.CaptchaRequired(fresh))

		require.NoError(t, svc.MarkCaptchaSolved(fresh))
		assert.False(t, svc.CaptchaRequired(fresh))

		clock.Advance(1801 * time.Second)
		assert.True(t, svc.CaptchaRequired(fresh))
	})
}
