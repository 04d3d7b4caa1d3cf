package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
)

func TestCanonicalQueryString(t *testing.T) {
	t.Run("keys sorted", func(t *testing.T) {
		got := CanonicalQueryString(map[string]string{"b": "2", "a": "1", "c": "3"}, nil)
		assert.Equal(t, "a=1&b=2&c=3", got)
	})

	t.Run("rfc3986 encoding", func(t *testing.T) {
		got := CanonicalQueryString(map[string]string{"q": "a b+c/d"}, nil)
		assert.Equal(t, "q=a%20b%2Bc%2Fd", got)
	})

	t.Run("ignored params blanked not removed", func(t *testing.T) {
		got := CanonicalQueryString(map[string]string{"a": "1", "Captcha": "xyz"}, []string{"captcha"})
		assert.Equal(t, "Captcha=&a=1", got)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, "", CanonicalQueryString(nil, nil))
	})
}

// testAuthFixture wires a bound user+session pair with a fresh binding.
type testAuthFixture struct {
	auth    *RequestAuthenticator
	users   *fakeUserRepo
	clock   *frozenClock
	user    *domain.User
	sess    *domain.Session
	binding []byte
}

func newAuthFixture(t *testing.T) *testAuthFixture {
	t.Helper()
	ctx := context.Background()

	users := newFakeUserRepo()
	clock := newFrozenClock(1700000000)

	auth := NewRequestAuthenticator(users, newTestUserCache(users), testKeychain(), testConfig())
	auth.now = clock.Now

	user := &domain.User{
		Status:   domain.UserStatusActive,
		Username: "jdoe",
		Email:    "jdoe@example.com",
	}
	_, err := users.Insert(ctx, user)
	require.NoError(t, err)

	sess := &domain.Session{
		ID:        5,
		Type:      domain.DeviceWeb,
		IPAddress: "10.0.0.1",
		IssuedOn:  1700000000,
		Secrets: domain.SessionSecrets{
			Token: bytes.Repeat([]byte{0x42}, domain.SessionTokenSize),
		},
	}
	require.NoError(t, sess.AuthenticateAs(user, false))

	binding, err := auth.IssueBinding(ctx, user, sess)
	require.NoError(t, err)
	require.Len(t, binding, domain.AuthBindingSize)

	return &testAuthFixture{
		auth: auth, users: users, clock: clock,
		user: user, sess: sess, binding: binding,
	}
}

// sign produces the signature a well-behaved client would send.
func (f *testAuthFixture) sign(params map[string]string) string {
	mac := hmac.New(sha512.New, f.binding[domain.SessionTokenSize:])
	mac.Write([]byte(CanonicalQueryString(params, nil)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *testAuthFixture) freshParams() map[string]string {
	return map[string]string{
		"action":       "profile",
		TimestampParam: strconv.FormatInt(f.clock.Now().Unix(), 10),
	}
}

func TestAuthenticateSigned(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	params := f.freshParams()
	req := &SignedRequest{Params: params, Signature: f.sign(params)}

	user, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, user.ID)
	assert.True(t, user.ChecksumVerified())
}

// Each authentication resolves a private user instance; one request
// mutating its copy must never leak into another request's view through
// the cache.
func TestAuthenticatePrivateUserInstances(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	first, err := f.auth.Authenticate(ctx, f.sess, nil, false, nil)
	require.NoError(t, err)
	second, err := f.auth.Authenticate(ctx, f.sess, nil, false, nil)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	// A half-applied mutation on one copy stays invisible to later requests.
	first.GroupID = 999
	first.Secrets.Credentials = []byte("torn")

	again, err := f.auth.Authenticate(ctx, f.sess, nil, false, nil)
	require.NoError(t, err)
	assert.NotEqual(t, int64(999), again.GroupID)
	assert.NotEqual(t, []byte("torn"), again.Secrets.Credentials)
	assert.True(t, again.ChecksumVerified())
}

func TestAuthenticateUnboundSession(t *testing.T) {
	f := newAuthFixture(t)
	unbound := &domain.Session{ID: 9, Type: domain.DeviceWeb}

	_, err := f.auth.Authenticate(context.Background(), unbound, nil, false, nil)
	requireCode(t, err, errors.CodeSessionAuthNA)
}

func TestAuthenticateDisabledUser(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	f.user.Status = domain.UserStatusDisabled
	require.NoError(t, f.auth.PersistUser(ctx, f.user))

	_, err := f.auth.Authenticate(ctx, f.sess, nil, false, nil)
	requireCode(t, err, errors.CodeSessionAuthUserDisabled)
}

func TestAuthenticateUserChecksumFlip(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	// Mutate a covered column without refreshing the digest.
	stored, err := f.users.GetByID(ctx, f.user.ID)
	require.NoError(t, err)
	stored.GroupID = 999
	require.NoError(t, f.users.Update(ctx, stored))
	f.auth.cached.Invalidate(f.user.ID)

	_, err = f.auth.Authenticate(ctx, f.sess, nil, false, nil)
	requireCode(t, err, errors.CodeSessionChecksumFail)
}

func TestAuthenticateRedundantSession(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	// A newer login on another session of the same type replaces the binding.
	newer := &domain.Session{
		ID:   6,
		Type: domain.DeviceWeb,
		Secrets: domain.SessionSecrets{
			Token: bytes.Repeat([]byte{0x43}, domain.SessionTokenSize),
		},
	}
	fresh, err := f.users.GetByID(ctx, f.user.ID)
	require.NoError(t, err)
	_, err = f.auth.IssueBinding(ctx, fresh, newer)
	require.NoError(t, err)

	_, err = f.auth.Authenticate(ctx, f.sess, nil, false, nil)
	requireCode(t, err, errors.CodeSessionRedundant)
}

func TestSignatureVerification(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	t.Run("missing signature", func(t *testing.T) {
		req := &SignedRequest{Params: f.freshParams()}
		_, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
		requireCode(t, err, errors.CodeRequestHMACFail)
	})

	t.Run("mutated param breaks signature", func(t *testing.T) {
		params := f.freshParams()
		sig := f.sign(params)
		params["action"] = "transfer"
		_, err := f.auth.Authenticate(ctx, f.sess, &SignedRequest{Params: params, Signature: sig}, true, nil)
		requireCode(t, err, errors.CodeRequestHMACFail)
	})

	t.Run("wrong secret breaks signature", func(t *testing.T) {
		params := f.freshParams()
		mac := hmac.New(sha512.New, []byte("wrong secret----"))
		mac.Write([]byte(CanonicalQueryString(params, nil)))
		req := &SignedRequest{Params: params, Signature: hex.EncodeToString(mac.Sum(nil))}
		_, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
		requireCode(t, err, errors.CodeRequestHMACFail)
	})

	t.Run("uppercase signature accepted", func(t *testing.T) {
		params := f.freshParams()
		req := &SignedRequest{Params: params, Signature: strings.ToUpper(f.sign(params))}
		_, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
		assert.NoError(t, err)
	})
}

func TestRequestFreshness(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	t.Run("missing timestamp", func(t *testing.T) {
		params := map[string]string{"action": "profile"}
		req := &SignedRequest{Params: params, Signature: f.sign(params)}
		_, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
		requireCode(t, err, errors.CodeRequestExpired)
	})

	t.Run("replay past the window", func(t *testing.T) {
		params := f.freshParams()
		req := &SignedRequest{Params: params, Signature: f.sign(params)}

		f.clock.Advance(10 * time.Second)
		defer f.clock.Advance(-10 * time.Second)

		_, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
		requireCode(t, err, errors.CodeRequestExpired)
	})

	t.Run("just inside the window", func(t *testing.T) {
		params := f.freshParams()
		req := &SignedRequest{Params: params, Signature: f.sign(params)}

		f.clock.Advance(5 * time.Second)
		defer f.clock.Advance(-5 * time.Second)

		_, err := f.auth.Authenticate(ctx, f.sess, req, true, nil)
		assert.NoError(t, err)
	})
}

func TestCredentialsRoundtrip(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	creds := domain.NewCredentials(f.user.ID)
	creds.PasswordHash = "$2a$10$fakehash"
	require.NoError(t, f.auth.EncryptCredentials(f.user, creds))
	require.NoError(t, f.auth.PersistUser(ctx, f.user))

	loaded, err := f.users.GetByID(ctx, f.user.ID)
	require.NoError(t, err)

	got, err := f.auth.DecryptCredentials(loaded)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$fakehash", got.PasswordHash)

	t.Run("foreign blob rejected", func(t *testing.T) {
		other := &domain.User{Status: domain.UserStatusActive, Username: "mallory"}
		_, err := f.users.Insert(ctx, other)
		require.NoError(t, err)

		other.Secrets.Credentials = loaded.Secrets.Credentials
		_, err = f.auth.DecryptCredentials(other)
		requireCode(t, err, errors.CodeDecryptFail)
	})

	t.Run("empty blob rejected", func(t *testing.T) {
		bare := &domain.User{ID: 1234}
		_, err := f.auth.DecryptCredentials(bare)
		requireCode(t, err, errors.CodeDecryptFail)
	})
}
