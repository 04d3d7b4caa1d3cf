package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/cache"
	"go.tradekit.io/authcore/config"
	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
	"go.tradekit.io/authcore/internal/crypto"
	"go.tradekit.io/authcore/internal/metrics"
)

// TimestampParam is the request parameter carrying the client clock. It is
// covered by the signature, so a replayed-but-refreshed timestamp breaks
// the HMAC and a replayed-verbatim request trips the freshness window.
const TimestampParam = "timeStamp"

// hmacSecretSize is the length of the signing secret stored after the
// session token inside a device auth binding.
const hmacSecretSize = domain.AuthBindingSize - domain.SessionTokenSize

// RequestAuthenticator verifies that a request on an authenticated session
// really originates from the bound user's device: the user record digest,
// the device auth binding, the HMAC-SHA512 request signature, and the
// request freshness window.
type RequestAuthenticator struct {
	users  domain.UserRepository
	cached *cache.UserCache
	kc     *crypto.Keychain

	maxAge time.Duration
	now    func() time.Time
}

// NewRequestAuthenticator wires the per-request authenticator.
func NewRequestAuthenticator(users domain.UserRepository, cached *cache.UserCache, kc *crypto.Keychain, cfg *config.ServerConfig) *RequestAuthenticator {
	return &RequestAuthenticator{
		users:  users,
		cached: cached,
		kc:     kc,
		maxAge: time.Duration(cfg.RequestMaxAgeSec) * time.Second,
		now:    time.Now,
	}
}

// SignedRequest is the transport-independent view of one incoming request
// that the signature covers.
type SignedRequest struct {
	Params    map[string]string
	Signature string
}

// Authenticate resolves the user bound to the session and, when verifySig
// is set, checks the request signature and freshness. It returns the
// verified user; any failure is an APIError safe to surface.
func (a *RequestAuthenticator) Authenticate(ctx context.Context, sess *domain.Session, req *SignedRequest, verifySig bool, ignoreParams []string) (*domain.User, error) {
	if sess.AuthUserID == 0 {
		return nil, errors.NewAuth(errors.CodeSessionAuthNA)
	}

	user, err := a.cached.Get(ctx, sess.AuthUserID)
	if err != nil {
		if stderrors.Is(err, domain.ErrNotFound) {
			return nil, errors.NewAuth(errors.CodeSessionAuthNA)
		}
		log.Error().Err(err).Int64("userID", sess.AuthUserID).Msg("Failed to load session user")
		return nil, errors.NewAuth(errors.CodeSessionRetrieveError)
	}

	if err := a.ValidateUserChecksum(user); err != nil {
		a.cached.Invalidate(user.ID)
		return nil, err
	}

	if user.Archived || user.Status != domain.UserStatusActive {
		return nil, errors.NewAuth(errors.CodeSessionAuthUserDisabled)
	}

	binding := user.AuthBinding(sess.Type)
	if len(binding) != domain.AuthBindingSize {
		return nil, errors.NewAuth(errors.CodeSessionAuthNA)
	}

	// A freshly issued binding embeds the session token it was issued to.
	// A mismatch means a newer login replaced this session's binding.
	if subtle.ConstantTimeCompare(binding[:domain.SessionTokenSize], sess.Secrets.Token) != 1 {
		return nil, errors.NewAuth(errors.CodeSessionRedundant)
	}

	if verifySig {
		if err := a.verifySignature(req, binding[domain.SessionTokenSize:], ignoreParams); err != nil {
			return nil, err
		}
		if err := a.checkFreshness(req); err != nil {
			return nil, err
		}
	}

	return user, nil
}

func (a *RequestAuthenticator) verifySignature(req *SignedRequest, secret []byte, ignoreParams []string) error {
	if req == nil || req.Signature == "" {
		metrics.SignatureFailureTotal.Inc()
		return errors.NewSignature(errors.CodeRequestHMACFail)
	}

	canonical := CanonicalQueryString(req.Params, ignoreParams)

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(req.Signature))) != 1 {
		metrics.SignatureFailureTotal.Inc()
		return errors.NewSignature(errors.CodeRequestHMACFail)
	}
	return nil
}

func (a *RequestAuthenticator) checkFreshness(req *SignedRequest) error {
	ts, err := strconv.ParseInt(req.Params[TimestampParam], 10, 64)
	if err != nil {
		return errors.NewSignature(errors.CodeRequestExpired).WithParam(TimestampParam)
	}

	age := a.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if age >= int64(a.maxAge.Seconds()) {
		return errors.NewSignature(errors.CodeRequestExpired).WithParam(TimestampParam)
	}
	return nil
}

// ValidateUserChecksum recomputes the user record digest under the user's
// derived cipher and compares it against the stored one.
func (a *RequestAuthenticator) ValidateUserChecksum(user *domain.User) error {
	digest := a.userDigest(user)
	if !crypto.ChecksumEqual(digest, user.Secrets.Checksum) {
		return errors.NewIntegrity(errors.CodeSessionChecksumFail, domain.TableUsers, user.ID)
	}
	user.MarkChecksumVerified()
	return nil
}

// RefreshUserChecksum recomputes and stores the user record digest after a
// mutation; callers persist the user afterwards.
func (a *RequestAuthenticator) RefreshUserChecksum(user *domain.User) {
	user.Secrets.Checksum = a.userDigest(user)
}

func (a *RequestAuthenticator) userDigest(user *domain.User) []byte {
	cipher := a.kc.Primary.RemixChild(user.CipherLabel())
	return cipher.Checksum(user.ChecksumRaw(), crypto.Iterations(user.ID, domain.TableUsers))
}

// UserCipher returns the user's derived cipher for credentials blobs.
func (a *RequestAuthenticator) UserCipher(user *domain.User) *crypto.Cipher {
	return a.kc.Primary.RemixChild(user.CipherLabel())
}

// DecryptCredentials opens the user's credentials blob. A blob owned by a
// different user id is treated the same as a failed decrypt.
func (a *RequestAuthenticator) DecryptCredentials(user *domain.User) (*domain.Credentials, error) {
	if len(user.Secrets.Credentials) == 0 {
		return nil, errors.NewCrypto()
	}

	var creds domain.Credentials
	if err := a.UserCipher(user).Decrypt(user.Secrets.Credentials, &creds); err != nil {
		return nil, errors.NewCrypto()
	}
	if creds.UserID != user.ID {
		log.Warn().Int64("userID", user.ID).Int64("blobUserID", creds.UserID).
			Msg("Credentials blob owner mismatch")
		return nil, errors.NewCrypto()
	}
	return &creds, nil
}

// EncryptCredentials seals the credentials blob back onto the user record.
func (a *RequestAuthenticator) EncryptCredentials(user *domain.User, creds *domain.Credentials) error {
	creds.UserID = user.ID
	blob, err := a.UserCipher(user).Encrypt(creds)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials for user %d: %w", user.ID, err)
	}
	user.Secrets.Credentials = blob
	return nil
}

// IssueBinding mints a fresh device auth binding for the session's token,
// persists the user, and drops the stale cache entry. Issuing a binding
// invalidates any previous session of the same device type. The returned
// binding is handed to the client once, at login, and never again.
func (a *RequestAuthenticator) IssueBinding(ctx context.Context, user *domain.User, sess *domain.Session) ([]byte, error) {
	secret := make([]byte, hmacSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate binding secret: %w", err)
	}

	binding := make([]byte, 0, domain.AuthBindingSize)
	binding = append(binding, sess.Secrets.Token...)
	binding = append(binding, secret...)

	if err := user.SetAuthBinding(sess.Type, binding); err != nil {
		return nil, err
	}
	a.RefreshUserChecksum(user)

	if err := a.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to persist auth binding for user %d: %w", user.ID, err)
	}
	a.cached.Invalidate(user.ID)
	return binding, nil
}

// PersistUser refreshes the user digest, writes the record, and drops the
// cached copy.
func (a *RequestAuthenticator) PersistUser(ctx context.Context, user *domain.User) error {
	a.RefreshUserChecksum(user)
	if err := a.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to persist user %d: %w", user.ID, err)
	}
	a.cached.Invalidate(user.ID)
	return nil
}

// CanonicalQueryString builds the order-stable query string the signature
// covers: keys sorted bytewise, values percent-encoded per RFC 3986, and
// ignored params (matched case-insensitively) kept in place with blanked
// values.
func CanonicalQueryString(params map[string]string, ignoreParams []string) string {
	ignored := make(map[string]struct{}, len(ignoreParams))
	for _, p := range ignoreParams {
		ignored[strings.ToLower(p)] = struct{}{}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeRFC3986(k))
		b.WriteByte('=')
		if _, skip := ignored[strings.ToLower(k)]; !skip {
			b.WriteString(encodeRFC3986(params[k]))
		}
	}
	return b.String()
}

// encodeRFC3986 percent-encodes like url.QueryEscape but with spaces as
// %20 rather than '+'.
func encodeRFC3986(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
