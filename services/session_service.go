// Package services implements the core authentication flows: session
// lifecycle, per-request authentication, step-up verification, and request
// auditing. Services receive their collaborators explicitly; there is no
// ambient global state.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/config"
	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
	"go.tradekit.io/authcore/internal/crypto"
	"go.tradekit.io/authcore/internal/metrics"
)

var (
	hexToken64 = regexp.MustCompile(`^[a-f0-9]{64}$`)

	// checksumPlaceholder is written on first insert; the real digest
	// depends on the assigned id and is backfilled immediately after.
	checksumPlaceholder = []byte("tba")
)

// SessionService owns the session lifecycle: creation, load-and-validate,
// touch, one-time user binding, and archival.
type SessionService struct {
	sessions domain.SessionRepository
	kc       *crypto.Keychain

	idleTimeout     time.Duration
	createInterval  time.Duration
	captchaMode     config.CaptchaMode
	captchaCooldown time.Duration

	now func() time.Time
}

// NewSessionService wires the session lifecycle manager.
func NewSessionService(sessions domain.SessionRepository, kc *crypto.Keychain, cfg *config.ServerConfig) *SessionService {
	return &SessionService{
		sessions:        sessions,
		kc:              kc,
		idleTimeout:     time.Duration(cfg.SessionIdleTimeoutSec) * time.Second,
		createInterval:  time.Duration(cfg.SessionCreateIntervalSec) * time.Second,
		captchaMode:     cfg.CaptchaMode,
		captchaCooldown: time.Duration(cfg.CaptchaCooldownSec) * time.Second,
		now:             time.Now,
	}
}

// digest computes the keyed checksum for a session.
func (s *SessionService) digest(sess *domain.Session) ([]byte, error) {
	raw, err := sess.ChecksumRaw()
	if err != nil {
		return nil, err
	}
	return s.kc.Primary.Checksum(raw, crypto.Iterations(sess.ID, domain.TableSessions)), nil
}

// RefreshChecksum recomputes and stores the session digest after a mutation.
func (s *SessionService) RefreshChecksum(sess *domain.Session) error {
	digest, err := s.digest(sess)
	if err != nil {
		return err
	}
	sess.Secrets.Checksum = digest
	return nil
}

// ValidateChecksum recomputes the digest and compares it in constant time
// against the stored one. No session field is trusted before this passes.
func (s *SessionService) ValidateChecksum(sess *domain.Session) error {
	digest, err := s.digest(sess)
	if err != nil {
		return err
	}
	if !crypto.ChecksumEqual(digest, sess.Secrets.Checksum) {
		return errors.NewIntegrity(errors.CodeSessionChecksumFail, domain.TableSessions, sess.ID)
	}
	sess.MarkChecksumVerified()
	return nil
}

// Create issues a new unauthenticated session for a client address. The
// same address is allowed one session per createInterval.
func (s *SessionService) Create(ctx context.Context, ip, userAgent, fingerprintHex string, deviceType domain.DeviceType) (*domain.Session, string, error) {
	if !deviceType.Valid() {
		return nil, "", errors.NewAuth(errors.CodeSessionAppTypeError)
	}

	userAgent, err := validatedUserAgent(userAgent)
	if err != nil {
		return nil, "", err
	}

	if !hexToken64.MatchString(fingerprintHex) {
		return nil, "", errors.NewValidation(errors.CodeFingerprintError, "fingerprint")
	}
	fingerprint, _ := hex.DecodeString(fingerprintHex)

	now := s.now()
	recent, err := s.sessions.CountRecentByIP(ctx, ip, now.Add(-s.createInterval).Unix())
	if err != nil {
		log.Error().Err(err).Str("ip", ip).Msg("Failed to probe recent sessions for rate limit")
		return nil, "", errors.NewAuth(errors.CodeSessionRetrieveError)
	}
	if recent > 0 {
		return nil, "", errors.NewAuth(errors.CodeSessionCreateTimeout)
	}

	token := make([]byte, domain.SessionTokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, "", fmt.Errorf("failed to generate session token: %w", err)
	}

	sess := &domain.Session{
		Type:        deviceType,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Fingerprint: fingerprint,
		IssuedOn:    now.Unix(),
		LastUsedOn:  now.Unix(),
		Secrets: domain.SessionSecrets{
			Token:    token,
			Checksum: checksumPlaceholder,
		},
	}

	// Two-phase write: the digest depends on the assigned id, so the row
	// is inserted with a placeholder first. A crash between the two writes
	// leaves a row that fails checksum validation on next load; that
	// window is a known, tolerated inconsistency.
	if _, err := s.sessions.Insert(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("failed to insert session: %w", err)
	}
	if err := s.RefreshChecksum(sess); err != nil {
		return nil, "", err
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("failed to finalize session checksum: %w", err)
	}

	metrics.SessionsCreatedTotal.Inc()
	log.Info().Int64("sessionID", sess.ID).Str("ip", ip).Str("type", string(deviceType)).
		Msg("Session issued")

	return sess, hex.EncodeToString(token), nil
}

// Resolve loads a session by its presented token and runs the full
// validation chain. When touch is set (every authenticated endpoint except
// session creation itself) the session's last-used time and checksum are
// refreshed; the mutation is flushed by Persist at end of request.
func (s *SessionService) Resolve(ctx context.Context, tokenHex string, deviceType domain.DeviceType, ip string, touch bool) (*domain.Session, error) {
	if tokenHex == "" {
		return nil, errors.NewAuth(errors.CodeSessionTokenRequired)
	}
	if !hexToken64.MatchString(tokenHex) {
		return nil, errors.NewAuth(errors.CodeSessionTokenInvalid)
	}
	token, _ := hex.DecodeString(tokenHex)

	sess, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		if stderrors.Is(err, domain.ErrNotFound) {
			return nil, errors.NewAuth(errors.CodeSessionNotFound)
		}
		log.Error().Err(err).Msg("Failed to retrieve session by token")
		return nil, errors.NewAuth(errors.CodeSessionRetrieveError)
	}

	if err := s.ValidateChecksum(sess); err != nil {
		return nil, err
	}

	if sess.Type != deviceType {
		return nil, errors.NewAuth(errors.CodeSessionAppTypeError)
	}
	if sess.Archived {
		return nil, errors.NewAuth(errors.CodeSessionArchived)
	}
	if sess.IPAddress != ip {
		return nil, errors.NewAuth(errors.CodeSessionIPError)
	}

	now := s.now()
	if !sess.Type.Persistent() && now.Unix()-sess.LastUsedOn >= int64(s.idleTimeout.Seconds()) {
		return nil, errors.NewAuth(errors.CodeSessionTimedOut)
	}

	if touch {
		sess.Touch(now)
		if err := s.RefreshChecksum(sess); err != nil {
			return nil, err
		}
	}

	return sess, nil
}

// Persist flushes the session if anything changed during the request.
func (s *SessionService) Persist(ctx context.Context, sess *domain.Session) error {
	if !sess.Dirty() {
		return nil
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session %d: %w", sess.ID, err)
	}
	sess.ClearDirty()
	return nil
}

// Bind authenticates the session as a user, exactly once.
func (s *SessionService) Bind(ctx context.Context, sess *domain.Session, user *domain.User, otpChecked bool) error {
	if err := sess.AuthenticateAs(user, otpChecked); err != nil {
		return err
	}
	if err := s.RefreshChecksum(sess); err != nil {
		return err
	}
	return s.Persist(ctx, sess)
}

// Archive revokes a session. Archived sessions reject all further
// authenticated use; they are never physically deleted.
func (s *SessionService) Archive(ctx context.Context, sess *domain.Session) error {
	sess.Archived = true
	sess.MarkDirty()
	if err := s.RefreshChecksum(sess); err != nil {
		return err
	}
	if err := s.Persist(ctx, sess); err != nil {
		return err
	}

	log.Info().Int64("sessionID", sess.ID).Msg("Session archived")
	return nil
}

// MarkCaptchaSolved records a passed CAPTCHA challenge on the session.
func (s *SessionService) MarkCaptchaSolved(sess *domain.Session) error {
	sess.LastCaptchaOn = s.now().Unix()
	sess.MarkDirty()
	return s.RefreshChecksum(sess)
}

// CaptchaRequired decides whether the session owes a CAPTCHA challenge,
// per the configured enforcement mode. Only web sessions are challenged.
func (s *SessionService) CaptchaRequired(sess *domain.Session) bool {
	if sess.Type != domain.DeviceWeb {
		return false
	}

	switch s.captchaMode {
	case config.CaptchaEnabled:
		return true
	case config.CaptchaDynamic:
		if sess.LastCaptchaOn > 0 &&
			s.now().Unix()-sess.LastCaptchaOn < int64(s.captchaCooldown.Seconds()) {
			return false
		}
		return true
	default:
		return false
	}
}

// validatedUserAgent bounds and sanity-checks the client's user agent.
func validatedUserAgent(ua string) (string, error) {
	if ua == "" {
		return "", errors.NewValidation(errors.CodeUserAgentRequired, "userAgent")
	}
	if len(ua) > 1024 {
		ua = ua[:1024]
	}
	for _, r := range ua {
		if r < 0x20 || r > 0x7e {
			return "", errors.NewValidation(errors.CodeUserAgentInvalid, "userAgent")
		}
	}
	return strings.TrimSpace(ua), nil
}
