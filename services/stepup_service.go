package services

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
	"go.tradekit.io/authcore/internal/auth/totp"
)

var totpFormat = regexp.MustCompile(`^\d{6}$`)

// StepUpService verifies second-factor proofs: TOTP passcodes and
// single-use recovery codes.
type StepUpService struct {
	auth *RequestAuthenticator
	now  func() time.Time
}

// NewStepUpService wires the step-up verifier.
func NewStepUpService(auth *RequestAuthenticator) *StepUpService {
	return &StepUpService{auth: auth, now: time.Now}
}

// VerifyTOTP checks a 6-digit passcode against the user's seed. A passcode
// equal to the last one accepted on this session is rejected unless
// allowReuse is set, so each code is good for one proof per session.
// Success stamps the session; the caller persists it.
func (s *StepUpService) VerifyTOTP(sess *domain.Session, creds *domain.Credentials, passcode string, allowReuse bool) error {
	if !totpFormat.MatchString(passcode) {
		return errors.NewAuth(errors.CodeTOTPInvalid).WithParam("totpCode")
	}

	if !allowReuse && sess.Last2FACode != "" && sess.Last2FACode == passcode {
		return errors.NewAuth(errors.CodeTOTPConsumed).WithParam("totpCode")
	}

	if !creds.HasTOTP() || !totp.Validate(passcode, creds.TOTPSeed) {
		return errors.NewAuth(errors.CodeTOTPIncorrect).WithParam("totpCode")
	}

	sess.Last2FACode = passcode
	sess.Last2FAOn = s.now().Unix()
	sess.MarkDirty()
	return nil
}

// ProbeRecoveryCode reports whether a code would redeem, without consuming
// it. Used to pre-validate before destructive account operations.
func (s *StepUpService) ProbeRecoveryCode(creds *domain.Credentials, code string) bool {
	if creds.RecoveryCodes == nil {
		return false
	}
	return creds.RecoveryCodes.MatchUnusedCode(code)
}

// RedeemRecoveryCode consumes a single-use recovery code and persists the
// mutated credentials blob. A code that does not match, or was already
// used, fails with RECOVERY_CODE_INVALID; a consumed code never redeems
// twice even on replayed requests.
func (s *StepUpService) RedeemRecoveryCode(ctx context.Context, user *domain.User, creds *domain.Credentials, code string) error {
	if creds.RecoveryCodes == nil || !creds.RecoveryCodes.RedeemCode(code) {
		return errors.NewAuth(errors.CodeRecoveryCodeInvalid).WithParam("recoveryCode")
	}

	if err := s.auth.EncryptCredentials(user, creds); err != nil {
		return err
	}
	if err := s.auth.PersistUser(ctx, user); err != nil {
		return err
	}

	log.Info().Int64("userID", user.ID).Int("remaining", len(creds.RecoveryCodes.Unused)).
		Msg("Recovery code redeemed")
	return nil
}
