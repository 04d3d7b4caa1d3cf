package echo

import (
	"encoding/hex"
	stderrors "errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
	"go.tradekit.io/authcore/internal/metrics"
)

// createSession issues a fresh unauthenticated session. A client already
// presenting a session token must not ask for another one.
func (a *API) createSession(c echo.Context, st *requestState) (any, error) {
	if c.Request().Header.Get(HeaderSessionToken) != "" {
		return nil, errors.NewAuth(errors.CodeSessionTokenExists)
	}

	sess, tokenHex, err := a.sessions.Create(c.Request().Context(),
		st.ip,
		c.Request().UserAgent(),
		c.Request().Header.Get(HeaderFingerprint),
		deviceTypeOf(st.params),
	)
	if err != nil {
		return nil, err
	}
	st.sess = sess

	return map[string]any{
		"sessionToken":    tokenHex,
		"issuedOn":        sess.IssuedOn,
		"captchaRequired": a.sessions.CaptchaRequired(sess),
	}, nil
}

// sessionMeta returns the introspection view of the presented session.
func (a *API) sessionMeta(_ echo.Context, st *requestState) (any, error) {
	return map[string]any{
		"id":              st.sess.ID,
		"type":            st.sess.Type,
		"authenticated":   st.sess.AuthUserID != 0,
		"otpVerified":     st.sess.AuthSessionOTP,
		"issuedOn":        st.sess.IssuedOn,
		"lastUsedOn":      st.sess.LastUsedOn,
		"captchaRequired": a.sessions.CaptchaRequired(st.sess),
	}, nil
}

// login binds the session to a user after verifying the password and, when
// configured, a TOTP passcode. The response carries the one-time device
// auth token the client signs subsequent requests with.
func (a *API) login(c echo.Context, st *requestState) (any, error) {
	if st.sess.AuthUserID != 0 {
		return nil, errors.NewAuth(errors.CodeSessionRedundant)
	}

	username := st.params["username"]
	password := st.params["password"]
	if username == "" {
		return nil, errors.NewValidation(errors.CodeLoginIncorrect, "username")
	}
	if password == "" {
		return nil, errors.NewValidation(errors.CodeLoginIncorrect, "password")
	}

	ctx := c.Request().Context()
	user, err := a.users.GetByUsername(ctx, username)
	if err != nil {
		if stderrors.Is(err, domain.ErrNotFound) {
			metrics.LoginFailureTotal.Inc()
			return nil, errors.NewAuth(errors.CodeLoginIncorrect)
		}
		log.Error().Err(err).Msg("Failed to load user for login")
		return nil, errors.NewInternal(errors.CodeInternalError)
	}

	if err := a.auth.ValidateUserChecksum(user); err != nil {
		return nil, err
	}
	if user.Archived || user.Status != domain.UserStatusActive {
		return nil, errors.NewAuth(errors.CodeSessionAuthUserDisabled)
	}

	creds, err := a.auth.DecryptCredentials(user)
	if err != nil {
		return nil, err
	}

	if verifyErr := a.hasher.Verify(creds.PasswordHash, password); verifyErr != nil {
		metrics.LoginFailureTotal.Inc()
		log.Warn().Int64("userID", user.ID).Str("ip", st.ip).Msg("Login password mismatch")
		return nil, errors.NewAuth(errors.CodeLoginIncorrect)
	}

	otpChecked := false
	if creds.HasTOTP() {
		if err := a.stepup.VerifyTOTP(st.sess, creds, st.params["totpCode"], false); err != nil {
			metrics.LoginFailureTotal.Inc()
			return nil, err
		}
		otpChecked = true
	}

	binding, err := a.auth.IssueBinding(ctx, user, st.sess)
	if err != nil {
		log.Error().Err(err).Int64("userID", user.ID).Msg("Failed to issue auth binding")
		return nil, errors.NewInternal(errors.CodeInternalError)
	}

	if err := a.sessions.Bind(ctx, st.sess, user, otpChecked); err != nil {
		return nil, errors.NewAuth(errors.CodeSessionRedundant)
	}
	st.user = user

	if user.Email != "" {
		if mailErr := a.mailer.Queue(ctx, user.Email, "New sign-in to your account",
			"A new sign-in was registered from "+st.ip+"."); mailErr != nil {
			log.Warn().Err(mailErr).Int64("userID", user.ID).Msg("Failed to queue login notification")
			st.Warn("login notification could not be queued")
		}
	}

	metrics.LoginSuccessTotal.Inc()
	log.Info().Int64("userID", user.ID).Int64("sessionID", st.sess.ID).
		Str("type", string(st.sess.Type)).Msg("User logged in")

	return map[string]any{
		"authToken": hex.EncodeToString(binding),
		"profile":   domain.NewProfile(user),
	}, nil
}

// verifyTOTP runs a step-up TOTP proof on an already authenticated session.
func (a *API) verifyTOTP(c echo.Context, st *requestState) (any, error) {
	creds, err := a.auth.DecryptCredentials(st.user)
	if err != nil {
		return nil, err
	}

	if err := a.stepup.VerifyTOTP(st.sess, creds, st.params["totpCode"], false); err != nil {
		return nil, err
	}
	return map[string]any{"verified": true}, nil
}

// redeemRecoveryCode consumes a single-use recovery code as a step-up proof.
func (a *API) redeemRecoveryCode(c echo.Context, st *requestState) (any, error) {
	creds, err := a.auth.DecryptCredentials(st.user)
	if err != nil {
		return nil, err
	}

	if err := a.stepup.RedeemRecoveryCode(c.Request().Context(), st.user, creds, st.params["recoveryCode"]); err != nil {
		return nil, err
	}

	remaining := 0
	if creds.RecoveryCodes != nil {
		remaining = len(creds.RecoveryCodes.Unused)
	}
	if remaining == 0 {
		st.Warn("all recovery codes are used; generate a new set")
	}
	return map[string]any{"redeemed": true, "remaining": remaining}, nil
}

// profile returns the authenticated user's account view.
func (a *API) profile(_ echo.Context, st *requestState) (any, error) {
	return domain.NewProfile(st.user), nil
}

// logout archives the session. Archival is terminal; the client must
// create a fresh session to continue.
func (a *API) logout(c echo.Context, st *requestState) (any, error) {
	if err := a.sessions.Archive(c.Request().Context(), st.sess); err != nil {
		log.Error().Err(err).Int64("sessionID", st.sess.ID).Msg("Failed to archive session")
		return nil, errors.NewInternal(errors.CodeInternalError)
	}
	metrics.SessionsArchivedTotal.Inc()
	return map[string]any{"archived": true}, nil
}

// health is a plain liveness probe outside the audited pipeline.
func (a *API) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
