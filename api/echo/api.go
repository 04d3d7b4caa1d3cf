// Package echo is the HTTP request boundary. Every endpoint runs through
// the same pipeline: audit record, advisory locks, session resolution,
// optional user authentication with signature verification, then the
// handler. Locks are released and the audit record finalized on every exit
// path, including panics.
package echo

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/config"
	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/errors"
	"go.tradekit.io/authcore/internal/auth"
	"go.tradekit.io/authcore/internal/metrics"
	"go.tradekit.io/authcore/mail"
	"go.tradekit.io/authcore/semaphore"
	"go.tradekit.io/authcore/services"
)

// Request headers carrying the session token, the request signature, and
// the device fingerprint (session creation only).
const (
	HeaderSessionToken = "X-Session-Token"
	HeaderSignature    = "X-Client-Signature"
	HeaderFingerprint  = "X-Fingerprint"
)

// API struct to hold dependencies.
type API struct {
	sessions *services.SessionService
	auth     *services.RequestAuthenticator
	stepup   *services.StepUpService
	audit    *services.AuditService
	users    domain.UserRepository
	locker   *semaphore.Locker
	mailer   *mail.Mailer
	hasher   auth.PasswordHasher

	lockWait time.Duration
	debug    bool
}

// NewAPI initializes the public API.
func NewAPI(
	sessions *services.SessionService,
	authn *services.RequestAuthenticator,
	stepup *services.StepUpService,
	audit *services.AuditService,
	users domain.UserRepository,
	locker *semaphore.Locker,
	mailer *mail.Mailer,
	hasher auth.PasswordHasher,
	cfg *config.ServerConfig,
) *API {
	return &API{
		sessions: sessions,
		auth:     authn,
		stepup:   stepup,
		audit:    audit,
		users:    users,
		locker:   locker,
		mailer:   mailer,
		hasher:   hasher,
		lockWait: time.Duration(cfg.LockWaitSec) * time.Second,
		debug:    cfg.Debug,
	}
}

// RegisterRoutes registers the public API routes.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.POST("/session", a.handle(endpointOpts{
		name:     "session.create",
		queryLog: true,
		ipLock:   true,
	}, a.createSession))

	e.GET("/session", a.handle(endpointOpts{
		name:           "session.meta",
		queryLog:       true,
		resolveSession: true,
		touchSession:   true,
		sessionLock:    true,
		concurrentGET:  true,
	}, a.sessionMeta))

	e.POST("/login", a.handle(endpointOpts{
		name:           "auth.login",
		queryLog:       true,
		resolveSession: true,
		touchSession:   true,
		sessionLock:    true,
	}, a.login))

	e.POST("/auth/totp", a.handle(endpointOpts{
		name:           "auth.totp",
		queryLog:       true,
		resolveSession: true,
		touchSession:   true,
		sessionLock:    true,
		authUser:       true,
		verifyHMAC:     true,
	}, a.verifyTOTP))

	e.POST("/auth/recovery", a.handle(endpointOpts{
		name:           "auth.recovery",
		queryLog:       true,
		resolveSession: true,
		touchSession:   true,
		sessionLock:    true,
		authUser:       true,
		verifyHMAC:     true,
	}, a.redeemRecoveryCode))

	e.GET("/me", a.handle(endpointOpts{
		name:           "user.profile",
		queryLog:       true,
		resolveSession: true,
		touchSession:   true,
		sessionLock:    true,
		concurrentGET:  true,
		authUser:       true,
		verifyHMAC:     true,
	}, a.profile))

	e.POST("/logout", a.handle(endpointOpts{
		name:           "session.logout",
		queryLog:       true,
		resolveSession: true,
		touchSession:   true,
		sessionLock:    true,
	}, a.logout))

	e.GET("/health", a.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// endpointOpts configures the pipeline for one endpoint.
type endpointOpts struct {
	name string
	// queryLog records the request in the audit trail.
	queryLog bool
	// ipLock serializes requests per client address (Reject policy).
	ipLock bool
	// resolveSession loads and validates the presented session token;
	// touchSession additionally stamps activity on it.
	resolveSession bool
	touchSession   bool
	// sessionLock serializes requests per session (Block policy);
	// concurrentGET lets GET requests bypass it.
	sessionLock   bool
	concurrentGET bool
	// authUser resolves the bound user; verifyHMAC additionally checks the
	// request signature and freshness.
	authUser     bool
	verifyHMAC   bool
	ignoreParams []string
}

// requestState carries per-request values through the pipeline.
type requestState struct {
	ip       string
	params   map[string]string
	sess     *domain.Session
	user     *domain.User
	warnings []string
}

// Warn attaches a non-fatal notice surfaced in the response envelope and
// the audit payload.
func (st *requestState) Warn(msg string) {
	st.warnings = append(st.warnings, msg)
}

type handlerFunc func(c echo.Context, st *requestState) (any, error)

// handle wraps a handler into the endpoint pipeline.
func (a *API) handle(opts endpointOpts, fn handlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		st := &requestState{
			ip:     c.RealIP(),
			params: collectParams(c),
		}

		var q *domain.QueryLog
		if opts.queryLog {
			var err error
			q, err = a.audit.Begin(ctx, st.ip, c.Request().Method, c.Request().URL.Path)
			if err != nil {
				// The request still runs; losing one audit row must not
				// take the endpoint down.
				log.Error().Err(err).Str("endpoint", opts.name).Msg("Failed to open audit record")
			}
		}

		result, err := a.run(c, st, opts, fn)

		status, body := envelope(result, err, st.warnings, a.debug)

		if q != nil {
			if st.sess != nil {
				q.FlagSessionID = st.sess.ID
			}
			if st.user != nil {
				q.FlagUserID = st.user.ID
			}
			a.audit.Finish(ctx, q, status, auditPayload(st, body, err))
		}

		metrics.RequestsTotal.WithLabelValues(opts.name, strconv.Itoa(status)).Inc()
		return c.JSON(status, body)
	}
}

// run executes the lock/session/auth stages and the handler. Panics are
// contained here so deferred lock releases and the audit finalizer in
// handle still run.
func (a *API) run(c echo.Context, st *requestState, opts endpointOpts, fn handlerFunc) (result any, err error) {
	ctx := c.Request().Context()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("endpoint", opts.name).Msg("Handler panicked")
			result, err = nil, errors.NewInternal(errors.CodeInternalError)
		}
	}()

	if opts.ipLock {
		lock, lockErr := a.locker.Acquire(ctx, semaphore.IPResource(st.ip), semaphore.Reject)
		if lockErr != nil {
			return nil, lockErr
		}
		defer lock.Release(ctx)
	}

	if opts.resolveSession {
		sess, resolveErr := a.sessions.Resolve(ctx,
			c.Request().Header.Get(HeaderSessionToken), deviceTypeOf(st.params), st.ip, opts.touchSession)
		if resolveErr != nil {
			return nil, resolveErr
		}
		st.sess = sess

		if opts.sessionLock && !(opts.concurrentGET && c.Request().Method == http.MethodGet) {
			lock, lockErr := a.locker.Acquire(ctx,
				semaphore.SessionResource(sess.ID), semaphore.BlockFor(a.lockWait))
			if lockErr != nil {
				return nil, lockErr
			}
			defer lock.Release(ctx)
		}

		// Touch marks the session dirty; flush whatever state the request
		// leaves behind, success or failure.
		defer func() {
			if persistErr := a.sessions.Persist(ctx, st.sess); persistErr != nil {
				log.Error().Err(persistErr).Int64("sessionID", st.sess.ID).
					Msg("Failed to flush session at end of request")
			}
		}()
	}

	if opts.authUser {
		req := &services.SignedRequest{
			Params:    st.params,
			Signature: c.Request().Header.Get(HeaderSignature),
		}
		user, authErr := a.auth.Authenticate(ctx, st.sess, req, opts.verifyHMAC, opts.ignoreParams)
		if authErr != nil {
			if apiErr, ok := authErr.(*errors.APIError); ok {
				metrics.AuthFailureTotal.WithLabelValues(apiErr.Code).Inc()
			}
			return nil, authErr
		}
		st.user = user
	}

	return fn(c, st)
}

// collectParams flattens query and form parameters into the single map the
// signature canonicalization covers. First value wins on duplicates.
func collectParams(c echo.Context) map[string]string {
	params := make(map[string]string)
	for k, vs := range c.QueryParams() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	if form, err := c.FormParams(); err == nil {
		for k, vs := range form {
			if _, seen := params[k]; !seen && len(vs) > 0 {
				params[k] = vs[0]
			}
		}
	}
	return params
}

// deviceTypeOf reads the client's declared platform; absent means web.
func deviceTypeOf(params map[string]string) domain.DeviceType {
	if t, ok := params["deviceType"]; ok {
		return domain.DeviceType(t)
	}
	return domain.DeviceWeb
}

// envelope maps a handler outcome onto the response envelope and status
// code. Client-recognizable APIError codes surface verbatim; anything else
// collapses to a generic internal failure.
func envelope(result any, err error, warnings []string, debug bool) (int, map[string]any) {
	body := map[string]any{"status": err == nil}
	if len(warnings) > 0 {
		body["warnings"] = warnings
	}

	if err == nil {
		if result != nil {
			body["data"] = result
		}
		return http.StatusOK, body
	}

	apiErr, ok := err.(*errors.APIError)
	if !ok {
		log.Error().Err(err).Msg("Unhandled endpoint error")
		apiErr = errors.NewInternal(errors.CodeInternalError)
		if debug {
			apiErr = apiErr.WithData(map[string]any{"detail": err.Error()})
		}
	}

	body["error"] = apiErr.Code
	if apiErr.Param != "" {
		body["param"] = apiErr.Param
	}
	if apiErr.Data != nil {
		body["errorData"] = apiErr.Data
	}
	return statusFor(apiErr.Kind), body
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindAuth, errors.KindSignature:
		return http.StatusUnauthorized
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindConcurrency:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// auditPayload builds the encrypted request/response snapshot. Secret
// parameters are redacted before storage.
func auditPayload(st *requestState, body map[string]any, err error) *domain.QueryPayload {
	payload := &domain.QueryPayload{
		Params:   redactParams(st.params),
		Warnings: st.warnings,
	}
	if encoded, marshalErr := json.Marshal(body); marshalErr == nil {
		payload.ResBody = string(encoded)
	}
	if err != nil {
		payload.Errors = []string{err.Error()}
	}
	return payload
}

// secretParams never reach the audit trail in the clear.
var secretParams = map[string]bool{
	"password":     true,
	"totpcode":     true,
	"recoverycode": true,
}

func redactParams(params map[string]string) map[string]string {
	redacted := make(map[string]string, len(params))
	for k, v := range params {
		if secretParams[strings.ToLower(k)] {
			redacted[k] = fmt.Sprintf("<redacted:%d>", len(v))
			continue
		}
		redacted[k] = v
	}
	return redacted
}
