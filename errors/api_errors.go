package errors

import "fmt"

// Kind classifies an API failure for the outer request boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindIntegrity
	KindAuth
	KindSignature
	KindConcurrency
	KindCrypto
	KindValidation
)

// APIError is the caller-visible failure envelope. Code is a short
// machine-readable string that surfaces verbatim to the client; Param
// optionally names the offending request parameter.
type APIError struct {
	Kind  Kind           `json:"-"`
	Code  string         `json:"error"`
	Param string         `json:"param,omitempty"`
	Data  map[string]any `json:"errorData,omitempty"`
}

func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s (param: %s)", e.Code, e.Param)
	}
	return e.Code
}

// WithParam returns a copy of the error bound to a parameter name.
func (e *APIError) WithParam(param string) *APIError {
	clone := *e
	clone.Param = param
	return &clone
}

// WithData returns a copy of the error carrying structured error data.
func (e *APIError) WithData(data map[string]any) *APIError {
	clone := *e
	clone.Data = data
	return &clone
}

// Session lifecycle failure codes.
const (
	CodeSessionTokenRequired = "SESSION_TOKEN_REQUIRED"
	CodeSessionTokenInvalid  = "SESSION_TOKEN_INVALID"
	CodeSessionTokenExists   = "SESSION_TOKEN_EXISTS"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionRetrieveError = "SESSION_RETRIEVE_ERROR"
	CodeSessionChecksumFail  = "SESSION_CHECKSUM_FAIL"
	CodeSessionAppTypeError  = "SESSION_APP_TYPE_ERROR"
	CodeSessionArchived      = "SESSION_ARCHIVED"
	CodeSessionIPError       = "SESSION_IP_ERROR"
	CodeSessionTimedOut      = "SESSION_TIMED_OUT"
	CodeSessionCreateTimeout = "SESSION_CREATE_TIMEOUT"
	CodeFingerprintError     = "FINGERPRINT_ERROR"
	CodeUserAgentRequired    = "USER_AGENT_REQUIRED"
	CodeUserAgentInvalid     = "USER_AGENT_INVALID"
)

// Authenticated-user failure codes.
const (
	CodeSessionAuthNA           = "SESSION_AUTH_NA"
	CodeSessionAuthUserDisabled = "SESSION_AUTH_USER_DISABLED"
	CodeSessionRedundant        = "SESSION_REDUNDANT"
	CodeRequestHMACFail         = "REQUEST_HMAC_FAIL"
	CodeRequestExpired          = "REQUEST_EXPIRED"
)

// Step-up verification failure codes.
const (
	CodeTOTPInvalid         = "TOTP_INVALID"
	CodeTOTPConsumed        = "TOTP_CONSUMED"
	CodeTOTPIncorrect       = "TOTP_INCORRECT"
	CodeRecoveryCodeInvalid = "RECOVERY_CODE_INVALID"
)

// Concurrency failure codes.
const (
	CodeConcurrentRequestBlocked = "CONCURRENT_REQUEST_BLOCKED"
	CodeConcurrentRequestTimeout = "CONCURRENT_REQUEST_TIMEOUT"
)

// Generic failure codes.
const (
	CodeDecryptFail    = "DECRYPT_FAIL"
	CodeInvalidIP      = "INVALID_IP_ADDRESS"
	CodeLoginIncorrect = "LOGIN_INCORRECT"
	CodeInternalError  = "INTERNAL_ERROR"
)

func NewAuth(code string) *APIError {
	return &APIError{Kind: KindAuth, Code: code}
}

func NewIntegrity(code string, entity string, id int64) *APIError {
	return &APIError{
		Kind: KindIntegrity,
		Code: code,
		Data: map[string]any{"entity": entity, "id": id},
	}
}

func NewSignature(code string) *APIError {
	return &APIError{Kind: KindSignature, Code: code}
}

func NewConcurrency(code string) *APIError {
	return &APIError{Kind: KindConcurrency, Code: code}
}

// NewCrypto reports an encrypt/decrypt failure. The code is always the
// generic DECRYPT_FAIL; the underlying cause must never reach the client.
func NewCrypto() *APIError {
	return &APIError{Kind: KindCrypto, Code: CodeDecryptFail}
}

func NewValidation(code, param string) *APIError {
	return &APIError{Kind: KindValidation, Code: code, Param: param}
}

func NewInternal(code string) *APIError {
	return &APIError{Kind: KindInternal, Code: code}
}
