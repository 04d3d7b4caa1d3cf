package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// QueryEndpointMaxLen bounds the stored endpoint string.
const QueryEndpointMaxLen = 512

// QueryLog records one inbound request for forensic replay. The row itself
// is checksummed; the request/response snapshot is stored separately as an
// encrypted QueryPayload addressed by the log id.
type QueryLog struct {
	ID        int64   `json:"id"`
	IPAddress string  `json:"ipAddress"`
	Method    string  `json:"method"`
	Endpoint  string  `json:"endpoint"`
	StartOn   float64 `json:"startOn"`
	EndOn     float64 `json:"endOn"`
	ResCode   int     `json:"resCode,omitempty"`
	ResLen    int     `json:"resLen,omitempty"`
	// FlagSessionID and FlagUserID mark which session/user served the
	// request, when known.
	FlagSessionID int64 `json:"flagApiSess,omitempty"`
	FlagUserID    int64 `json:"flagUserId,omitempty"`

	Checksum []byte `json:"-"`

	checksumVerified bool
}

// TruncateEndpoint bounds the endpoint before persistence.
func (q *QueryLog) TruncateEndpoint() {
	if len(q.Endpoint) > QueryEndpointMaxLen {
		q.Endpoint = q.Endpoint[:QueryEndpointMaxLen]
	}
}

// ChecksumRaw builds the canonical string the query log digest covers.
// Query log digests use a fixed iteration count; see services.AuditService.
func (q *QueryLog) ChecksumRaw() string {
	return fmt.Sprintf("%d:%s:%s:%s:%s:%s:%d:%d:%d:%d",
		q.ID,
		q.IPAddress,
		strings.TrimSpace(strings.ToLower(q.Method)),
		strings.TrimSpace(strings.ToLower(q.Endpoint)),
		formatInstant(q.StartOn),
		formatInstant(q.EndOn),
		q.ResCode,
		q.ResLen,
		q.FlagSessionID,
		q.FlagUserID,
	)
}

// MarkChecksumVerified records that the stored digest validated.
func (q *QueryLog) MarkChecksumVerified() { q.checksumVerified = true }

// ChecksumVerified reports whether the stored digest has been validated.
func (q *QueryLog) ChecksumVerified() bool { return q.checksumVerified }

// formatInstant renders a high-resolution timestamp deterministically so
// recomputed digests match persisted ones.
func formatInstant(t float64) string {
	return strconv.FormatFloat(t, 'f', 6, 64)
}

// QueryPayload is the structured request/response snapshot encrypted and
// stored against a query log id.
type QueryPayload struct {
	QueryID  int64             `json:"queryId"`
	Params   map[string]string `json:"params,omitempty"`
	ResBody  string            `json:"resBody,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
}
