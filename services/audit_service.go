package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/internal/audit"
	"go.tradekit.io/authcore/internal/crypto"
)

// queryLogIterations is the fixed PBKDF2 cost for query log digests. Audit
// rows are written on the hot path of every request, so their cost does not
// vary by id like entity records.
const queryLogIterations = 1000

// AuditService records one QueryLog row per audited request: a checksummed
// metadata row plus an encrypted request/response snapshot. Finalization
// failures are diverted to a filesystem fallback sink and never surface to
// the client, whose response is already committed by then.
type AuditService struct {
	logs     domain.QueryLogRepository
	kc       *crypto.Keychain
	fallback *audit.FallbackSink

	now func() time.Time
}

// NewAuditService wires the request auditor.
func NewAuditService(logs domain.QueryLogRepository, kc *crypto.Keychain, fallback *audit.FallbackSink) *AuditService {
	return &AuditService{logs: logs, kc: kc, fallback: fallback, now: time.Now}
}

func (s *AuditService) digest(q *domain.QueryLog) []byte {
	return s.kc.Secondary.Checksum(q.ChecksumRaw(), queryLogIterations)
}

// RefreshChecksum recomputes and stores the query log digest.
func (s *AuditService) RefreshChecksum(q *domain.QueryLog) {
	q.Checksum = s.digest(q)
}

// ValidateChecksum verifies a loaded query log row.
func (s *AuditService) ValidateChecksum(q *domain.QueryLog) bool {
	if !crypto.ChecksumEqual(s.digest(q), q.Checksum) {
		return false
	}
	q.MarkChecksumVerified()
	return true
}

// Begin opens an audit record for an inbound request. Like sessions, the
// digest depends on the assigned id, so the row is inserted with a
// placeholder checksum and finalized immediately after.
func (s *AuditService) Begin(ctx context.Context, ip, method, endpoint string) (*domain.QueryLog, error) {
	q := &domain.QueryLog{
		IPAddress: ip,
		Method:    method,
		Endpoint:  endpoint,
		StartOn:   instant(s.now()),
		Checksum:  checksumPlaceholder,
	}
	q.TruncateEndpoint()

	if _, err := s.logs.Insert(ctx, q); err != nil {
		return nil, err
	}

	s.RefreshChecksum(q)
	if err := s.logs.Update(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Finish completes the audit record: stamps the outcome, seals the
// request/response snapshot under the secondary cipher, and persists both.
// Errors here go to the fallback sink only.
func (s *AuditService) Finish(ctx context.Context, q *domain.QueryLog, resCode int, payload *domain.QueryPayload) {
	q.EndOn = instant(s.now())
	q.ResCode = resCode

	payload.QueryID = q.ID
	blob, err := s.kc.Secondary.Encrypt(payload)
	if err != nil {
		s.divert(q, payload, "encrypt payload", err)
		return
	}
	q.ResLen = len(blob)

	s.RefreshChecksum(q)
	if err := s.logs.Update(ctx, q); err != nil {
		s.divert(q, payload, "finalize query log", err)
		return
	}
	if err := s.logs.InsertPayload(ctx, q.ID, blob); err != nil {
		s.divert(q, payload, "store query payload", err)
	}
}

// Snapshot decrypts a stored payload blob for forensic replay.
func (s *AuditService) Snapshot(ctx context.Context, queryID int64) (*domain.QueryPayload, error) {
	blob, err := s.logs.GetPayload(ctx, queryID)
	if err != nil {
		return nil, err
	}
	var payload domain.QueryPayload
	if err := s.kc.Secondary.Decrypt(blob, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (s *AuditService) divert(q *domain.QueryLog, payload *domain.QueryPayload, stage string, err error) {
	log.Error().Err(err).Int64("queryID", q.ID).Str("stage", stage).
		Msg("Audit finalization failed, diverting to fallback sink")
	if s.fallback != nil {
		s.fallback.Write(q, payload, stage, err)
	}
}

// instant converts a time to the high-resolution float format query logs use.
func instant(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
