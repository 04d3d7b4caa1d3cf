// Package audit provides the filesystem fallback sink for request audit
// records that could not be finalized in the primary store. Losing an audit
// row entirely is worse than storing it unencrypted on local disk.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.tradekit.io/authcore/domain"
)

// Record is one diverted audit entry as written to the fallback file.
type Record struct {
	DivertedOn time.Time            `json:"divertedOn"`
	Stage      string               `json:"stage"`
	Error      string               `json:"error"`
	Query      *domain.QueryLog     `json:"query"`
	Payload    *domain.QueryPayload `json:"payload,omitempty"`
}

// FallbackSink appends diverted audit records to a per-day JSONL file.
type FallbackSink struct {
	dir string
	mu  sync.Mutex
}

// NewFallbackSink creates the sink, ensuring its directory exists.
func NewFallbackSink(dir string) (*FallbackSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit fallback directory %s: %w", dir, err)
	}
	return &FallbackSink{dir: dir}, nil
}

// Write appends one diverted record. The sink is last-resort: if even this
// write fails, the record is emitted through the process logger and dropped.
func (s *FallbackSink) Write(q *domain.QueryLog, payload *domain.QueryPayload, stage string, cause error) {
	rec := Record{
		DivertedOn: time.Now().UTC(),
		Stage:      stage,
		Query:      q,
		Payload:    payload,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	entry, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Int64("queryID", q.ID).Msg("Failed to marshal diverted audit record")
		return
	}

	path := filepath.Join(s.dir, rec.DivertedOn.Format("2006-01-02")+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.Error().Err(err).Str("path", path).RawJSON("record", entry).
			Msg("Failed to open audit fallback file, record dropped to log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(entry, '\n')); err != nil {
		log.Error().Err(err).Str("path", path).RawJSON("record", entry).
			Msg("Failed to append audit fallback record")
	}
}
