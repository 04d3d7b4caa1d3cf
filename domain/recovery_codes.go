package domain

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultRecoveryCodeCount is the number of codes in a freshly
	// generated set.
	DefaultRecoveryCodeCount = 6
	// DefaultRecoveryCodeLength is the length of each code.
	DefaultRecoveryCodeLength = 8
)

// recoveryCodeCharset excludes easily confused characters (I, l, 1, O, 0).
const recoveryCodeCharset = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RecoveryCodes is a fixed set of single-use step-up fallback codes,
// partitioned into unused codes and used codes with their redemption time.
type RecoveryCodes struct {
	CodeLen     int              `json:"codeLen"`
	GeneratedOn int64            `json:"generatedOn"`
	Unused      []string         `json:"unused"`
	Used        map[string]int64 `json:"used"`
}

// NewRecoveryCodes generates a fresh set of codes from a CSPRNG. Zero or
// negative arguments fall back to the defaults.
func NewRecoveryCodes(count, length int) (*RecoveryCodes, error) {
	if count <= 0 {
		count = DefaultRecoveryCodeCount
	}
	if length <= 0 {
		length = DefaultRecoveryCodeLength
	}

	rc := &RecoveryCodes{
		CodeLen:     length,
		GeneratedOn: time.Now().Unix(),
		Unused:      make([]string, 0, count),
		Used:        make(map[string]int64),
	}

	seen := make(map[string]bool, count)
	for len(rc.Unused) < count {
		code, err := randomCode(length)
		if err != nil {
			return nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		rc.Unused = append(rc.Unused, code)
	}

	return rc, nil
}

// randomCode draws charset indices by rejection sampling so every character
// is uniform; a plain modulo over the 58-character alphabet would skew
// toward its first 256 mod 58 characters.
func randomCode(length int) (string, error) {
	// Largest multiple of len(charset) that fits in a byte.
	limit := byte(256 - 256%len(recoveryCodeCharset))

	b := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(b) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes for recovery code: %w", err)
		}
		for _, v := range buf {
			if v >= limit {
				continue
			}
			b = append(b, recoveryCodeCharset[int(v)%len(recoveryCodeCharset)])
			if len(b) == length {
				break
			}
		}
	}
	return string(b), nil
}

// normalizeCode strips everything but alphanumerics from client input.
func (rc *RecoveryCodes) normalizeCode(code string) string {
	var sb strings.Builder
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// MatchUnusedCode reports whether the code is present in the unused set.
// It never mutates state.
func (rc *RecoveryCodes) MatchUnusedCode(code string) bool {
	code = rc.normalizeCode(code)
	if len(code) != rc.CodeLen {
		return false
	}
	for _, unused := range rc.Unused {
		if unused == code {
			return true
		}
	}
	return false
}

// RedeemCode moves a code from the unused to the used set, recording the
// redemption time. A code moves exactly once; redeeming it again returns
// false rather than erroring, since this is a lookup-and-remove operation.
func (rc *RecoveryCodes) RedeemCode(code string) bool {
	code = rc.normalizeCode(code)
	if len(code) != rc.CodeLen {
		return false
	}

	for i, unused := range rc.Unused {
		if unused == code {
			if rc.Used == nil {
				rc.Used = make(map[string]int64)
			}
			rc.Used[code] = time.Now().Unix()
			rc.Unused = append(rc.Unused[:i], rc.Unused[i+1:]...)
			return true
		}
	}
	return false
}

// DumpedCode is one partially revealed code in a Dump listing. UsedOn is
// nil for unused codes.
type DumpedCode struct {
	Code   string `json:"code"`
	UsedOn *int64 `json:"usedOn"`
}

// CodesDump is a transport-safe listing of the set.
type CodesDump struct {
	GeneratedOn int64        `json:"generatedOn"`
	Codes       []DumpedCode `json:"codes"`
	UsedCount   int          `json:"usedCount"`
	UnusedCount int          `json:"unusedCount"`
}

// Dump lists all codes with only the first showChars characters revealed,
// the remainder replaced by hideChar, chunked for display.
func (rc *RecoveryCodes) Dump(showChars, chunkSplit int, chunkSep, hideChar string) CodesDump {
	dump := CodesDump{
		GeneratedOn: rc.GeneratedOn,
		Codes:       make([]DumpedCode, 0, len(rc.Unused)+len(rc.Used)),
		UsedCount:   len(rc.Used),
		UnusedCount: len(rc.Unused),
	}

	for _, code := range rc.Unused {
		dump.Codes = append(dump.Codes, DumpedCode{
			Code: maskCode(code, showChars, chunkSplit, chunkSep, hideChar),
		})
	}
	for code, usedOn := range rc.Used {
		on := usedOn
		dump.Codes = append(dump.Codes, DumpedCode{
			Code:   maskCode(code, showChars, chunkSplit, chunkSep, hideChar),
			UsedOn: &on,
		})
	}

	return dump
}

func maskCode(code string, show, chunkSplit int, chunkSep, hideChar string) string {
	if show > 0 && show < len(code) {
		code = code[:show] + strings.Repeat(hideChar, len(code)-show)
	}

	if chunkSplit <= 0 {
		return code
	}

	var chunks []string
	for len(code) > chunkSplit {
		chunks = append(chunks, code[:chunkSplit])
		code = code[chunkSplit:]
	}
	if code != "" {
		chunks = append(chunks, code)
	}
	return strings.Join(chunks, chunkSep)
}
