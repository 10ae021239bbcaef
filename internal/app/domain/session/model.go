// Package session defines identity-verification sessions and the optional
// delegated-authority signer substitute.
package session

import (
	"strings"
	"time"

	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/errors"
)

// MaxValidationLen caps the raw validation payload stored on a session.
const MaxValidationLen = 768

const (
	usernamePattern = `"username":"`
	authDatePrefix  = "\nauth_date="
)

// IdentitySession binds an on-chain owner identity to an externally verified
// username claim. One session exists per owner; it is created unverified,
// transitions to verified exactly once per validation payload, and is
// otherwise immutable.
type IdentitySession struct {
	Owner             string
	Username          string
	ValidationPayload []byte
	AuthAt            uint64
	Verified          bool
	CreatedAt         time.Time
	VerifiedAt        *time.Time
}

// DelegatedAuthority is a time-bound substitute signer usable in place of a
// primary identity's signature. Absence is represented by a nil pointer, which
// skips all delegated-authority validation.
type DelegatedAuthority struct {
	Authority     string
	TargetProgram string
	Signer        string
	ValidUntil    time.Time
}

// Validate checks the token against the acting owner and target program at
// the given instant.
func (a *DelegatedAuthority) Validate(owner, program string, now time.Time) error {
	if a.Authority != owner {
		return errors.Unauthorized("delegated authority does not cover this owner")
	}
	if a.TargetProgram != program {
		return errors.Unauthorized("delegated authority targets a different program")
	}
	if !now.Before(a.ValidUntil) {
		return errors.Unauthorized("delegated authority has expired")
	}
	return nil
}

// ParsePayload extracts and validates the embedded username and auth_date from
// a raw validation payload. The payload is ASCII key/value material signed by
// the external issuer; parsing never mutates state.
func ParsePayload(payload []byte) (username string, authAt uint64, err error) {
	if len(payload) == 0 || len(payload) > MaxValidationLen {
		return "", 0, errors.InvalidInput("validation payload length out of range").
			WithDetails("len", len(payload))
	}

	s := string(payload)
	username, err = extractUsername(s)
	if err != nil {
		return "", 0, err
	}
	authAt, err = extractAuthDate(s)
	if err != nil {
		return "", 0, err
	}
	return username, authAt, nil
}

func extractUsername(s string) (string, error) {
	start := strings.Index(s, usernamePattern)
	if start < 0 {
		return "", errors.InvalidInput("validation payload missing username field")
	}
	rest := s[start+len(usernamePattern):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", errors.InvalidInput("validation payload username field unterminated")
	}
	username := rest[:end]
	if err := ledger.ValidateUsername(username); err != nil {
		return "", err
	}
	return username, nil
}

func extractAuthDate(s string) (uint64, error) {
	var start int
	if idx := strings.Index(s, authDatePrefix); idx >= 0 {
		start = idx + len(authDatePrefix)
	} else if strings.HasPrefix(s, authDatePrefix[1:]) {
		start = len(authDatePrefix) - 1
	} else {
		return 0, errors.InvalidInput("validation payload missing auth_date field")
	}

	rest := s[start:]
	if end := strings.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return 0, errors.InvalidInput("validation payload auth_date empty")
	}

	var ts uint64
	for i := 0; i < len(rest); i++ {
		b := rest[i]
		if b < '0' || b > '9' {
			return 0, errors.InvalidInput("validation payload auth_date not numeric")
		}
		ts = ts*10 + uint64(b-'0')
	}
	if ts == 0 {
		return 0, errors.InvalidInput("validation payload auth_date must be positive")
	}
	return ts, nil
}
