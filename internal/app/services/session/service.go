// Package session implements the identity-claim and signature-verification
// flow that binds an owner to a username.
package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	domain "github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/metrics"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/pkg/logger"
)

// DefaultMaxAge bounds how old a claimed auth timestamp may be at
// verification time.
const DefaultMaxAge = 24 * time.Hour

// allowed clock skew for auth timestamps slightly in the future
const futureSkew = 5 * time.Minute

// SignatureProof carries the attestation material for a stored claim: the
// issuer public key, the exact payload bytes the issuer signed, and the
// detached Ed25519 signature.
type SignatureProof struct {
	PublicKey []byte
	Message   []byte
	Signature []byte
}

// Service stores identity claims and promotes them to verified once a trusted
// issuer signature over the exact payload is presented.
type Service struct {
	store  storage.SessionStore
	issuer ed25519.PublicKey
	maxAge time.Duration
	now    func() time.Time
	log    *logger.Logger
}

// New constructs a session service trusting the given issuer key. A zero
// maxAge falls back to DefaultMaxAge.
func New(store storage.SessionStore, issuer ed25519.PublicKey, maxAge time.Duration, log *logger.Logger) *Service {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if log == nil {
		log = logger.NewDefault("session")
	}
	return &Service{
		store:  store,
		issuer: issuer,
		maxAge: maxAge,
		now:    time.Now,
		log:    log,
	}
}

// RecordClaim parses the validation payload and stores an unverified session
// for the owner, replacing any previous claim.
func (s *Service) RecordClaim(ctx context.Context, owner string, payload []byte) (domain.IdentitySession, error) {
	if owner == "" {
		return domain.IdentitySession{}, errors.InvalidInput("owner is required")
	}
	username, authAt, err := domain.ParsePayload(payload)
	if err != nil {
		return domain.IdentitySession{}, err
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	sess, err := s.store.PutSession(ctx, domain.IdentitySession{
		Owner:             owner,
		Username:          username,
		ValidationPayload: stored,
		AuthAt:            authAt,
		Verified:          false,
		CreatedAt:         s.now().UTC(),
	})
	if err != nil {
		return domain.IdentitySession{}, err
	}
	s.log.WithField("owner", owner).WithField("username", username).Info("identity claim recorded")
	return sess, nil
}

// Verify checks the proof against the stored claim and marks the session
// verified. Each payload verifies at most once; later attempts fail with a
// replay error even across fresh claims of the same bytes.
func (s *Service) Verify(ctx context.Context, owner string, proof *SignatureProof) (sess domain.IdentitySession, err error) {
	defer func() { metrics.RecordVerification(err) }()

	sess, err = s.store.GetSession(ctx, owner)
	if err != nil {
		return domain.IdentitySession{}, err
	}
	if sess.Verified {
		return domain.IdentitySession{}, errors.Replay("session already verified")
	}
	if proof == nil {
		return domain.IdentitySession{}, errors.InvalidEd25519("signature proof is required")
	}
	if len(proof.PublicKey) != ed25519.PublicKeySize {
		return domain.IdentitySession{}, errors.InvalidEd25519("malformed public key")
	}
	if len(proof.Signature) != ed25519.SignatureSize {
		return domain.IdentitySession{}, errors.InvalidEd25519("malformed signature")
	}
	if !bytes.Equal(proof.PublicKey, s.issuer) {
		return domain.IdentitySession{}, errors.InvalidEd25519("untrusted issuer key")
	}
	if !bytes.Equal(proof.Message, sess.ValidationPayload) {
		return domain.IdentitySession{}, errors.InvalidEd25519("signed message does not match stored payload")
	}
	if !ed25519.Verify(ed25519.PublicKey(proof.PublicKey), proof.Message, proof.Signature) {
		return domain.IdentitySession{}, errors.InvalidEd25519("signature does not verify")
	}

	now := s.now()
	authAt := time.Unix(int64(sess.AuthAt), 0)
	if now.Sub(authAt) > s.maxAge {
		return domain.IdentitySession{}, errors.ExpiredSignature("auth timestamp is too old")
	}
	if authAt.Sub(now) > futureSkew {
		return domain.IdentitySession{}, errors.ExpiredSignature("auth timestamp is in the future")
	}

	// Persist the verified state before burning the replay digest: a session
	// write failure must leave the payload claimable for a retry.
	claim := sess
	verifiedAt := now.UTC()
	sess.Verified = true
	sess.VerifiedAt = &verifiedAt
	sess, err = s.store.PutSession(ctx, sess)
	if err != nil {
		return domain.IdentitySession{}, errors.Internal("persist session", err)
	}
	if err := s.store.ConsumePayload(ctx, PayloadDigest(sess.ValidationPayload)); err != nil {
		if _, rerr := s.store.PutSession(ctx, claim); rerr != nil {
			s.log.WithError(rerr).WithField("owner", owner).Error("restore unverified claim after replay")
		}
		return domain.IdentitySession{}, err
	}
	s.log.WithField("owner", owner).WithField("username", sess.Username).Info("identity session verified")
	return sess, nil
}

// Session returns the stored session for an owner.
func (s *Service) Session(ctx context.Context, owner string) (domain.IdentitySession, error) {
	return s.store.GetSession(ctx, owner)
}

// PayloadDigest is the replay key for a validation payload.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DeriveIssuerKey derives a deterministic Ed25519 issuer key from a secret.
// Used for development setups and tests; production deployments configure the
// issuer public key directly.
func DeriveIssuerKey(secret []byte, context string) (ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, errors.Internal("derive issuer key", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
