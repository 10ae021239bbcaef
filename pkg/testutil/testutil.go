// Package testutil provides common testing utilities: a deterministic
// attestation issuer and validation payload builders.
package testutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Issuer is a deterministic Ed25519 signer standing in for the external
// attestation issuer.
type Issuer struct {
	priv ed25519.PrivateKey
}

// NewIssuer derives an issuer from a secret. The same secret always yields
// the same key pair.
func NewIssuer(secret string) *Issuer {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("testutil-issuer"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		panic(err)
	}
	return &Issuer{priv: ed25519.NewKeyFromSeed(seed)}
}

// PublicKey returns the issuer's verification key.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.priv.Public().(ed25519.PublicKey)
}

// Sign produces a detached signature over the payload.
func (i *Issuer) Sign(payload []byte) []byte {
	return ed25519.Sign(i.priv, payload)
}

// ValidationPayload builds a well-formed validation payload for a username
// and auth timestamp.
func ValidationPayload(username string, authAt uint64) []byte {
	return []byte(fmt.Sprintf(`{"id":1,"username":"%s"}`+"\nauth_date=%d\nhash=deadbeef", username, authAt))
}

// FixedClock returns a clock function pinned to the given instant.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
