package session

import (
	"strings"
	"testing"
	"time"

	"github.com/custodia-network/custodia/internal/errors"
)

func TestParsePayload(t *testing.T) {
	payload := []byte(`user={"id":42,"username":"dig133713337"}` + "\nauth_date=1700000000\nhash=abc")
	username, authAt, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if username != "dig133713337" {
		t.Fatalf("unexpected username: %s", username)
	}
	if authAt != 1700000000 {
		t.Fatalf("unexpected auth date: %d", authAt)
	}
}

func TestParsePayloadLeadingAuthDate(t *testing.T) {
	payload := []byte(`auth_date=1700000123` + "\n" + `user={"username":"alice_99"}`)
	username, authAt, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if username != "alice_99" || authAt != 1700000123 {
		t.Fatalf("unexpected result: %s %d", username, authAt)
	}
}

func TestParsePayloadRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing username":  "auth_date=1700000000",
		"bad username":      `{"username":"ab"}` + "\nauth_date=1700000000",
		"missing auth date": `{"username":"alice_99"}`,
		"non numeric date":  `{"username":"alice_99"}` + "\nauth_date=12x4",
		"zero date":         `{"username":"alice_99"}` + "\nauth_date=0",
	}
	for name, raw := range cases {
		if _, _, err := ParsePayload([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	oversized := []byte(`{"username":"alice_99"}` + "\nauth_date=1\n" + strings.Repeat("x", MaxValidationLen))
	if _, _, err := ParsePayload(oversized); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected InvalidInput for oversized payload, got %v", err)
	}
	if _, _, err := ParsePayload(nil); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected InvalidInput for empty payload, got %v", err)
	}
}

func TestDelegatedAuthorityValidate(t *testing.T) {
	now := time.Now()
	token := &DelegatedAuthority{
		Authority:     "alice",
		TargetProgram: "custodia",
		Signer:        "hot-key",
		ValidUntil:    now.Add(time.Minute),
	}

	if err := token.Validate("alice", "custodia", now); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := token.Validate("bob", "custodia", now); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized for wrong owner, got %v", err)
	}
	if err := token.Validate("alice", "other", now); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized for wrong program, got %v", err)
	}
	if err := token.Validate("alice", "custodia", now.Add(2*time.Minute)); !errors.HasCode(err, errors.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized for expired token, got %v", err)
	}
}
