package ledger

import (
	"math"
	"strings"
	"testing"

	"github.com/custodia-network/custodia/internal/errors"
)

func TestValidateUsername(t *testing.T) {
	valid := []string{"dig133713337", "alice", "user_name_32", "ABC99", strings.Repeat("a", 32)}
	for _, username := range valid {
		if err := ValidateUsername(username); err != nil {
			t.Fatalf("expected %q valid, got %v", username, err)
		}
	}

	invalid := []string{"", "abcd", strings.Repeat("a", 33), "has space", "dash-ed", "dot.ted", "émile"}
	for _, username := range invalid {
		err := ValidateUsername(username)
		if !errors.HasCode(err, errors.CodeInvalidUsername) {
			t.Fatalf("expected InvalidUsername for %q, got %v", username, err)
		}
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if sum, ok := AddChecked(1, 2); !ok || sum != 3 {
		t.Fatalf("add: got %d, %t", sum, ok)
	}
	if _, ok := AddChecked(math.MaxUint64, 1); ok {
		t.Fatal("expected overflow detection")
	}
	if diff, ok := SubChecked(5, 5); !ok || diff != 0 {
		t.Fatalf("sub to zero: got %d, %t", diff, ok)
	}
	if _, ok := SubChecked(4, 5); ok {
		t.Fatal("expected underflow detection")
	}
}

func TestRecordAddressesDiffer(t *testing.T) {
	owner, err := OwnerBalanceAddress("alice", "usdc")
	if err != nil {
		t.Fatalf("owner address: %v", err)
	}
	name, err := NameBalanceAddress("alice", "usdc")
	if err != nil {
		t.Fatalf("name address: %v", err)
	}
	vault, err := VaultAddress("usdc")
	if err != nil {
		t.Fatalf("vault address: %v", err)
	}
	if owner == name || owner == vault || name == vault {
		t.Fatal("record kinds must not share addresses")
	}
}
