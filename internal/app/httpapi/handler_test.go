package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	app "github.com/custodia-network/custodia/internal/app"
	"github.com/custodia-network/custodia/internal/app/collab"
	"github.com/custodia-network/custodia/internal/middleware"
	"github.com/custodia-network/custodia/pkg/testutil"
)

var testSecret = []byte("handler-test-secret")

type env struct {
	app     *app.Application
	bank    *collab.MemoryTokenBank
	handler http.Handler
	issuer  *testutil.Issuer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	bank := collab.NewMemoryTokenBank()
	issuer := testutil.NewIssuer("handler-test")

	application, err := app.New(app.Stores{}, app.Collaborators{Bank: bank}, app.Options{
		IssuerKey:     issuer.PublicKey(),
		DisablePoller: true,
	}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	auth := middleware.NewAuthMiddleware(testSecret, nil, []string{"/health", "/metrics"})
	return &env{
		app:     application,
		bank:    bank,
		handler: auth.Handler(NewHandler(application)),
		issuer:  issuer,
	}
}

func (e *env) do(t *testing.T, identity, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	if identity != "" {
		token, err := middleware.IssueToken(testSecret, identity, middleware.Claims{})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, resp.Body.String())
	}
}

func TestHandler_RequiresAuth(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, "", http.MethodGet, "/health", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", resp.Code)
	}
	resp = e.do(t, "", http.MethodPost, "/balances", map[string]string{"owner": "alice", "asset": "tok"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", resp.Code)
	}
}

func TestHandler_BalanceLifecycle(t *testing.T) {
	e := newEnv(t)
	e.bank.Mint("alice", "tok", 1_000_000)

	resp := e.do(t, "alice", http.MethodPost, "/balances", map[string]string{"owner": "alice", "asset": "tok"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.Code, resp.Body.String())
	}

	resp = e.do(t, "alice", http.MethodPost, "/balances/alice/tok/adjust", map[string]interface{}{"amount": 500000, "direction": "increase"})
	if resp.Code != http.StatusOK {
		t.Fatalf("increase = %d: %s", resp.Code, resp.Body.String())
	}
	resp = e.do(t, "alice", http.MethodPost, "/balances/alice/tok/adjust", map[string]interface{}{"amount": 250000, "direction": "decrease"})
	if resp.Code != http.StatusOK {
		t.Fatalf("decrease = %d: %s", resp.Code, resp.Body.String())
	}

	resp = e.do(t, "alice", http.MethodGet, "/balances/alice/tok", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get = %d", resp.Code)
	}
	var rec struct{ Balance uint64 }
	decode(t, resp, &rec)
	if rec.Balance != 250000 {
		t.Fatalf("balance = %d, want 250000", rec.Balance)
	}

	resp = e.do(t, "alice", http.MethodGet, "/vaults/tok", nil)
	var vault struct{ Custodied uint64 }
	decode(t, resp, &vault)
	if vault.Custodied != 250000 {
		t.Fatalf("custodied = %d, want 250000", vault.Custodied)
	}

	// Another caller cannot adjust alice's balance.
	resp = e.do(t, "mallory", http.MethodPost, "/balances/alice/tok/adjust", map[string]interface{}{"amount": 1, "direction": "increase"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign adjust = %d, want 403", resp.Code)
	}

	// Withdrawing more than the balance is unprocessable.
	resp = e.do(t, "alice", http.MethodPost, "/balances/alice/tok/adjust", map[string]interface{}{"amount": 750000, "direction": "decrease"})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("overdraw = %d, want 422", resp.Code)
	}
}

func TestHandler_SessionAndClaimFlow(t *testing.T) {
	e := newEnv(t)
	e.bank.Mint("bob", "tok", 1000)

	authAt := uint64(time.Now().Unix())
	payload := testutil.ValidationPayload("dig133713337", authAt)

	resp := e.do(t, "alice", http.MethodPost, "/sessions/alice/claims", map[string]string{
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("claim = %d: %s", resp.Code, resp.Body.String())
	}

	// Only the owner can record a claim for themselves.
	resp = e.do(t, "mallory", http.MethodPost, "/sessions/alice/claims", map[string]string{
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign claim = %d, want 403", resp.Code)
	}

	verifyBody := map[string]string{
		"public_key": base64.StdEncoding.EncodeToString(e.issuer.PublicKey()),
		"message":    base64.StdEncoding.EncodeToString(payload),
		"signature":  base64.StdEncoding.EncodeToString(e.issuer.Sign(payload)),
	}
	resp = e.do(t, "alice", http.MethodPost, "/sessions/alice/verify", verifyBody)
	if resp.Code != http.StatusOK {
		t.Fatalf("verify = %d: %s", resp.Code, resp.Body.String())
	}

	// Replay maps to conflict.
	resp = e.do(t, "alice", http.MethodPost, "/sessions/alice/verify", verifyBody)
	if resp.Code != http.StatusConflict {
		t.Fatalf("replay verify = %d, want 409", resp.Code)
	}

	// Funding is open to any caller; claiming needs the verified session.
	resp = e.do(t, "bob", http.MethodPost, "/name-balances/dig133713337/tok/fund", map[string]interface{}{"amount": 600})
	if resp.Code != http.StatusOK {
		t.Fatalf("fund = %d: %s", resp.Code, resp.Body.String())
	}
	resp = e.do(t, "alice", http.MethodPost, "/name-balances/dig133713337/tok/claim", map[string]interface{}{
		"amount":    200,
		"recipient": map[string]string{"holder": "alice", "asset": "tok"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("claim = %d: %s", resp.Code, resp.Body.String())
	}
	resp = e.do(t, "bob", http.MethodPost, "/name-balances/dig133713337/tok/claim", map[string]interface{}{
		"amount":    200,
		"recipient": map[string]string{"holder": "bob", "asset": "tok"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("claim without session = %d, want 403", resp.Code)
	}
}

func TestHandler_TransferAndDelegation(t *testing.T) {
	e := newEnv(t)
	e.bank.Mint("alice", "tok", 1000)

	for _, owner := range []string{"alice", "bob"} {
		resp := e.do(t, owner, http.MethodPost, "/balances", map[string]string{"owner": owner, "asset": "tok"})
		if resp.Code != http.StatusCreated {
			t.Fatalf("create %s = %d", owner, resp.Code)
		}
	}
	resp := e.do(t, "alice", http.MethodPost, "/balances/alice/tok/adjust", map[string]interface{}{"amount": 900, "direction": "increase"})
	if resp.Code != http.StatusOK {
		t.Fatalf("increase = %d", resp.Code)
	}

	resp = e.do(t, "alice", http.MethodPost, "/transfers/owner", map[string]interface{}{
		"source": "alice", "dest": "bob", "asset": "tok", "amount": 400,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("transfer = %d: %s", resp.Code, resp.Body.String())
	}

	resp = e.do(t, "alice", http.MethodPost, "/permissions", map[string]string{"owner": "alice", "asset": "tok"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("permission = %d: %s", resp.Code, resp.Body.String())
	}
	resp = e.do(t, "alice", http.MethodPost, "/delegations/owner", map[string]string{"owner": "alice", "asset": "tok", "validator": "v1"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("delegate = %d: %s", resp.Code, resp.Body.String())
	}
	var del struct{ Account string }
	decode(t, resp, &del)

	// Base-ledger writes on a delegated record conflict.
	resp = e.do(t, "alice", http.MethodPost, "/balances/alice/tok/adjust", map[string]interface{}{"amount": 1, "direction": "increase"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("adjust while delegated = %d, want 409", resp.Code)
	}
	resp = e.do(t, "alice", http.MethodPost, "/delegations/owner", map[string]string{"owner": "alice", "asset": "tok", "validator": "v1"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("double delegate = %d, want 409", resp.Code)
	}

	resp = e.do(t, "alice", http.MethodPost, "/delegations/owner/undelegate", map[string]string{"owner": "alice", "asset": "tok"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("undelegate = %d: %s", resp.Code, resp.Body.String())
	}

	// The venue collaborator applies the commit through its endpoint.
	resp = e.do(t, "venue-collaborator", http.MethodPost, "/delegations/apply", map[string]string{"account": del.Account})
	if resp.Code != http.StatusOK {
		t.Fatalf("apply = %d: %s", resp.Code, resp.Body.String())
	}
	resp = e.do(t, "mallory", http.MethodPost, "/delegations/apply", map[string]string{"account": del.Account})
	if resp.Code != http.StatusNotFound && resp.Code != http.StatusForbidden {
		t.Fatalf("apply by stranger = %d, want 403 or 404", resp.Code)
	}

	resp = e.do(t, "alice", http.MethodGet, "/delegations/status/"+del.Account, nil)
	var status struct{ Status string }
	decode(t, resp, &status)
	if status.Status != "resident" {
		t.Fatalf("status = %s, want resident", status.Status)
	}

	resp = e.do(t, "alice", http.MethodGet, "/delegations", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list delegations = %d", resp.Code)
	}
}
