// Package httpapi exposes the custodial core over REST.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/custodia-network/custodia/internal/app"
	"github.com/custodia-network/custodia/internal/address"
	sessiondom "github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/metrics"
	delegationsvc "github.com/custodia-network/custodia/internal/app/services/delegation"
	ledgersvc "github.com/custodia-network/custodia/internal/app/services/ledger"
	sessionsvc "github.com/custodia-network/custodia/internal/app/services/session"
	transfersvc "github.com/custodia-network/custodia/internal/app/services/transfer"
	"github.com/custodia-network/custodia/internal/errors"
	"github.com/custodia-network/custodia/internal/middleware"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API. Authentication and
// rate limiting wrap the router at the caller.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()
	r.Use(metrics.Middleware())

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/balances", h.createBalance).Methods(http.MethodPost)
	r.HandleFunc("/balances/{owner}/{asset}", h.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/balances/{owner}/{asset}/adjust", h.adjustBalance).Methods(http.MethodPost)

	r.HandleFunc("/name-balances", h.createNameBalance).Methods(http.MethodPost)
	r.HandleFunc("/name-balances/{username}/{asset}", h.getNameBalance).Methods(http.MethodGet)
	r.HandleFunc("/name-balances/{username}/{asset}/fund", h.fundNameBalance).Methods(http.MethodPost)
	r.HandleFunc("/name-balances/{username}/{asset}/claim", h.claimNameBalance).Methods(http.MethodPost)
	r.HandleFunc("/name-balances/{username}/{asset}/claim-to-owner", h.claimNameBalanceToOwner).Methods(http.MethodPost)

	r.HandleFunc("/vaults/{asset}", h.getVault).Methods(http.MethodGet)

	r.HandleFunc("/transfers/owner", h.transferOwner).Methods(http.MethodPost)
	r.HandleFunc("/transfers/name", h.transferName).Methods(http.MethodPost)

	r.HandleFunc("/sessions/{owner}/claims", h.recordClaim).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{owner}/verify", h.verifySession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{owner}", h.getSession).Methods(http.MethodGet)

	r.HandleFunc("/permissions", h.createPermission).Methods(http.MethodPost)
	r.HandleFunc("/name-permissions", h.createNamePermission).Methods(http.MethodPost)

	r.HandleFunc("/delegations/owner", h.delegateOwner).Methods(http.MethodPost)
	r.HandleFunc("/delegations/name", h.delegateName).Methods(http.MethodPost)
	r.HandleFunc("/delegations/owner/undelegate", h.undelegateOwner).Methods(http.MethodPost)
	r.HandleFunc("/delegations/name/undelegate", h.undelegateName).Methods(http.MethodPost)
	r.HandleFunc("/delegations/apply", h.applyUndelegation).Methods(http.MethodPost)
	r.HandleFunc("/delegations", h.listDelegations).Methods(http.MethodGet)
	r.HandleFunc("/delegations/status/{account}", h.delegationStatus).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- balances ---------------------------------------------------------------

func (h *handler) createBalance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner string `json:"owner"`
		Asset string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Ledger.InitializeOwnerBalance(r.Context(), payload.Owner, payload.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.app.Ledger.GetOwnerBalance(r.Context(), vars["owner"], vars["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) adjustBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		Amount    uint64 `json:"amount"`
		Direction string `json:"direction"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Ledger.AdjustOwnerBalance(r.Context(), middleware.Identity(r.Context()), vars["owner"], vars["asset"], payload.Amount, ledgersvc.Direction(payload.Direction))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- name balances ----------------------------------------------------------

func (h *handler) createNameBalance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Asset    string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Ledger.InitializeNameBalance(r.Context(), payload.Username, payload.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) getNameBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.app.Ledger.GetNameBalance(r.Context(), vars["username"], vars["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) fundNameBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Ledger.FundNameBalance(r.Context(), middleware.Identity(r.Context()), vars["username"], vars["asset"], payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) claimNameBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		Amount    uint64 `json:"amount"`
		Recipient struct {
			Holder string `json:"holder"`
			Asset  string `json:"asset"`
		} `json:"recipient"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Ledger.ClaimNameBalance(r.Context(), middleware.Identity(r.Context()), vars["username"], vars["asset"], payload.Amount, ledgersvc.Holding{
		Holder: payload.Recipient.Holder,
		Asset:  payload.Recipient.Asset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) claimNameBalanceToOwner(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Ledger.ClaimNameBalanceToOwner(r.Context(), middleware.Identity(r.Context()), vars["username"], vars["asset"], payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) getVault(w http.ResponseWriter, r *http.Request) {
	vault, err := h.app.Ledger.GetVault(r.Context(), mux.Vars(r)["asset"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// --- transfers --------------------------------------------------------------

type tokenPayload struct {
	Authority     string    `json:"authority"`
	TargetProgram string    `json:"target_program"`
	Signer        string    `json:"signer"`
	ValidUntil    time.Time `json:"valid_until"`
}

func (t *tokenPayload) toDomain() *sessiondom.DelegatedAuthority {
	if t == nil {
		return nil
	}
	return &sessiondom.DelegatedAuthority{
		Authority:     t.Authority,
		TargetProgram: t.TargetProgram,
		Signer:        t.Signer,
		ValidUntil:    t.ValidUntil,
	}
}

func (h *handler) transferOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Source string        `json:"source"`
		Dest   string        `json:"dest"`
		Asset  string        `json:"asset"`
		Amount uint64        `json:"amount"`
		Token  *tokenPayload `json:"token,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	auth := transfersvc.Authority{Identity: middleware.Identity(r.Context()), Token: payload.Token.toDomain()}
	if err := h.app.Transfers.TransferOwnerToOwner(r.Context(), auth, payload.Source, payload.Dest, payload.Asset, payload.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (h *handler) transferName(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Source   string        `json:"source"`
		Username string        `json:"username"`
		Asset    string        `json:"asset"`
		Amount   uint64        `json:"amount"`
		Token    *tokenPayload `json:"token,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	auth := transfersvc.Authority{Identity: middleware.Identity(r.Context()), Token: payload.Token.toDomain()}
	if err := h.app.Transfers.TransferOwnerToName(r.Context(), auth, payload.Source, payload.Username, payload.Asset, payload.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

// --- sessions ---------------------------------------------------------------

func (h *handler) recordClaim(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	if caller := middleware.Identity(r.Context()); caller != owner {
		writeError(w, errors.Unauthorized("only the owner may record a claim"))
		return
	}
	var payload struct {
		Payload string `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		writeError(w, errors.InvalidInput("payload must be base64"))
		return
	}
	sess, err := h.app.Sessions.RecordClaim(r.Context(), owner, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) verifySession(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	var payload struct {
		PublicKey string `json:"public_key"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	pub, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		writeError(w, errors.InvalidEd25519("public key must be base64"))
		return
	}
	msg, err := base64.StdEncoding.DecodeString(payload.Message)
	if err != nil {
		writeError(w, errors.InvalidEd25519("message must be base64"))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		writeError(w, errors.InvalidEd25519("signature must be base64"))
		return
	}
	sess, err := h.app.Sessions.Verify(r.Context(), owner, &sessionsvc.SignatureProof{
		PublicKey: pub,
		Message:   msg,
		Signature: sig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Sessions.Session(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		writeError(w, err)
		return
	}
	// The raw payload stays server-side.
	sess.ValidationPayload = nil
	writeJSON(w, http.StatusOK, sess)
}

// --- permissions ------------------------------------------------------------

func (h *handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner string `json:"owner"`
		Asset string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Permissions.CreatePermission(r.Context(), middleware.Identity(r.Context()), payload.Owner, payload.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) createNamePermission(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Asset    string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Permissions.CreateNamePermission(r.Context(), middleware.Identity(r.Context()), payload.Username, payload.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// --- delegations ------------------------------------------------------------

func (h *handler) delegateOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner     string `json:"owner"`
		Asset     string `json:"asset"`
		Validator string `json:"validator"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Delegations.Delegate(r.Context(), payload.Owner, payload.Asset, payload.Validator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) delegateName(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username  string `json:"username"`
		Asset     string `json:"asset"`
		Validator string `json:"validator"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Delegations.DelegateName(r.Context(), middleware.Identity(r.Context()), payload.Username, payload.Asset, payload.Validator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) undelegateOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Owner string        `json:"owner"`
		Asset string        `json:"asset"`
		Token *tokenPayload `json:"token,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	auth := delegationsvc.Authority{Identity: middleware.Identity(r.Context()), Token: payload.Token.toDomain()}
	rec, err := h.app.Delegations.RequestUndelegate(r.Context(), auth, payload.Owner, payload.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *handler) undelegateName(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Asset    string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Delegations.RequestUndelegateName(r.Context(), middleware.Identity(r.Context()), payload.Username, payload.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *handler) applyUndelegation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Account string `json:"account"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	rec, err := h.app.Delegations.ApplyUndelegation(r.Context(), middleware.Identity(r.Context()), address.Address(payload.Account))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) listDelegations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.app.Delegations.Delegations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) delegationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Delegations.Status(r.Context(), address.Address(mux.Vars(r)["account"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("unexpected error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(serviceErr.Code))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   string(serviceErr.Code),
		"message": serviceErr.Message,
		"details": serviceErr.Details,
	})
}

func statusForCode(code errors.Code) int {
	switch code {
	case errors.CodeUnauthorized, errors.CodeNotVerified:
		return http.StatusForbidden
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeAlreadyDelegated, errors.CodeAccountDelegated, errors.CodeReplay:
		return http.StatusConflict
	case errors.CodeInsufficientDeposit, errors.CodeInsufficientVault:
		return http.StatusUnprocessableEntity
	case errors.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
