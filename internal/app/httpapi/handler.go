// Package httpapi exposes the escrow application over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/ClearClose-Network/escrow_layer/internal/app"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/dispute"
	"github.com/ClearClose-Network/escrow_layer/internal/app/domain/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/metrics"
	disputesvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/disputes"
	escrowsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/escrow"
	"github.com/ClearClose-Network/escrow_layer/internal/app/services/ledger"
	paymentsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/payments"
	settlementsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/settlement"
	verificationsvc "github.com/ClearClose-Network/escrow_layer/internal/app/services/verification"
	"github.com/ClearClose-Network/escrow_layer/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/transactions", h.transactions)
	mux.HandleFunc("/transactions/", h.transactionResources)
	mux.HandleFunc("/verifications/", h.verificationResources)
	mux.HandleFunc("/payments/", h.paymentResources)
	mux.HandleFunc("/disputes/", h.disputeResources)
	mux.HandleFunc("/audit/verify", h.auditVerify)
	mux.HandleFunc("/audit/head", h.auditHead)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			PropertyRef   string   `json:"property_ref"`
			BuyerRef      string   `json:"buyer_ref"`
			SellerRef     string   `json:"seller_ref"`
			PurchasePrice int64    `json:"purchase_price"`
			Verifications []string `json:"verifications"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		types := make([]verification.Type, 0, len(payload.Verifications))
		for _, raw := range payload.Verifications {
			t, err := verification.ParseType(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			types = append(types, t)
		}

		tx, err := h.app.Escrow.Create(r.Context(), escrowsvc.CreateParams{
			PropertyRef:   payload.PropertyRef,
			BuyerRef:      payload.BuyerRef,
			SellerRef:     payload.SellerRef,
			PurchasePrice: payload.PurchasePrice,
			Verifications: types,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if _, err := h.app.Verifications.Start(r.Context(), tx.ID); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("start verification: %w", err))
			return
		}

		tx, err = h.app.Escrow.Get(r.Context(), tx.ID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)

	case http.MethodGet:
		txs, err := h.app.Escrow.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, txs)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) transactionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transactions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	transactionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tx, err := h.app.Escrow.Get(r.Context(), transactionID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
		return
	}

	switch parts[1] {
	case "agents":
		h.listAgents(w, r, transactionID)
	case "verifications":
		h.listVerifications(w, r, transactionID)
	case "payments":
		h.listPayments(w, r, transactionID)
	case "settlement":
		h.settlement(w, r, transactionID)
	case "disputes":
		h.disputes(w, r, transactionID)
	case "wallet":
		h.wallet(w, r, transactionID, parts[2:])
	case "audit":
		h.auditTrail(w, r, transactionID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) listAgents(w http.ResponseWriter, r *http.Request, transactionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agents, err := h.app.Escrow.Agents(r.Context(), transactionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *handler) listVerifications(w http.ResponseWriter, r *http.Request, transactionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tasks, err := h.app.Verifications.List(r.Context(), transactionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) listPayments(w http.ResponseWriter, r *http.Request, transactionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pays, err := h.app.Payments.List(r.Context(), transactionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, pays)
}

func (h *handler) settlement(w http.ResponseWriter, r *http.Request, transactionID string) {
	switch r.Method {
	case http.MethodPost:
		rec, err := h.app.Settlements.Execute(r.Context(), transactionID)
		if err != nil {
			if errors.Is(err, settlementsvc.ErrSettlementBlocked) {
				writeJSON(w, http.StatusConflict, rec)
				return
			}
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodGet:
		rec, err := h.app.Settlements.Get(r.Context(), transactionID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) disputes(w http.ResponseWriter, r *http.Request, transactionID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			RaisedBy string `json:"raised_by"`
			Reason   string `json:"reason"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		d, err := h.app.Disputes.Raise(r.Context(), transactionID, payload.RaisedBy, payload.Reason)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, d)

	case http.MethodGet:
		list, err := h.app.Disputes.List(r.Context(), transactionID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) wallet(w http.ResponseWriter, r *http.Request, transactionID string, rest []string) {
	if r.Method != http.MethodPost || len(rest) == 0 {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch rest[0] {
	case "multisig":
		var payload struct {
			Required int `json:"required"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		policy, err := h.app.Settlements.ConfigureMultisig(r.Context(), transactionID, payload.Required)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, policy)

	case "approvals":
		var payload struct {
			Approver string `json:"approver"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		policy, err := h.app.Settlements.Approve(r.Context(), transactionID, payload.Approver)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, policy)

	case "timelock":
		var payload struct {
			Until time.Time `json:"until"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		policy, err := h.app.Settlements.SetTimelock(r.Context(), transactionID, payload.Until)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, policy)

	case "pause":
		var payload struct {
			Paused bool `json:"paused"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		policy, err := h.app.Settlements.SetPause(r.Context(), transactionID, payload.Paused)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, policy)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request, transactionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := h.app.Ledger.Trail(r.Context(), transactionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) verificationResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/verifications"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	taskID := parts[0]

	if len(parts) == 1 && r.Method == http.MethodGet {
		task, err := h.app.Verifications.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if len(parts) == 2 && parts[1] == "outcome" && r.Method == http.MethodPost {
		var payload struct {
			Approved  bool              `json:"approved"`
			Findings  map[string]string `json:"findings"`
			Documents []string          `json:"documents"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := h.app.Verifications.Submit(r.Context(), taskID, verificationsvc.Submission{
			Approved:  payload.Approved,
			Findings:  payload.Findings,
			Documents: payload.Documents,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
}

func (h *handler) paymentResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/payments"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	paymentID := parts[0]

	if len(parts) == 1 && r.Method == http.MethodGet {
		p, err := h.app.Payments.Get(r.Context(), paymentID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	if len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost {
		p, err := h.app.Payments.RetryPayment(r.Context(), paymentID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
}

func (h *handler) disputeResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/disputes"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	disputeID := parts[0]

	if len(parts) == 1 && r.Method == http.MethodGet {
		d, err := h.app.Disputes.Get(r.Context(), disputeID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}

	if len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost {
		var payload struct {
			Outcome string `json:"outcome"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		d, err := h.app.Disputes.Resolve(r.Context(), disputeID, dispute.Outcome(payload.Outcome))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
}

func (h *handler) auditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	head, ok, err := h.app.Ledger.Head(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"verified": true, "events": 0})
		return
	}

	from := uint64(0)
	to := head.Sequence
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
	}

	if err := h.app.Ledger.Verify(r.Context(), from, to); err != nil {
		if errors.Is(err, ledger.ErrLedgerIntegrity) {
			writeJSON(w, http.StatusConflict, map[string]any{"verified": false, "error": err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "from": from, "to": to})
}

func (h *handler) auditHead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	head, ok, err := h.app.Ledger.Head(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrowsvc.ErrStateConflict),
		errors.Is(err, escrowsvc.ErrTransactionFrozen),
		errors.Is(err, paymentsvc.ErrBudgetExceeded),
		errors.Is(err, paymentsvc.ErrDispatchInFlight),
		errors.Is(err, verificationsvc.ErrTaskClosed),
		errors.Is(err, settlementsvc.ErrNotReady),
		errors.Is(err, disputesvc.ErrDisputeOpen),
		errors.Is(err, disputesvc.ErrDisputeClosed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerIntegrity):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

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

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
