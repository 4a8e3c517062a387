/*
handlers.go - HTTP API handlers for the session ledger

PURPOSE:
  Exposes the entitlement ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Owners:
    GET    /api/owners/{id}/balance    Derived balance by source
    GET    /api/owners/{id}/grants     Grants for an owner
    GET    /api/owners/{id}/ledger     Audit trail (filterable)

  Bookings:
    POST   /api/consume                Consume one session (idempotent)
    POST   /api/refund                 Reverse a consumption (idempotent)

  Grants:
    POST   /api/grants                 Issue a grant
    POST   /api/grants/company         Materialize a company allocation
    GET    /api/grants/{id}            Get a single grant
    POST   /api/grants/{id}/adjust     Admin credit/debit
    POST   /api/grants/{id}/revoke     Retire a grant

  Admin:
    POST   /api/admin/sweep            Run an expiration sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown grant or idempotency key
  - 409: Definite business outcomes (insufficient balance, duplicate
         refund, adjustment out of bounds, inactive grant)
  - 503: Concurrency conflict; the caller may retry
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Store   ledger.Store
	Log     *logrus.Logger
}

// NewHandler creates a new handler over the wired service. The store is
// used for direct grant reads that need no domain logic.
func NewHandler(svc *ledger.Service, store ledger.Store, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{Service: svc, Store: store, Log: log}
}

// =============================================================================
// OWNER HANDLERS
// =============================================================================

// GetBalance returns the derived balance for an owner.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	balance, err := h.Service.Balance.GetBalance(r.Context(), owner)
	if err != nil {
		h.writeLedgerError(w, "Failed to compute balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// ListGrants returns all grants for an owner, including retired ones.
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	grants, err := h.Store.GrantsByOwner(r.Context(), owner)
	if err != nil {
		h.writeLedgerError(w, "Failed to list grants", err)
		return
	}

	dtos := make([]GrantDTO, len(grants))
	for i, g := range grants {
		dtos[i] = toGrantDTO(g)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListLedger returns the owner's audit trail, oldest first. Supports
// from/to (RFC 3339), reason, and grant_id query filters.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	owner := ledger.OwnerID(chi.URLParam(r, "id"))

	var filter ledger.EntryFilter
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp (use RFC 3339)", err)
			return
		}
		filter.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp (use RFC 3339)", err)
			return
		}
		filter.To = &t
	}
	if v := r.URL.Query().Get("reason"); v != "" {
		reason := ledger.Reason(v)
		filter.Reason = &reason
	}
	if v := r.URL.Query().Get("grant_id"); v != "" {
		filter.GrantID = ledger.GrantID(v)
	}

	entries, err := h.Service.Balance.ListLedger(r.Context(), owner, filter)
	if err != nil {
		h.writeLedgerError(w, "Failed to list ledger", err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// Consume draws one session for a completed booking. Safe to retry with
// the same idempotency key.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required", nil)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required", nil)
		return
	}

	res, err := h.Service.Engine.Consume(r.Context(), ledger.OwnerID(req.OwnerID), req.IdempotencyKey)
	if err != nil {
		h.writeLedgerError(w, "Failed to consume session", err)
		return
	}

	writeJSON(w, http.StatusOK, ConsumeResponse{
		GrantID:        string(res.GrantID),
		Source:         string(res.Source),
		RemainingAfter: res.RemainingAfter,
	})
}

// Refund reverses the consumption recorded under the key.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key is required", nil)
		return
	}

	if err := h.Service.Engine.Refund(r.Context(), req.IdempotencyKey); err != nil {
		h.writeLedgerError(w, "Failed to refund session", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// =============================================================================
// GRANT HANDLERS
// =============================================================================

// CreateGrant issues a new grant.
func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req CreateGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	expiresAt, err := parseOptionalTime(req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expires_at (use RFC 3339)", err)
		return
	}

	id, err := h.Service.Manager.Grant(r.Context(), ledger.GrantInput{
		OwnerID:   ledger.OwnerID(req.OwnerID),
		CompanyID: req.CompanyID,
		Source:    ledger.Source(req.Source),
		Sessions:  req.Sessions,
		ExpiresAt: expiresAt,
		ActorID:   ledger.ActorID(req.ActorID),
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to issue grant", err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateGrantResponse{GrantID: string(id)})
}

// CreateCompanyAllocation materializes a company allocation as one
// employer grant per listed owner, atomically.
func (h *Handler) CreateCompanyAllocation(w http.ResponseWriter, r *http.Request) {
	var req CompanyAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	expiresAt, err := parseOptionalTime(req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expires_at (use RFC 3339)", err)
		return
	}

	owners := make([]ledger.OwnerID, len(req.OwnerIDs))
	for i, o := range req.OwnerIDs {
		owners[i] = ledger.OwnerID(o)
	}

	ids, err := h.Service.Manager.IssueCompanyAllocation(
		r.Context(), req.CompanyID, owners, req.SessionsEach, expiresAt, ledger.ActorID(req.ActorID))
	if err != nil {
		h.writeLedgerError(w, "Failed to issue company allocation", err)
		return
	}

	grantIDs := make([]string, len(ids))
	for i, id := range ids {
		grantIDs[i] = string(id)
	}
	writeJSON(w, http.StatusCreated, CompanyAllocationResponse{GrantIDs: grantIDs})
}

// GetGrant returns a single grant.
func (h *Handler) GetGrant(w http.ResponseWriter, r *http.Request) {
	id := ledger.GrantID(chi.URLParam(r, "id"))

	g, err := h.Store.Grant(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get grant", err)
		return
	}

	writeJSON(w, http.StatusOK, toGrantDTO(*g))
}

// AdjustGrant applies an administrative credit or debit.
func (h *Handler) AdjustGrant(w http.ResponseWriter, r *http.Request) {
	id := ledger.GrantID(chi.URLParam(r, "id"))

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Service.Manager.Adjust(r.Context(), id, req.Delta, req.Note, ledger.ActorID(req.ActorID))
	if err != nil {
		h.writeLedgerError(w, "Failed to adjust grant", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

// RevokeGrant retires an active grant.
func (h *Handler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	id := ledger.GrantID(chi.URLParam(r, "id"))

	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Service.Manager.Revoke(r.Context(), id, req.Note, ledger.ActorID(req.ActorID))
	if err != nil {
		h.writeLedgerError(w, "Failed to revoke grant", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs an expiration sweep immediately. The scheduler runs
// the same sweep on an interval; this endpoint exists for ops and tests.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	now := time.Now()
	if req.Now != nil {
		t, err := time.Parse(time.RFC3339, *req.Now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'now' timestamp (use RFC 3339)", err)
			return
		}
		now = t
	}

	count, err := h.Service.Sweeper.Sweep(r.Context(), now)
	if err != nil {
		h.writeLedgerError(w, "Sweep failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SweepResponse{Expired: count})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps domain error kinds to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrInvalidGrant):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsClientError(err):
		// Definite business outcomes: retrying the same request cannot
		// succeed, but the request itself was well-formed.
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
