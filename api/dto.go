/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BalanceDTO is the derived per-source balance view.
type BalanceDTO struct {
	OwnerID           string `json:"owner_id"`
	EmployerRemaining int    `json:"employer_remaining"`
	PersonalRemaining int    `json:"personal_remaining"`
	TotalRemaining    int    `json:"total_remaining"`
	EmployerGranted   int    `json:"employer_granted"`
	EmployerConsumed  int    `json:"employer_consumed"`
	PersonalGranted   int    `json:"personal_granted"`
	PersonalConsumed  int    `json:"personal_consumed"`
	Utilization       string `json:"utilization"`
	AsOf              string `json:"as_of"`
}

// GrantDTO represents a grant in API responses.
type GrantDTO struct {
	ID               string  `json:"id"`
	OwnerID          string  `json:"owner_id"`
	CompanyID        string  `json:"company_id,omitempty"`
	Source           string  `json:"source"`
	SessionsGranted  int     `json:"sessions_granted"`
	SessionsConsumed int     `json:"sessions_consumed"`
	Remaining        int     `json:"remaining"`
	GrantedAt        string  `json:"granted_at"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	Status           string  `json:"status"`
}

// EntryDTO represents a ledger entry.
type EntryDTO struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	GrantID        string `json:"grant_id"`
	Delta          int    `json:"delta"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	Note           string `json:"note,omitempty"`
	RemainingAfter int    `json:"remaining_after"`
	CreatedAt      string `json:"created_at"`
}

// ConsumeRequest triggers a single session consumption for a completed
// booking. The idempotency key is the booking id.
type ConsumeRequest struct {
	OwnerID        string `json:"owner_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ConsumeResponse reports which grant was drained.
type ConsumeResponse struct {
	GrantID        string `json:"grant_id"`
	Source         string `json:"source"`
	RemainingAfter int    `json:"remaining_after"`
}

// RefundRequest reverses the consumption recorded under the key.
type RefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// CreateGrantRequest issues a new grant.
type CreateGrantRequest struct {
	OwnerID   string  `json:"owner_id"`
	CompanyID string  `json:"company_id,omitempty"`
	Source    string  `json:"source"`
	Sessions  int     `json:"sessions"`
	ExpiresAt *string `json:"expires_at,omitempty"` // RFC 3339
	ActorID   string  `json:"actor_id"`
}

// CreateGrantResponse returns the new grant id.
type CreateGrantResponse struct {
	GrantID string `json:"grant_id"`
}

// CompanyAllocationRequest materializes a company allocation as
// per-employee grants.
type CompanyAllocationRequest struct {
	CompanyID    string   `json:"company_id"`
	OwnerIDs     []string `json:"owner_ids"`
	SessionsEach int      `json:"sessions_each"`
	ExpiresAt    *string  `json:"expires_at,omitempty"`
	ActorID      string   `json:"actor_id"`
}

// CompanyAllocationResponse returns the materialized grant ids.
type CompanyAllocationResponse struct {
	GrantIDs []string `json:"grant_ids"`
}

// AdjustRequest applies an administrative credit or debit to a grant.
// Positive delta consumes sessions (debit), negative restores them.
type AdjustRequest struct {
	Delta   int    `json:"delta"`
	Note    string `json:"note"`
	ActorID string `json:"actor_id"`
}

// RevokeRequest retires an active grant.
type RevokeRequest struct {
	Note    string `json:"note"`
	ActorID string `json:"actor_id"`
}

// SweepRequest triggers an expiration sweep. Now is optional and exists
// for testing/ops; empty means the current time.
type SweepRequest struct {
	Now *string `json:"now,omitempty"` // RFC 3339
}

// SweepResponse reports how many grants were retired.
type SweepResponse struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		OwnerID:           string(b.OwnerID),
		EmployerRemaining: b.EmployerRemaining,
		PersonalRemaining: b.PersonalRemaining,
		TotalRemaining:    b.TotalRemaining(),
		EmployerGranted:   b.EmployerGranted,
		EmployerConsumed:  b.EmployerConsumed,
		PersonalGranted:   b.PersonalGranted,
		PersonalConsumed:  b.PersonalConsumed,
		Utilization:       b.Utilization().StringFixed(4),
		AsOf:              b.AsOf.Format(time.RFC3339),
	}
}

func toGrantDTO(g ledger.Grant) GrantDTO {
	dto := GrantDTO{
		ID:               string(g.ID),
		OwnerID:          string(g.OwnerID),
		CompanyID:        g.CompanyID,
		Source:           string(g.Source),
		SessionsGranted:  g.SessionsGranted,
		SessionsConsumed: g.SessionsConsumed,
		Remaining:        g.Remaining(),
		GrantedAt:        g.GrantedAt.Format(time.RFC3339),
		Status:           string(g.Status),
	}
	if g.ExpiresAt != nil {
		s := g.ExpiresAt.Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		OwnerID:        string(e.OwnerID),
		GrantID:        string(e.GrantID),
		Delta:          e.Delta,
		Reason:         string(e.Reason),
		IdempotencyKey: e.IdempotencyKey,
		ActorID:        string(e.ActorID),
		Note:           e.Note,
		RemainingAfter: e.RemainingAfter,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}
