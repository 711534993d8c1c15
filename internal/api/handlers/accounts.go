// Package handlers contains the HTTP handlers of the ledger API.
//
// This file covers the account endpoints the web layer calls:
//
//	GET  /v1/accounts/{id}/balance
//	POST /v1/accounts/{id}/debit
//	POST /v1/accounts/{id}/credit
//	GET  /v1/accounts/{id}/suspended
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"creditpanel/internal/core"
	"creditpanel/internal/types"
)

// LedgerService is satisfied by *ledger.Service.
type LedgerService interface {
	CreditBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal) (types.DebitOutcome, error)
	CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, promote bool) (decimal.Decimal, error)
	IsSuspended(ctx context.Context, accountID string) (bool, error)
}

// DebitRequest is the body of POST /v1/accounts/{id}/debit. A zero amount
// is accepted and changes nothing.
type DebitRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gte=0"`
}

// CreditRequest is the body of POST /v1/accounts/{id}/credit.
type CreditRequest struct {
	Amount          decimal.Decimal `json:"amount" validate:"gt=0"`
	PromoteToClient bool            `json:"promote_to_client"`
}

// BalanceResponse is the body of GET /accounts/{id}/balance.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// DebitResponse reports the balance left after a debit.
type DebitResponse struct {
	AccountID string             `json:"account_id"`
	Outcome   types.DebitOutcome `json:"outcome"`
}

// SuspendedResponse carries the billing suspension flag of an account.
type SuspendedResponse struct {
	AccountID string `json:"account_id"`
	Suspended bool   `json:"suspended"`
}

// AccountHandler serves the credit ledger endpoints.
type AccountHandler struct {
	ledger    LedgerService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler backed by the given ledger.
func NewAccountHandler(ledger LedgerService, v *core.Validator, l *slog.Logger) *AccountHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AccountHandler{ledger: ledger, validator: v, logger: l}
}

// RegisterRoutes mounts the account endpoints on r.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Post("/debit", h.Debit)
		r.Post("/credit", h.Credit)
		r.Get("/suspended", h.GetSuspended)
	})
}

// GetBalance handles GET /accounts/{id}/balance.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := h.ledger.CreditBalance(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: BalanceResponse{AccountID: id, Balance: balance}})
}

// Debit handles POST /v1/accounts/{id}/debit. Insufficient funds is a
// normal 200 response with outcome "insufficient_funds"; the account is
// suspended by the ledger in that case.
func (h *AccountHandler) Debit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req DebitRequest
	if err := h.decode(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	outcome, err := h.ledger.DebitAccount(r.Context(), id, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: DebitResponse{AccountID: id, Outcome: outcome}})
}

// Credit handles POST /accounts/{id}/credit. Amounts must be positive.
func (h *AccountHandler) Credit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CreditRequest
	if err := h.decode(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	balance, err := h.ledger.CreditAccount(r.Context(), id, req.Amount, req.PromoteToClient)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: BalanceResponse{AccountID: id, Balance: balance}})
}

// GetSuspended handles GET /accounts/{id}/suspended.
func (h *AccountHandler) GetSuspended(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	suspended, err := h.ledger.IsSuspended(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: SuspendedResponse{AccountID: id, Suspended: suspended}})
}

// decode parses and validates an amount-carrying body. Amounts are limited
// to the ledger's four decimal places.
func (h *AccountHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{ amount() decimal.Decimal }) error {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		return err
	}
	if a := dst.amount(); !a.Equal(a.Round(4)) {
		return types.NewAppError(types.ErrCodeValidationAmount, "amount has more than 4 decimal places", nil).
			WithDetails(map[string]any{"amount": a.String()})
	}
	return nil
}

func (r *DebitRequest) amount() decimal.Decimal  { return r.Amount }
func (r *CreditRequest) amount() decimal.Decimal { return r.Amount }
