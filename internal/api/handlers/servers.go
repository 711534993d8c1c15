package handlers

// This file covers the server endpoints:
//
//	POST /v1/servers/{id}/transfer

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"creditpanel/internal/core"
	"creditpanel/internal/lifecycle"
	"creditpanel/internal/types"
)

// TransferService is satisfied by *lifecycle.Service.
type TransferService interface {
	TransferServer(ctx context.Context, serverID, targetNodeID int64) (*lifecycle.TransferResult, error)
}

// TransferRequest is the body of POST /servers/{id}/transfer.
type TransferRequest struct {
	NodeID int64 `json:"node_id" validate:"required,gt=0"`
}

// ServerHandler serves the server lifecycle endpoints.
type ServerHandler struct {
	transfers TransferService
	validator *core.Validator
	logger    *slog.Logger
}

// NewServerHandler creates a ServerHandler backed by the given transfer service.
func NewServerHandler(transfers TransferService, v *core.Validator, l *slog.Logger) *ServerHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ServerHandler{transfers: transfers, validator: v, logger: l}
}

// RegisterRoutes mounts the server endpoints on r.
func (h *ServerHandler) RegisterRoutes(r chi.Router) {
	r.Post("/servers/{id}/transfer", h.Transfer)
}

// Transfer handles POST /v1/servers/{id}/transfer and answers 202 once the
// panel has accepted the move.
func (h *ServerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	serverID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || serverID <= 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidID, "server id must be a positive integer", err))
		return
	}

	var req TransferRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.transfers.TransferServer(r.Context(), serverID, req.NodeID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: res})
}
