package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/perpdesk/perpdesk/internal/domain"
	"github.com/perpdesk/perpdesk/internal/service"
)

// PositionService defines the lifecycle operations the position handler
// requires.
type PositionService interface {
	OpenPosition(ctx context.Context, req service.OpenRequest) (service.OpenResult, error)
	ConfirmOpen(ctx context.Context, ownerID, positionID, txRef string) (domain.Position, error)
	ClosePosition(ctx context.Context, ownerID, positionID string) (service.CloseResult, error)
	ConfirmClose(ctx context.Context, ownerID, positionID, txRef string, exitPrice float64) (domain.Position, error)
	ListPositions(ctx context.Context, ownerID string, status *domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error)
	Balance(ctx context.Context, ownerID string) (service.BalanceResult, error)
}

// QuoteService defines the price read the handler requires.
type QuoteService interface {
	Quotes(ctx context.Context) ([]domain.PriceQuote, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	quotes    QuoteService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given services.
func NewPositionHandler(positions PositionService, quotes QuoteService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		quotes:    quotes,
		logger:    logHandler(logger, "position"),
	}
}

// openPositionRequest is the JSON body for OpenPosition.
type openPositionRequest struct {
	OwnerID   string  `json:"ownerId"`
	Asset     string  `json:"asset"`
	Direction string  `json:"direction"`
	Principal float64 `json:"principal"`
	Leverage  float64 `json:"leverage"`
}

// OpenPosition validates and sizes a new position, returning the pending
// record plus unsigned instructions.
// POST /api/positions/open
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	result, err := h.positions.OpenPosition(r.Context(), service.OpenRequest{
		OwnerID:           req.OwnerID,
		Asset:             req.Asset,
		Direction:         domain.Direction(req.Direction),
		Principal:         req.Principal,
		LeverageRequested: req.Leverage,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "open position failed",
			slog.String("owner_id", req.OwnerID),
			slog.String("asset", req.Asset),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// confirmRequest is the JSON body for the confirm endpoints.
type confirmRequest struct {
	OwnerID   string  `json:"ownerId"`
	TxRef     string  `json:"txRef"`
	ExitPrice float64 `json:"exitPrice,omitempty"`
}

// ConfirmOpen marks a pending position as open after the owner submitted
// the signed transaction.
// POST /api/positions/{id}/confirm
func (h *PositionHandler) ConfirmOpen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "validation", "ownerId is required")
		return
	}

	pos, err := h.positions.ConfirmOpen(r.Context(), req.OwnerID, id, req.TxRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition builds the unsigned close instructions and a PnL preview.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "validation", "ownerId is required")
		return
	}

	result, err := h.positions.ClosePosition(r.Context(), req.OwnerID, id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "close position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ConfirmClose settles an open position after the close transaction landed.
// POST /api/positions/{id}/confirm-close
func (h *PositionHandler) ConfirmClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "validation", "ownerId is required")
		return
	}

	pos, err := h.positions.ConfirmClose(r.Context(), req.OwnerID, id, req.TxRef, req.ExitPrice)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns the owner's positions, optionally filtered by
// status, with live PnL on open records.
// GET /api/positions?ownerId=...&status=open
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "validation", "ownerId is required")
		return
	}

	var status *domain.PositionStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := domain.PositionStatus(v)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "validation", "unknown status "+v)
			return
		}
		status = &s
	}

	positions, err := h.positions.ListPositions(r.Context(), owner, status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("owner_id", owner),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// Balance returns the owner's venue collateral snapshot.
// GET /api/balance?ownerId=...
func (h *PositionHandler) Balance(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "validation", "ownerId is required")
		return
	}

	balance, err := h.positions.Balance(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// Prices returns the current quote for every supported asset.
// GET /api/prices
func (h *PositionHandler) Prices(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.quotes.Quotes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": quotes})
}
