/*
handlers.go - HTTP handlers

PURPOSE:
  Exposes the stock, production and sync services over REST. Handlers
  parse and validate input, delegate to the domain services, and map
  domain errors to HTTP status codes.

ENDPOINTS:
  Stock:
    GET    /api/stock/{type}/{id}/balance      Current balance
    GET    /api/stock/{type}/{id}/movements    Movement history
    POST   /api/stock/receptions               MP reception
    POST   /api/stock/adjustments              Inventory adjustment
    POST   /api/stock/losses                   Loss declaration
    POST   /api/stock/consume                  Direct FIFO consumption
    POST   /api/stock/consume/preview          FIFO dry run
    GET    /api/lots/{id}                      Lot detail
    POST   /api/lots/{id}/block                Quality hold
    POST   /api/lots/{id}/unblock              Release hold
    GET    /api/lots/expiring?days=N           Expiring lots

  Production:
    POST   /api/production/orders              Create order
    GET    /api/production/orders              List orders
    GET    /api/production/orders/{id}         Order detail
    GET    /api/production/orders/{id}/availability
    GET    /api/production/availability        Preview before creating
    POST   /api/production/orders/{id}/start
    POST   /api/production/orders/{id}/complete
    POST   /api/production/orders/{id}/cancel
    GET    /api/production/recipes             List recipes

  Sync:
    GET    /api/sync/status                    Connectivity + queue depth
    POST   /api/sync/run                       Trigger a full cycle now
    POST   /api/sync/push                      Upload only
    POST   /api/sync/pull                      Download only
    GET    /api/sync/conflicts                 Pending conflicts
    POST   /api/sync/conflicts/{id}/resolve    Pick a winner

ERROR MAPPING:
  400  business rule violations, malformed input
  404  unknown entity
  409  insufficient stock, invalid state transition, version conflicts
  500  storage and sync failures
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mokksdz/manchengo/app"
	"github.com/Mokksdz/manchengo/core"
	"github.com/Mokksdz/manchengo/production"
	"github.com/Mokksdz/manchengo/stock"
	"github.com/Mokksdz/manchengo/sync"
)

// Handler holds the application context for all endpoints.
type Handler struct {
	App *app.Context
}

func NewHandler(appCtx *app.Context) *Handler {
	return &Handler{App: appCtx}
}

// userID pulls the acting user from the request; the desktop shell
// sets it per session.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return "anonymous"
}

// =============================================================================
// STOCK
// =============================================================================

// GetBalance returns the current ledger balance for a product.
// GET /api/stock/{type}/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	pt, err := stock.ParseProductType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product type", err)
		return
	}
	productID := chi.URLParam(r, "id")

	balance, err := h.App.Stock.Ledger().Balance(r.Context(), pt, productID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ProductType: string(pt),
		ProductID:   productID,
		Quantity:    balance.String(),
	})
}

// GetMovements returns movement history for a product.
// GET /api/stock/{type}/{id}/movements?limit=N
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	pt, err := stock.ParseProductType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product type", err)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	movements, err := h.App.Stock.Ledger().History(r.Context(), stock.MovementFilter{
		ProductType: pt,
		ProductID:   chi.URLParam(r, "id"),
		Limit:       limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dtos = append(dtos, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReception records an MP delivery.
// POST /api/stock/receptions
func (h *Handler) CreateReception(w http.ResponseWriter, r *http.Request) {
	var req CreateReceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := stock.CreateReception{
		SupplierID: req.SupplierID,
		BLNumber:   req.BLNumber,
		Note:       req.Note,
	}
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		in.Date = d
	}
	for _, line := range req.Lines {
		qty, ok := parseQuantity(line.Quantity)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid quantity "+line.Quantity, nil)
			return
		}
		l := stock.ReceptionLine{
			ProductMPID: line.ProductMPID,
			LotNumber:   line.LotNumber,
			Quantity:    qty,
			UnitCost:    core.MoneyFromCentimes(line.UnitCost),
		}
		if line.ExpiryDate != "" {
			e, err := time.Parse("2006-01-02", line.ExpiryDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid expiry_date format (use YYYY-MM-DD)", err)
				return
			}
			l.ExpiryDate = &e
		}
		in.Lines = append(in.Lines, l)
	}

	result, err := h.App.Stock.Reception(r.Context(), in, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// CreateAdjustment records a physical-count correction.
// POST /api/stock/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pt, err := stock.ParseProductType(req.ProductType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product type", err)
		return
	}
	qty, ok := parseQuantity(req.PhysicalQuantity)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid physical_quantity", nil)
		return
	}

	result, err := h.App.Stock.Adjust(r.Context(), stock.AdjustInventory{
		ProductType:      pt,
		ProductID:        req.ProductID,
		PhysicalQuantity: qty,
		Reason:           req.Reason,
	}, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// CreateLoss declares spoiled or damaged stock.
// POST /api/stock/losses
func (h *Handler) CreateLoss(w http.ResponseWriter, r *http.Request) {
	var req DeclareLossRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pt, err := stock.ParseProductType(req.ProductType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product type", err)
		return
	}
	qty, ok := parseQuantity(req.Quantity)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid quantity", nil)
		return
	}

	result, err := h.App.Stock.Loss(r.Context(), stock.DeclareLoss{
		ProductType: pt,
		ProductID:   req.ProductID,
		LotID:       req.LotID,
		Quantity:    qty,
		Reason:      req.Reason,
		Description: req.Description,
	}, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// parseConsume validates the shared consume/preview body.
func (h *Handler) parseConsume(w http.ResponseWriter, r *http.Request) (*stock.ConsumeRequest, bool) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}
	pt, err := stock.ParseProductType(req.ProductType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product type", err)
		return nil, false
	}
	qty, ok := parseQuantity(req.Quantity)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid quantity", nil)
		return nil, false
	}
	origin, err := stock.ParseOrigin(req.Origin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid origin", err)
		return nil, false
	}
	return &stock.ConsumeRequest{
		ProductType:   pt,
		ProductID:     req.ProductID,
		Quantity:      qty,
		Origin:        origin,
		ReferenceType: stock.ReferenceType(req.ReferenceType),
		ReferenceID:   req.ReferenceID,
		UserID:        userID(r),
	}, true
}

// Consume commits a FIFO consumption.
// POST /api/stock/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseConsume(w, r)
	if !ok {
		return
	}
	result, err := h.App.Stock.Engine().Consume(r.Context(), *req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PreviewConsume runs the FIFO dry run.
// POST /api/stock/consume/preview
func (h *Handler) PreviewConsume(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseConsume(w, r)
	if !ok {
		return
	}
	preview, err := h.App.Stock.Engine().Preview(r.Context(), req.ProductType, req.ProductID, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// GetLot returns one lot.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.App.Stock.Registry().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(*lot))
}

// BlockLot puts a lot on quality hold.
// POST /api/lots/{id}/block
func (h *Handler) BlockLot(w http.ResponseWriter, r *http.Request) {
	var req BlockLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "Block reason required", nil)
		return
	}
	if err := h.App.Stock.BlockLot(r.Context(), chi.URLParam(r, "id"), req.Reason, userID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnblockLot releases a quality hold.
// POST /api/lots/{id}/unblock
func (h *Handler) UnblockLot(w http.ResponseWriter, r *http.Request) {
	if err := h.App.Stock.UnblockLot(r.Context(), chi.URLParam(r, "id"), userID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetExpiringLots lists lots expiring within ?days (default 7).
// GET /api/lots/expiring
func (h *Handler) GetExpiringLots(w http.ResponseWriter, r *http.Request) {
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter", err)
			return
		}
		days = n
	}

	lots, err := h.App.Stock.ExpiringLots(r.Context(), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		dtos = append(dtos, toLotDTO(l))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStockAlerts returns rupture/critical/low products plus lots
// expiring within the window.
// GET /api/stock/alerts?days=30
func (h *Handler) GetStockAlerts(w http.ResponseWriter, r *http.Request) {
	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter", err)
			return
		}
		days = n
	}

	report, err := h.App.Stock.StockAlerts(r.Context(), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := StockAlertsDTO{
		Ruptures: report.Ruptures,
		Critical: report.Critical,
		Low:      report.Low,
		Expiring: make([]LotDTO, 0, len(report.Expiring)),
	}
	for _, l := range report.Expiring {
		resp.Expiring = append(resp.Expiring, toLotDTO(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PRODUCTION
// =============================================================================

// CreateOrder opens a production order.
// POST /api/production/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := production.CreateOrder{
		ProductPFID: req.ProductPFID,
		BatchCount:  req.BatchCount,
		Note:        req.Note,
	}
	if req.ScheduledDate != "" {
		d, err := time.Parse("2006-01-02", req.ScheduledDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid scheduled_date format (use YYYY-MM-DD)", err)
			return
		}
		in.ScheduledDate = &d
	}

	order, err := h.App.Workflow.Create(r.Context(), in, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(*order))
}

// PreviewAvailability previews MP coverage for a prospective order.
// GET /api/production/availability?product_pf_id=X&batch_count=N
func (h *Handler) PreviewAvailability(w http.ResponseWriter, r *http.Request) {
	productPFID := r.URL.Query().Get("product_pf_id")
	if productPFID == "" {
		writeError(w, http.StatusBadRequest, "product_pf_id required", nil)
		return
	}
	batchCount, err := strconv.Atoi(r.URL.Query().Get("batch_count"))
	if err != nil || batchCount <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid batch_count", err)
		return
	}

	avail, err := h.App.Workflow.PreviewAvailability(r.Context(), productPFID, batchCount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// ListOrders lists orders, optionally by ?status=.
// GET /api/production/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := production.OrderFilter{Limit: 200}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := production.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status", err)
			return
		}
		filter.Status = status
	}

	orders, err := h.App.Workflow.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrder returns one order.
// GET /api/production/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.App.Workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// GetAvailability previews MP coverage for an order.
// GET /api/production/orders/{id}/availability
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.App.Workflow.CheckAvailability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// StartOrder moves an order to IN_PROGRESS, consuming MP.
// POST /api/production/orders/{id}/start
func (h *Handler) StartOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.App.Workflow.Start(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// CompleteOrder finishes an order and creates the PF lot.
// POST /api/production/orders/{id}/complete
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	var req CompleteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	qty, ok := parseQuantity(req.ProducedQuantity)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid produced_quantity", nil)
		return
	}

	order, err := h.App.Workflow.Complete(r.Context(), chi.URLParam(r, "id"), qty, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// CancelOrder cancels an order.
// POST /api/production/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	order, err := h.App.Workflow.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// ListRecipes lists recipes (?active=true filters).
// GET /api/production/recipes
func (h *Handler) ListRecipes(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	recipes, err := h.App.Recipes.ListRecipes(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recipes)
}

// =============================================================================
// SYNC
// =============================================================================

// GetSyncStatus reports connectivity and queue depth.
// GET /api/sync/status
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := h.App.Store.PendingEvents(ctx, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	mark, err := h.App.Store.LastSyncedAt(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncStatusDTO{
		Online:       h.App.Online(),
		DeviceID:     h.App.DeviceID,
		PendingCount: len(pending),
		LastSyncedAt: mark,
	})
}

// RunSync triggers a sync cycle immediately.
// POST /api/sync/run
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	if h.App.Syncer == nil {
		writeError(w, http.StatusConflict, "Sync is disabled on this device", nil)
		return
	}
	report, err := h.App.Syncer.Sync(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PushSync uploads pending events only.
// POST /api/sync/push
func (h *Handler) PushSync(w http.ResponseWriter, r *http.Request) {
	if h.App.Syncer == nil {
		writeError(w, http.StatusConflict, "Sync is disabled on this device", nil)
		return
	}
	report, err := h.App.Syncer.Push(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PullSync downloads and integrates remote events only.
// POST /api/sync/pull
func (h *Handler) PullSync(w http.ResponseWriter, r *http.Request) {
	if h.App.Syncer == nil {
		writeError(w, http.StatusConflict, "Sync is disabled on this device", nil)
		return
	}
	report, err := h.App.Syncer.Pull(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListConflicts returns pending conflicts.
// GET /api/sync/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.App.Resolver.PendingConflicts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []sync.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ResolveConflict settles a parked conflict.
// POST /api/sync/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	err := h.App.Resolver.ResolveManual(r.Context(), chi.URLParam(r, "id"), sync.Winner(req.Winner), userID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health is the liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
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

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, core.ErrInsufficientStock),
		errors.Is(err, core.ErrInsufficientLotQuantity),
		errors.Is(err, core.ErrInvalidStateTransition),
		errors.Is(err, core.ErrLotExpired),
		errors.Is(err, core.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, core.ErrBusinessRule):
		writeError(w, http.StatusBadRequest, "Business rule violation", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
