package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/service"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/internal/validation"
)

type createOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stop_price"`
	Quantity      string `json:"quantity"`
	TimeInForce   string `json:"time_in_force"`
	ExpiresAt     string `json:"expires_at"`
}

type createOrderResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type orderItem struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Price         *string `json:"price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	Quantity      string  `json:"quantity"`
	Filled        string  `json:"filled_quantity"`
	Remaining     string  `json:"remaining_quantity"`
	Status        string  `json:"status"`
	TimeInForce   string  `json:"time_in_force"`
	ExpiresAt     string  `json:"expires_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}

	var expiresAt *time.Time
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid expires_at", nil, nil, nil)
			return
		}
		expiresAt = &parsed
	}

	errs := validation.ValidateOrderRequest(validation.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		ExpiresAt:   expiresAt,
	}, time.Now())
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", nil, errs, nil)
		return
	}

	qty, _ := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	pricePtr, err := optionalDecimalField(req.Price)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PRICE", "invalid price", nil, nil, nil)
		return
	}
	stopPtr, err := optionalDecimalField(req.StopPrice)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_PRICE", "invalid stop_price", nil, nil, nil)
		return
	}

	clientOrderID := strings.TrimSpace(req.ClientOrderID)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		clientOrderID = headerKey
	}

	input := service.SubmitOrderInput{
		UserID:        userID,
		ClientOrderID: clientOrderID,
		Symbol:        validation.NormalizeSymbol(req.Symbol),
		Side:          strings.ToLower(strings.TrimSpace(req.Side)),
		OrderType:     strings.ToLower(strings.TrimSpace(req.Type)),
		TimeInForce:   strings.ToUpper(strings.TrimSpace(req.TimeInForce)),
		Quantity:      qty,
		Price:         pricePtr,
		StopPrice:     stopPtr,
		ExpiresAt:     expiresAt,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestIDFromContext(c),
	}

	result, err := h.Orders.SubmitOrder(c.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownSymbol):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown symbol", nil, nil, nil)
		case errors.Is(err, storage.ErrDuplicateClientOrder):
			writeError(c, http.StatusConflict, "DUPLICATE_CLIENT_ORDER", "client_order_id already used", nil, nil, nil)
		case errors.Is(err, storage.ErrAccountFrozen):
			writeError(c, http.StatusForbidden, "FORBIDDEN", "account frozen", nil, nil, nil)
		default:
			h.Logger.Error("submit order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}

	if result.Status == "rejected" && !result.Existing {
		code := "INVALID_REQUEST"
		message := "order rejected"
		if hasReason(result.Reasons, "insufficient balance") {
			code = "INSUFFICIENT_BALANCE"
			message = "insufficient balance"
		} else if hasReason(result.Reasons, service.ErrPairNotActive.Error()) {
			code = "TRADING_PAIR_NOT_ACTIVE"
			message = "trading pair not active"
		}
		writeError(c, http.StatusBadRequest, code, message, result.Reasons, nil, map[string]string{"order_id": result.Order.ID.String()})
		return
	}

	resp := createOrderResponse{
		OrderID:   result.Order.ID.String(),
		Status:    result.Status,
		CreatedAt: result.Order.CreatedAt.UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	cursor := strings.TrimSpace(c.Query("cursor"))
	limit, ok := parseLimitQuery(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil, nil, nil)
		return
	}

	orders, nextCursor, err := h.Orders.ListOrders(c.Request.Context(), userID, status, limit, cursor)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil, nil, nil)
			return
		}
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]orderItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, h.orderToItem(order))
	}

	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil, nil, nil)
		return
	}

	order, err := h.Orders.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil, nil, nil)
			return
		}
		h.Logger.Error("get order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	c.JSON(http.StatusOK, h.orderToItem(order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order_id", nil, nil, nil)
		return
	}

	order, err := h.Orders.CancelOrder(c.Request.Context(), service.CancelOrderInput{
		UserID:        userID,
		OrderID:       orderID,
		IP:            c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil, nil, nil)
		case errors.Is(err, storage.ErrOrderNotCancellable):
			writeError(c, http.StatusBadRequest, "ORDER_NOT_CANCELLABLE", "order not cancellable", nil, nil, nil)
		default:
			h.Logger.Error("cancel order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":   order.ID.String(),
		"status":     order.Status,
		"updated_at": order.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) orderToItem(order storage.Order) orderItem {
	item := orderItem{
		OrderID:     order.ID.String(),
		Symbol:      h.Orders.SymbolFor(order.TradingPairID),
		Side:        order.Side,
		Type:        order.Type,
		Quantity:    order.Quantity.String(),
		Filled:      order.FilledQuantity.String(),
		Remaining:   order.RemainingQuantity.String(),
		Status:      order.Status,
		TimeInForce: order.TimeInForce,
		CreatedAt:   order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if order.ClientOrderID != nil {
		item.ClientOrderID = *order.ClientOrderID
	}
	if order.Price != nil {
		val := order.Price.String()
		item.Price = &val
	}
	if order.StopPrice != nil {
		val := order.StopPrice.String()
		item.StopPrice = &val
	}
	if order.ExpiresAt != nil {
		item.ExpiresAt = order.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return item
}

func optionalDecimalField(raw string) (*decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, err
	}
	return &val, nil
}
