package handlers

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/code-vibe/cryptotrade-exchange/internal/service"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/internal/validation"
)

type marketItem struct {
	Symbol            string `json:"symbol"`
	BaseCurrency      string `json:"base_currency"`
	QuoteCurrency     string `json:"quote_currency"`
	IsActive          bool   `json:"is_active"`
	MinOrderSize      string `json:"min_order_size"`
	MaxOrderSize      string `json:"max_order_size"`
	PricePrecision    int32  `json:"price_precision"`
	QuantityPrecision int32  `json:"quantity_precision"`
	MakerFee          string `json:"maker_fee"`
	TakerFee          string `json:"taker_fee"`
}

type bookLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int64  `json:"order_count"`
}

type orderBookResponse struct {
	Symbol    string      `json:"symbol"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

type tradeItem struct {
	TradeID   string `json:"trade_id"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	CreatedAt string `json:"created_at"`
}

type userTradeItem struct {
	tradeItem
	Side string `json:"side"`
	Fee  string `json:"fee"`
}

func (h *Handler) ListMarkets(c *gin.Context) {
	pairs := h.Orders.ListPairs()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Symbol < pairs[j].Symbol })

	items := make([]marketItem, 0, len(pairs))
	for _, pair := range pairs {
		items = append(items, marketItem{
			Symbol:            pair.Symbol,
			BaseCurrency:      pair.BaseCurrency,
			QuoteCurrency:     pair.QuoteCurrency,
			IsActive:          pair.IsActive,
			MinOrderSize:      pair.MinOrderSize.String(),
			MaxOrderSize:      pair.MaxOrderSize.String(),
			PricePrecision:    pair.PricePrecision,
			QuantityPrecision: pair.QuantityPrecision,
			MakerFee:          pair.MakerFee.String(),
			TakerFee:          pair.TakerFee.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"markets": items})
}

func (h *Handler) GetOrderBook(c *gin.Context) {
	symbol := validation.NormalizeSymbol(c.Param("symbol"))
	depth, ok := parseLimitQueryNamed(c, "depth")
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid depth", nil, nil, nil)
		return
	}

	book, err := h.Orders.GetOrderBook(c.Request.Context(), symbol, depth)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSymbol) {
			writeError(c, http.StatusNotFound, "SYMBOL_NOT_FOUND", "unknown symbol", nil, nil, nil)
			return
		}
		h.Logger.Error("get order book failed", "symbol", symbol, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	c.JSON(http.StatusOK, orderBookResponse{
		Symbol:    book.Symbol,
		Bids:      bookLevels(book.Bids),
		Asks:      bookLevels(book.Asks),
		Timestamp: book.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListMarketTrades(c *gin.Context) {
	symbol := validation.NormalizeSymbol(c.Param("symbol"))
	limit, ok := parseLimitQuery(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil, nil, nil)
		return
	}

	trades, err := h.Orders.ListRecentTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSymbol) {
			writeError(c, http.StatusNotFound, "SYMBOL_NOT_FOUND", "unknown symbol", nil, nil, nil)
			return
		}
		h.Logger.Error("list market trades failed", "symbol", symbol, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]tradeItem, 0, len(trades))
	for _, trade := range trades {
		items = append(items, h.tradeToItem(trade))
	}
	c.JSON(http.StatusOK, gin.H{"trades": items})
}

func (h *Handler) ListMyTrades(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	limit, ok := parseLimitQuery(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil, nil, nil)
		return
	}

	trades, err := h.Orders.ListUserTrades(c.Request.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("list user trades failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]userTradeItem, 0, len(trades))
	for _, trade := range trades {
		item := userTradeItem{tradeItem: h.tradeToItem(trade)}
		if trade.BuyerUserID == userID {
			item.Side = storage.OrderSideBuy
			item.Fee = trade.BuyerFee.String()
		} else {
			item.Side = storage.OrderSideSell
			item.Fee = trade.SellerFee.String()
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"trades": items})
}

func (h *Handler) tradeToItem(trade storage.Trade) tradeItem {
	return tradeItem{
		TradeID:   trade.ID.String(),
		Symbol:    h.Orders.SymbolFor(trade.TradingPairID),
		Price:     trade.Price.String(),
		Quantity:  trade.Quantity.String(),
		CreatedAt: trade.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func bookLevels(levels []storage.OrderBookLevel) []bookLevel {
	out := make([]bookLevel, 0, len(levels))
	for _, level := range levels {
		out = append(out, bookLevel{
			Price:      level.Price.String(),
			Quantity:   level.Quantity.String(),
			OrderCount: level.OrderCount,
		})
	}
	return out
}
