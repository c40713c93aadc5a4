package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/code-vibe/cryptotrade-exchange/internal/service"
)

type balanceItem struct {
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"available_balance"`
	LockedBalance    string `json:"locked_balance"`
}

type holdingItem struct {
	balanceItem
	ValueUSD   string `json:"value_usd"`
	Percentage string `json:"percentage"`
}

type performanceItem struct {
	BuyVolume  string `json:"buy_volume"`
	SellVolume string `json:"sell_volume"`
	FeesPaid   string `json:"fees_paid"`
	PnL        string `json:"pnl"`
	PnLPercent string `json:"pnl_percent"`
	TradeCount int64  `json:"trade_count"`
}

type portfolioResponse struct {
	TotalValueUSD string          `json:"total_value_usd"`
	Holdings      []holdingItem   `json:"holdings"`
	OpenOrders    int64           `json:"open_orders"`
	TotalTrades   int64           `json:"total_trades"`
	Last24h       performanceItem `json:"last_24h"`
	ComputedAt    string          `json:"computed_at"`
}

type snapshotItem struct {
	TotalValueUSD string `json:"total_value_usd"`
	SnapshotAt    string `json:"snapshot_at"`
}

func (h *Handler) ListBalances(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	accounts, err := h.Balances.ListBalances(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("list balances failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]balanceItem, 0, len(accounts))
	for _, acct := range accounts {
		items = append(items, balanceItem{
			Currency:         acct.Currency,
			Balance:          acct.Balance.String(),
			AvailableBalance: acct.AvailableBalance.String(),
			LockedBalance:    acct.LockedBalance.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"balances": items})
}

func (h *Handler) GetPortfolio(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	portfolio, err := h.Portfolio.GetPortfolio(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("get portfolio failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	c.JSON(http.StatusOK, portfolioToResponse(portfolio))
}

func (h *Handler) GetPortfolioHistory(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	days := 0
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid days", nil, nil, nil)
			return
		}
		days = n
	}

	snapshots, err := h.Portfolio.GetPortfolioHistory(c.Request.Context(), userID, days)
	if err != nil {
		h.Logger.Error("get portfolio history failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]snapshotItem, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, snapshotItem{
			TotalValueUSD: snap.TotalValueUSD.String(),
			SnapshotAt:    snap.SnapshotAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": items})
}

func portfolioToResponse(p service.Portfolio) portfolioResponse {
	holdings := make([]holdingItem, 0, len(p.Holdings))
	for _, holding := range p.Holdings {
		holdings = append(holdings, holdingItem{
			balanceItem: balanceItem{
				Currency:         holding.Currency,
				Balance:          holding.Balance.String(),
				AvailableBalance: holding.AvailableBalance.String(),
				LockedBalance:    holding.LockedBalance.String(),
			},
			ValueUSD:   holding.ValueUSD.String(),
			Percentage: holding.Percentage.String(),
		})
	}

	return portfolioResponse{
		TotalValueUSD: p.TotalValueUSD.String(),
		Holdings:      holdings,
		OpenOrders:    p.OpenOrders,
		TotalTrades:   p.TotalTrades,
		Last24h: performanceItem{
			BuyVolume:  p.Last24h.BuyVolume.String(),
			SellVolume: p.Last24h.SellVolume.String(),
			FeesPaid:   p.Last24h.FeesPaid.String(),
			PnL:        p.Last24h.PnL.String(),
			PnLPercent: p.Last24h.PnLPercent.String(),
			TradeCount: p.Last24h.TradeCount,
		},
		ComputedAt: p.ComputedAt.UTC().Format(time.RFC3339),
	}
}
