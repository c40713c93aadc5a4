package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+-[A-Z0-9]+$`)

var orderTypes = map[string]bool{
	"market":            true,
	"limit":             true,
	"stop_loss":         true,
	"take_profit":       true,
	"stop_loss_limit":   true,
	"take_profit_limit": true,
}

// OrderRequest carries the raw, untrusted order fields as received on the
// wire. Amounts stay strings until validated.
type OrderRequest struct {
	Symbol      string
	Side        string
	Type        string
	Quantity    string
	Price       string
	StopPrice   string
	TimeInForce string
	ExpiresAt   *time.Time
}

func ValidateOrderRequest(req OrderRequest, now time.Time) ValidationErrors {
	var errs ValidationErrors

	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	} else if !symbolPattern.MatchString(strings.ToUpper(symbol)) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol must match BASE-QUOTE"})
	}

	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "buy" && side != "sell" {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	}

	orderType := strings.ToLower(strings.TrimSpace(req.Type))
	if !orderTypes[orderType] {
		errs = append(errs, FieldError{Field: "type", Message: "unknown order type"})
	}

	tif := strings.ToUpper(strings.TrimSpace(req.TimeInForce))
	if tif == "" {
		tif = "GTC"
	}
	switch tif {
	case "GTC", "IOC", "FOK":
	case "GTD":
		if req.ExpiresAt == nil {
			errs = append(errs, FieldError{Field: "expires_at", Message: "expires_at is required for GTD orders"})
		} else if !req.ExpiresAt.After(now) {
			errs = append(errs, FieldError{Field: "expires_at", Message: "expires_at must be in the future"})
		}
	default:
		errs = append(errs, FieldError{Field: "time_in_force", Message: "time_in_force must be GTC, IOC, FOK, or GTD"})
	}

	if _, err := parsePositiveDecimal(req.Quantity, "quantity"); err != nil {
		errs = append(errs, FieldError{Field: "quantity", Message: err.Error()})
	}

	price := strings.TrimSpace(req.Price)
	if requiresPrice(orderType) && price == "" {
		errs = append(errs, FieldError{Field: "price", Message: fmt.Sprintf("price is required for %s orders", orderType)})
	}
	if price != "" {
		if _, err := parsePositiveDecimal(price, "price"); err != nil {
			errs = append(errs, FieldError{Field: "price", Message: err.Error()})
		}
	}

	stopPrice := strings.TrimSpace(req.StopPrice)
	if requiresStopPrice(orderType) && stopPrice == "" {
		errs = append(errs, FieldError{Field: "stop_price", Message: fmt.Sprintf("stop_price is required for %s orders", orderType)})
	}
	if stopPrice != "" {
		if _, err := parsePositiveDecimal(stopPrice, "stop_price"); err != nil {
			errs = append(errs, FieldError{Field: "stop_price", Message: err.Error()})
		}
	}

	return errs
}

func requiresPrice(orderType string) bool {
	switch orderType {
	case "limit", "stop_loss_limit", "take_profit_limit":
		return true
	}
	return false
}

func requiresStopPrice(orderType string) bool {
	switch orderType {
	case "stop_loss", "take_profit", "stop_loss_limit", "take_profit_limit":
		return true
	}
	return false
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
