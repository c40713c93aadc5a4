package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/service"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/internal/testutil"
)

func TestCreateOrderUnauthorized(t *testing.T) {
	h := New(&fakeOrders{}, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/orders", validOrderBody())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestCreateOrderAccepted(t *testing.T) {
	orders := &fakeOrders{submitResult: acceptedResult(testutil.BTCUSDTPairID)}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body createOrderResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "accepted" {
		t.Fatalf("expected status accepted, got %s", body.Status)
	}
	if body.OrderID != orders.submitResult.Order.ID.String() {
		t.Fatalf("expected order id %s, got %s", orders.submitResult.Order.ID, body.OrderID)
	}
	if orders.lastSubmit.UserID != testutil.DemoUserID {
		t.Fatalf("expected user %s, got %s", testutil.DemoUserID, orders.lastSubmit.UserID)
	}
}

func TestCreateOrderValidationFields(t *testing.T) {
	orders := &fakeOrders{}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	body := validOrderBody()
	body["quantity"] = "abc"
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", body, testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	var errResp struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(errResp.Fields) == 0 {
		t.Fatalf("expected field errors")
	}
	if errResp.Fields[0].Field != "quantity" {
		t.Fatalf("expected quantity field error, got %s", errResp.Fields[0].Field)
	}
	if orders.lastSubmit != nil {
		t.Fatalf("expected SubmitOrder not to be called")
	}
}

func TestCreateOrderIdempotencyHeaderPrecedence(t *testing.T) {
	orders := &fakeOrders{submitResult: acceptedResult(testutil.BTCUSDTPairID)}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	body := validOrderBody()
	body["client_order_id"] = "body-key"
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testJWT(t, testutil.DemoUserID))
	req.Header.Set("Idempotency-Key", "header-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if orders.lastSubmit == nil {
		t.Fatalf("expected SubmitOrder to be called")
	}
	if orders.lastSubmit.ClientOrderID != "header-key" {
		t.Fatalf("expected header idempotency key to win, got %s", orders.lastSubmit.ClientOrderID)
	}
}

func TestCreateOrderUnknownSymbol(t *testing.T) {
	orders := &fakeOrders{submitErr: service.ErrUnknownSymbol}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestCreateOrderDuplicateClientOrder(t *testing.T) {
	orders := &fakeOrders{submitErr: storage.ErrDuplicateClientOrder}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeDuplicateClientOrder)
}

func TestCreateOrderAccountFrozen(t *testing.T) {
	orders := &fakeOrders{submitErr: storage.ErrAccountFrozen}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestCreateOrderInsufficientBalance(t *testing.T) {
	rejected := acceptedResult(testutil.BTCUSDTPairID)
	rejected.Status = "rejected"
	rejected.Reasons = []string{"insufficient balance"}
	rejected.Order.Status = storage.OrderStatusRejected
	orders := &fakeOrders{submitResult: rejected}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientBalance)
}

func TestCreateOrderPairNotActive(t *testing.T) {
	rejected := acceptedResult(testutil.BTCUSDTPairID)
	rejected.Status = "rejected"
	rejected.Reasons = []string{service.ErrPairNotActive.Error()}
	rejected.Order.Status = storage.OrderStatusRejected
	orders := &fakeOrders{submitResult: rejected}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodePairNotActive)
}

func TestCreateOrderExistingReturnsOriginal(t *testing.T) {
	existing := acceptedResult(testutil.BTCUSDTPairID)
	existing.Status = "accepted"
	existing.Existing = true
	orders := &fakeOrders{submitResult: existing}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", validOrderBody(), testJWT(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body createOrderResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.OrderID != existing.Order.ID.String() {
		t.Fatalf("expected original order id %s, got %s", existing.Order.ID, body.OrderID)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	orders := &fakeOrders{getErr: storage.ErrNotFound}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/"+uuid.NewString(), nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOrderNotFound)
}

func TestGetOrderInvalidID(t *testing.T) {
	h := New(&fakeOrders{}, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/not-a-uuid", nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestListOrdersInvalidCursor(t *testing.T) {
	orders := &fakeOrders{listErr: storage.ErrInvalidCursor}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders?cursor=garbage", nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestListOrdersResolvesSymbols(t *testing.T) {
	pairID := testutil.BTCUSDTPairID
	now := time.Now().UTC()
	orders := &fakeOrders{
		orders: []storage.Order{{
			ID:                uuid.New(),
			UserID:            testutil.DemoUserID,
			TradingPairID:     pairID,
			Type:              storage.OrderTypeLimit,
			Side:              storage.OrderSideBuy,
			Quantity:          decimal.NewFromInt(1),
			FilledQuantity:    decimal.Zero,
			RemainingQuantity: decimal.NewFromInt(1),
			Status:            storage.OrderStatusOpen,
			TimeInForce:       storage.TimeInForceGTC,
			CreatedAt:         now,
			UpdatedAt:         now,
		}},
		nextCursor: "next",
		symbols:    map[uuid.UUID]string{pairID: "BTC-USDT"},
	}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders", nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body listOrdersResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(body.Orders))
	}
	if body.Orders[0].Symbol != "BTC-USDT" {
		t.Fatalf("expected symbol BTC-USDT, got %s", body.Orders[0].Symbol)
	}
	if body.NextCursor != "next" {
		t.Fatalf("expected next cursor, got %q", body.NextCursor)
	}
}

func TestCancelOrderNotCancellable(t *testing.T) {
	orders := &fakeOrders{cancelErr: storage.ErrOrderNotCancellable}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodDelete, "/orders/"+uuid.NewString(), nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOrderNotCancellable)
}

func TestCancelOrderReturnsStatus(t *testing.T) {
	now := time.Now().UTC()
	orders := &fakeOrders{cancelResult: storage.Order{
		ID:        uuid.New(),
		Status:    storage.OrderStatusCancelled,
		UpdatedAt: now,
	}}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodDelete, "/orders/"+uuid.NewString(), nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != storage.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", body["status"])
	}
}
