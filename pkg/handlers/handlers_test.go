package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utility-ussd-bridge/pkg/bridge"
	"utility-ussd-bridge/pkg/models"
	"utility-ussd-bridge/pkg/persistence"
	"utility-ussd-bridge/pkg/webhook"
)

type fakeBridge struct {
	result    models.StructuredResult
	err       error
	results   []models.StructuredResult
	outcome   webhook.Outcome
	status    bridge.Status
	statusErr error
	pending   *models.PendingCorrelation

	gotUserID  string
	gotPhone   string
	gotMeter   string
	gotRequest string
	gotAmount  decimal.Decimal
	gotFilter  persistence.Filter
	gotCb      webhook.Callback
}

func (f *fakeBridge) FetchBillData(ctx context.Context, userID, phoneNumber, meterNumber string) (models.StructuredResult, error) {
	f.gotUserID, f.gotPhone, f.gotMeter = userID, phoneNumber, meterNumber
	return f.result, f.err
}

func (f *fakeBridge) PurchaseTokens(ctx context.Context, userID, phoneNumber, meterNumber string, amount decimal.Decimal) (models.StructuredResult, error) {
	f.gotUserID, f.gotPhone, f.gotMeter, f.gotAmount = userID, phoneNumber, meterNumber, amount
	return f.result, f.err
}

func (f *fakeBridge) CheckUnits(ctx context.Context, userID, phoneNumber, meterNumber string) (models.StructuredResult, error) {
	f.gotUserID, f.gotPhone, f.gotMeter = userID, phoneNumber, meterNumber
	return f.result, f.err
}

func (f *fakeBridge) Correlation(ctx context.Context, requestID string) (*models.PendingCorrelation, error) {
	f.gotRequest = requestID
	return f.pending, f.err
}

func (f *fakeBridge) Results(ctx context.Context, filter persistence.Filter) ([]models.StructuredResult, error) {
	f.gotFilter = filter
	return f.results, f.err
}

func (f *fakeBridge) Ingest(ctx context.Context, cb webhook.Callback) (webhook.Outcome, error) {
	f.gotCb = cb
	return f.outcome, f.err
}

func (f *fakeBridge) Status(ctx context.Context) (bridge.Status, error) {
	return f.status, f.statusErr
}

func newRouter(b Bridge) *mux.Router {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	h := NewHandler(b, logger)

	router := mux.NewRouter()
	router.HandleFunc("/users/{userID}/bill", h.FetchBill).Methods("POST")
	router.HandleFunc("/users/{userID}/tokens", h.PurchaseTokens).Methods("POST")
	router.HandleFunc("/users/{userID}/units", h.CheckUnits).Methods("POST")
	router.HandleFunc("/users/{userID}/results", h.Results).Methods("GET")
	router.HandleFunc("/requests/{requestID}", h.Request).Methods("GET")
	router.HandleFunc("/webhooks/inbound", h.Webhook).Methods("POST")
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/status", h.Status).Methods("GET")
	return router
}

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_FetchBillReturnsResult(t *testing.T) {
	fb := &fakeBridge{result: models.StructuredResult{
		RequestID:    "req-1",
		Source:       models.SourceMatched,
		ResponseKind: models.KindBalance,
		Fields: models.BillSnapshot{
			MeterNumber:        "1423",
			OutstandingBalance: decimal.NewNullDecimal(decimal.RequireFromString("450.50")),
		},
		ResolvedAt: time.Now(),
	}}

	rec := serve(newRouter(fb), http.MethodPost, "/users/user-1/bill", `{"phone_number":"+254711000001","meter_number":"1423"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "matched", rec.Header().Get(ResultSourceHeader))
	assert.Equal(t, "user-1", fb.gotUserID)
	assert.Equal(t, "+254711000001", fb.gotPhone)
	assert.Equal(t, "1423", fb.gotMeter)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, true, body["confirmed"])
}

func TestHandler_FallbackIsStillOK(t *testing.T) {
	fb := &fakeBridge{result: models.StructuredResult{
		RequestID:      "req-2",
		Source:         models.SourceFallback,
		ResponseKind:   models.KindToken,
		FallbackReason: "no eligible reply before deadline",
		Fields: models.TokenTransaction{
			MeterNumber: "1423",
			Amount:      decimal.NewFromInt(500),
			TokenCode:   "UNCONFIRMED-500-1700000000-ABCD1234",
			Synthetic:   true,
		},
	}}

	rec := serve(newRouter(fb), http.MethodPost, "/users/user-1/tokens", `{"phone_number":"+254711000002","meter_number":"1423","amount":"500"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get(ResultSourceHeader))
	assert.Equal(t, "+254711000002", fb.gotPhone)
	assert.True(t, decimal.NewFromInt(500).Equal(fb.gotAmount))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["confirmed"])
	assert.Equal(t, "no eligible reply before deadline", body["fallback_reason"])
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      int
		ambiguous bool
	}{
		{"invalid parameters", fmt.Errorf("%w: meter number is empty", models.ErrInvalidParameters), http.StatusBadRequest, false},
		{"conflict", fmt.Errorf("%w: held by req-1", models.ErrCorrelationConflict), http.StatusConflict, false},
		{"unknown request", fmt.Errorf("%w: req-9", models.ErrCorrelationNotFound), http.StatusNotFound, false},
		{"rejected dispatch", &models.DispatchError{StatusCode: 401, Body: "bad key"}, http.StatusBadGateway, false},
		{"ambiguous dispatch", &models.DispatchError{Ambiguous: true, Err: errors.New("connection reset")}, http.StatusBadGateway, true},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, false},
		{"store failure", errors.New("redis: connection refused"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newRouter(&fakeBridge{err: tt.err}), http.MethodPost, "/users/user-1/units", `{"phone_number":"+254711000001","meter_number":"1423"}`)

			assert.Equal(t, tt.code, rec.Code)
			assert.Empty(t, rec.Header().Get(ResultSourceHeader))

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tt.ambiguous, body.Ambiguous)
		})
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	fb := &fakeBridge{}
	rec := serve(newRouter(fb), http.MethodPost, "/users/user-1/bill", `{"meter_number":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fb.gotUserID, "nothing reaches the bridge")
}

func TestHandler_Results(t *testing.T) {
	fb := &fakeBridge{}
	router := newRouter(fb)

	rec := serve(router, http.MethodGet, "/users/user-1/results?kind=token&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, persistence.Filter{UserID: "user-1", Kind: models.KindToken, Limit: 5}, fb.gotFilter)

	var body struct {
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body.Results)
	assert.Empty(t, body.Results)

	rec = serve(router, http.MethodGet, "/users/user-1/results?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Request(t *testing.T) {
	fb := &fakeBridge{pending: &models.PendingCorrelation{
		ID:           "req-1",
		UserID:       "user-1",
		PhoneNumber:  "+254711000001",
		ResponseKind: models.KindToken,
		Status:       models.StatusTimedOut,
	}}
	router := newRouter(fb)

	rec := serve(router, http.MethodGet, "/requests/req-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", fb.gotRequest)

	var body models.PendingCorrelation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.StatusTimedOut, body.Status)
	assert.Equal(t, "+254711000001", body.PhoneNumber)

	fb.err = fmt.Errorf("%w: req-9", models.ErrCorrelationNotFound)
	rec = serve(router, http.MethodGet, "/requests/req-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Webhook(t *testing.T) {
	fb := &fakeBridge{outcome: webhook.Outcome{Type: webhook.OutcomeInbound, MessageID: "msg-1", Kind: models.MessageBalance}}
	router := newRouter(fb)

	form := url.Values{"from": {"+254700000001"}, "to": {"12345"}, "text": {"Your balance is 450.50 KSh"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+254700000001", fb.gotCb["from"])
	assert.Contains(t, rec.Body.String(), "msg-1")

	fb.err = webhook.ErrUnrecognizedCallback
	rec = serve(router, http.MethodPost, "/webhooks/inbound", `{"hello":"world"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fb.err = errors.New("redis: connection refused")
	rec = serve(router, http.MethodPost, "/webhooks/inbound", `{"from":"+254700000001","text":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "store failures ask the aggregator to redeliver")
}

func TestHandler_HealthAndStatus(t *testing.T) {
	fb := &fakeBridge{status: bridge.Status{
		PodID:               "pod-a",
		IsLeader:            true,
		PendingCorrelations: 3,
		InboundMessages:     7,
		RecentInbound:       []models.InboundMessage{{ID: "msg-7", PhoneNumber: "+254711000001", Kind: models.MessageToken}},
	}}
	router := newRouter(fb)

	rec := serve(router, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pod-a", body["pod_id"])
	assert.Equal(t, true, body["is_leader"])
	assert.Equal(t, float64(3), body["pending_correlations"])
	recent, ok := body["recent_inbound"].([]interface{})
	require.True(t, ok)
	require.Len(t, recent, 1)
	assert.Equal(t, "msg-7", recent[0].(map[string]interface{})["id"])

	rec = serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	fb.statusErr = errors.New("redis down")
	rec = serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
