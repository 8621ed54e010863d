package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/bridge"
	"utility-ussd-bridge/pkg/models"
	"utility-ussd-bridge/pkg/persistence"
	"utility-ussd-bridge/pkg/webhook"
)

// ResultSourceHeader carries the result's source tag so callers can branch without
// decoding the body.
const ResultSourceHeader = "X-Result-Source"

// Bridge is the set of operations the HTTP layer exposes. *bridge.Service implements it.
type Bridge interface {
	FetchBillData(ctx context.Context, userID, phoneNumber, meterNumber string) (models.StructuredResult, error)
	PurchaseTokens(ctx context.Context, userID, phoneNumber, meterNumber string, amount decimal.Decimal) (models.StructuredResult, error)
	CheckUnits(ctx context.Context, userID, phoneNumber, meterNumber string) (models.StructuredResult, error)
	Results(ctx context.Context, filter persistence.Filter) ([]models.StructuredResult, error)
	Correlation(ctx context.Context, requestID string) (*models.PendingCorrelation, error)
	Ingest(ctx context.Context, cb webhook.Callback) (webhook.Outcome, error)
	Status(ctx context.Context) (bridge.Status, error)
}

type Handler struct {
	bridge Bridge
	logger *logrus.Logger
}

func NewHandler(b Bridge, logger *logrus.Logger) *Handler {
	return &Handler{
		bridge: b,
		logger: logger,
	}
}

// meterRequest names the handset session to drive and the meter to ask about.
type meterRequest struct {
	PhoneNumber string          `json:"phone_number"`
	MeterNumber string          `json:"meter_number"`
	Amount      decimal.Decimal `json:"amount"`
}

func decodeMeterRequest(r *http.Request) (meterRequest, error) {
	var request meterRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return request, err
	}
	return request, nil
}

func (h *Handler) FetchBill(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	request, err := decodeMeterRequest(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.bridge.FetchBillData(r.Context(), userID, request.PhoneNumber, request.MeterNumber)
	h.respondResult(w, result, err, userID)
}

func (h *Handler) PurchaseTokens(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	request, err := decodeMeterRequest(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.bridge.PurchaseTokens(r.Context(), userID, request.PhoneNumber, request.MeterNumber, request.Amount)
	h.respondResult(w, result, err, userID)
}

func (h *Handler) CheckUnits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	request, err := decodeMeterRequest(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.bridge.CheckUnits(r.Context(), userID, request.PhoneNumber, request.MeterNumber)
	h.respondResult(w, result, err, userID)
}

func (h *Handler) respondResult(w http.ResponseWriter, result models.StructuredResult, err error, userID string) {
	if err != nil {
		h.writeError(w, err, logrus.Fields{"user_id": userID})
		return
	}

	w.Header().Set(ResultSourceHeader, string(result.Source))
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	filter := persistence.Filter{
		UserID: mux.Vars(r)["userID"],
		Kind:   models.ResponseKind(r.URL.Query().Get("kind")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	results, err := h.bridge.Results(r.Context(), filter)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"user_id": filter.UserID})
		return
	}
	if results == nil {
		results = []models.StructuredResult{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": filter.UserID,
		"results": results,
	})
}

// Request reports the correlation state of one dispatched request.
func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestID"]

	p, err := h.bridge.Correlation(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"request_id": requestID})
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// Webhook accepts both aggregator callback shapes: inbound messages and delivery reports.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	cb, err := webhook.DecodeCallback(w, r)
	if err != nil {
		http.Error(w, "Invalid callback body", http.StatusBadRequest)
		return
	}

	outcome, err := h.bridge.Ingest(r.Context(), cb)
	if err != nil {
		h.writeError(w, err, logrus.Fields{"path": r.URL.Path})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, err := h.bridge.Status(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "healthy",
		"is_leader":            status.IsLeader,
		"pending_correlations": status.PendingCorrelations,
		"timestamp":            time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.bridge.Status(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":               status.PodID,
		"is_leader":            status.IsLeader,
		"pending_correlations": status.PendingCorrelations,
		"inbound_messages":     status.InboundMessages,
		"recent_inbound":       status.RecentInbound,
		"timestamp":            time.Now(),
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Ambiguous bool   `json:"ambiguous,omitempty"`
}

// StatusCode maps an operation error to its HTTP status.
func StatusCode(err error) int {
	var dispatchErr *models.DispatchError
	switch {
	case errors.Is(err, models.ErrInvalidParameters), errors.Is(err, webhook.ErrUnrecognizedCallback):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrCorrelationNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrCorrelationConflict), errors.Is(err, models.ErrCorrelationResolved):
		return http.StatusConflict
	case errors.As(err, &dispatchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fields logrus.Fields) {
	code := StatusCode(err)
	response := errorResponse{Error: err.Error()}

	var dispatchErr *models.DispatchError
	if errors.As(err, &dispatchErr) {
		response.Ambiguous = dispatchErr.Ambiguous
	}

	log := h.logger.WithFields(fields).WithError(err).WithField("status_code", code)
	if code >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	writeJSON(w, code, response)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
