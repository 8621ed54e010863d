// Package webhook turns aggregator callbacks into stored inbound messages and delivery
// reports.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/aggregator"
	"utility-ussd-bridge/pkg/correlation"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
	"utility-ussd-bridge/pkg/store"
)

// ErrUnrecognizedCallback is returned for payloads that are neither a delivery report nor
// an inbound message.
var ErrUnrecognizedCallback = errors.New("unrecognized callback payload")

const maxCallbackBytes = 64 << 10

// Callback is a decoded webhook payload with every value flattened to a string.
type Callback map[string]string

func (c Callback) get(key string) string {
	return strings.TrimSpace(c[key])
}

// IsDeliveryReport reports whether the payload has the delivery report shape.
func (c Callback) IsDeliveryReport() bool {
	return c.get("id") != "" && c.get("status") != ""
}

// IsInboundMessage reports whether the payload has the inbound message shape.
func (c Callback) IsInboundMessage() bool {
	return c.get("from") != "" && c.get("text") != ""
}

// DecodeCallback reads a form encoded or JSON webhook body.
func DecodeCallback(w http.ResponseWriter, r *http.Request) (Callback, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedCallback, err)
		}
		cb := make(Callback, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
			case string:
				cb[k] = val
			case float64:
				cb[k] = strconv.FormatFloat(val, 'f', -1, 64)
			default:
				encoded, _ := json.Marshal(val)
				cb[k] = string(encoded)
			}
		}
		return cb, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedCallback, err)
	}
	cb := make(Callback, len(r.PostForm))
	for k := range r.PostForm {
		cb[k] = r.PostForm.Get(k)
	}
	return cb, nil
}

type OutcomeType string

const (
	OutcomeInbound  OutcomeType = "inbound"
	OutcomeDelivery OutcomeType = "delivery"
)

// Outcome describes what an ingested callback became.
type Outcome struct {
	Type           OutcomeType        `json:"type"`
	MessageID      string             `json:"message_id,omitempty"`
	Kind           models.MessageKind `json:"kind,omitempty"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	DeliveryStatus string             `json:"delivery_status,omitempty"`
}

type Ingestor struct {
	store      *store.ResponseStore
	registry   *correlation.Registry
	classifier *Classifier
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func NewIngestor(store *store.ResponseStore, registry *correlation.Registry, classifier *Classifier, logger *logrus.Logger, metrics *metrics.Metrics) *Ingestor {
	return &Ingestor{
		store:      store,
		registry:   registry,
		classifier: classifier,
		logger:     logger,
		metrics:    metrics,
	}
}

// Ingest stores the callback. Inbound messages are always appended; an error means the
// message was not stored and the aggregator should redeliver.
func (i *Ingestor) Ingest(ctx context.Context, cb Callback) (Outcome, error) {
	switch {
	case cb.IsDeliveryReport():
		return i.ingestDelivery(ctx, cb)
	case cb.IsInboundMessage():
		return i.ingestInbound(ctx, cb)
	default:
		return Outcome{}, ErrUnrecognizedCallback
	}
}

func (i *Ingestor) ingestInbound(ctx context.Context, cb Callback) (Outcome, error) {
	from := cb.get("from")
	kind, rule := i.classifier.classify(cb["text"], from)

	metadata := make(map[string]string)
	for _, key := range []string{"to", "linkId", "date", "id"} {
		if v := cb.get(key); v != "" {
			metadata[key] = v
		}
	}

	msg := &models.InboundMessage{
		PhoneNumber: from,
		Text:        cb["text"],
		Sender:      from,
		ReceivedAt:  time.Now(),
		Kind:        kind,
		Metadata:    metadata,
	}

	if err := i.store.Append(ctx, msg); err != nil {
		return Outcome{}, err
	}

	i.metrics.InboundMessages.WithLabelValues(string(kind)).Inc()
	i.logger.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"phone_number": msg.PhoneNumber,
		"kind":         kind,
		"rule":         rule,
	}).Info("Ingested inbound message")

	return Outcome{Type: OutcomeInbound, MessageID: msg.ID, Kind: kind}, nil
}

func (i *Ingestor) ingestDelivery(ctx context.Context, cb Callback) (Outcome, error) {
	retries, _ := strconv.Atoi(cb.get("retryCount"))
	report := models.DeliveryReport{
		ID:            cb.get("id"),
		Status:        aggregator.NormalizeDeliveryStatus(cb.get("status")),
		RawStatus:     cb.get("status"),
		PhoneNumber:   cb.get("phoneNumber"),
		NetworkCode:   cb.get("networkCode"),
		RetryCount:    retries,
		FailureReason: cb.get("failureReason"),
		ReceivedAt:    time.Now(),
	}

	if err := i.store.RecordDelivery(ctx, report); err != nil {
		return Outcome{}, err
	}
	i.metrics.DeliveryReports.WithLabelValues(report.Status).Inc()

	correlationID, found, err := i.registry.SetDeliveryStatus(ctx, report.ID, report.Status)
	if err != nil {
		// Delivery status is informational; the report itself is already recorded.
		i.logger.WithError(err).WithField("session_id", report.ID).Warn("Failed to attach delivery status")
	}

	log := i.logger.WithFields(logrus.Fields{
		"session_id":      report.ID,
		"delivery_status": report.Status,
		"raw_status":      report.RawStatus,
	})
	if found {
		log = log.WithField("correlation_id", correlationID)
	}
	if report.Status == aggregator.StatusFailed || report.Status == aggregator.StatusUnreachable {
		log.WithField("failure_reason", report.FailureReason).Warn("Command was not delivered")
	} else {
		log.Debug("Recorded delivery report")
	}

	return Outcome{Type: OutcomeDelivery, CorrelationID: correlationID, DeliveryStatus: report.Status}, nil
}
