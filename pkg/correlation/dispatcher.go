package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/aggregator"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

// DispatchRequest is one command to send on behalf of a user.
type DispatchRequest struct {
	UserID      string
	PhoneNumber string
	Command     string
	Kind        models.ResponseKind
	MeterNumber string
	Timeout     time.Duration
}

// Dispatcher sends commands and opens the correlation that will wait for their reply.
type Dispatcher struct {
	registry *Registry
	sender   aggregator.Sender
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewDispatcher(registry *Registry, sender aggregator.Sender, logger *logrus.Logger, metrics *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sender:   sender,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Dispatch reserves the (phone, kind) slot, sends the command and records the pending
// correlation. On ErrCorrelationConflict nothing was sent. On a *models.DispatchError the
// slot is released and no correlation exists.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*models.PendingCorrelation, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown response kind %q", models.ErrInvalidParameters, req.Kind)
	}
	if req.PhoneNumber == "" || req.Command == "" {
		return nil, fmt.Errorf("%w: phone number and command are required", models.ErrInvalidParameters)
	}
	if req.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", models.ErrInvalidParameters)
	}

	// Stamped before sending so that a reply faster than the send round trip is eligible.
	createdAt := d.now()
	p := &models.PendingCorrelation{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		PhoneNumber:  req.PhoneNumber,
		ResponseKind: req.Kind,
		MeterNumber:  req.MeterNumber,
		CreatedAt:    createdAt,
		Deadline:     createdAt.Add(req.Timeout),
		Status:       models.StatusPending,
	}

	log := d.logger.WithFields(logrus.Fields{
		"correlation_id": p.ID,
		"phone_number":   p.PhoneNumber,
		"response_kind":  p.ResponseKind,
	})

	if err := d.registry.Reserve(ctx, p); err != nil {
		result := "error"
		if errors.Is(err, models.ErrCorrelationConflict) {
			result = "conflict"
		}
		d.metrics.DispatchesTotal.WithLabelValues(string(req.Kind), result).Inc()
		log.WithError(err).Warn("Correlation slot unavailable")
		return nil, err
	}

	receipt, err := d.sender.Send(ctx, req.PhoneNumber, req.Command)
	if err != nil {
		// The reservation must not outlive a failed send, even if ctx is already done.
		if relErr := d.registry.Release(context.Background(), p); relErr != nil {
			log.WithError(relErr).Error("Failed to release correlation slot")
		}
		d.metrics.DispatchesTotal.WithLabelValues(string(req.Kind), "failed").Inc()
		log.WithError(err).Error("Command dispatch failed")

		var dispatchErr *models.DispatchError
		if errors.As(err, &dispatchErr) {
			return nil, err
		}
		return nil, &models.DispatchError{Ambiguous: true, Err: err}
	}

	p.SessionID = receipt.SessionID
	p.DeliveryStatus = receipt.Status

	// The command is out, so the correlation must be recorded even if the caller gave up.
	if err := d.registry.Open(context.WithoutCancel(ctx), p); err != nil {
		if relErr := d.registry.Release(context.Background(), p); relErr != nil {
			log.WithError(relErr).Error("Failed to release correlation slot")
		}
		d.metrics.DispatchesTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return nil, err
	}

	d.metrics.DispatchesTotal.WithLabelValues(string(req.Kind), "sent").Inc()

	log.WithFields(logrus.Fields{
		"session_id": p.SessionID,
		"deadline":   p.Deadline,
	}).Info("Command dispatched")

	return p, nil
}
