package models

import "time"

// ResponseKind identifies what a dispatched command asks the provider for.
type ResponseKind string

const (
	KindBalance ResponseKind = "balance"
	KindToken   ResponseKind = "token"
	KindUnits   ResponseKind = "units"
)

// ResponseKinds lists every supported kind in a stable order.
var ResponseKinds = []ResponseKind{KindBalance, KindToken, KindUnits}

func (k ResponseKind) Valid() bool {
	for _, known := range ResponseKinds {
		if k == known {
			return true
		}
	}
	return false
}

// AcceptedMessageKinds returns the inbound classifications that may answer this kind.
func (k ResponseKind) AcceptedMessageKinds() []MessageKind {
	switch k {
	case KindBalance:
		return []MessageKind{MessageBalance}
	case KindToken, KindUnits:
		// units replies carry the "units" keyword and classify as token
		return []MessageKind{MessageToken}
	}
	return nil
}

// Accepts reports whether an inbound classification is compatible with this kind.
func (k ResponseKind) Accepts(m MessageKind) bool {
	for _, accepted := range k.AcceptedMessageKinds() {
		if accepted == m {
			return true
		}
	}
	return false
}

// MessageKind is the coarse classification given to an inbound message.
type MessageKind string

const (
	MessageBalance     MessageKind = "balance"
	MessageToken       MessageKind = "token"
	MessageGeneral     MessageKind = "general"
	MessageUserCommand MessageKind = "user_command"
)

// CorrelationStatus is the lifecycle state of a PendingCorrelation.
type CorrelationStatus string

const (
	StatusPending  CorrelationStatus = "pending"
	StatusMatched  CorrelationStatus = "matched"
	StatusTimedOut CorrelationStatus = "timed_out"
)

func (s CorrelationStatus) Terminal() bool {
	return s == StatusMatched || s == StatusTimedOut
}

// PendingCorrelation describes what an eventual reply must look like to count as the
// answer to a dispatched command.
type PendingCorrelation struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	PhoneNumber    string            `json:"phone_number"`
	ResponseKind   ResponseKind      `json:"response_kind"`
	MeterNumber    string            `json:"meter_number"`
	CreatedAt      time.Time         `json:"created_at"`
	Deadline       time.Time         `json:"deadline"`
	Status         CorrelationStatus `json:"status"`
	SessionID      string            `json:"session_id,omitempty"`
	DeliveryStatus string            `json:"delivery_status,omitempty"`
	ResolvedAt     time.Time         `json:"resolved_at,omitempty"`
}

// Eligible reports whether msg may satisfy this correlation.
func (p PendingCorrelation) Eligible(msg InboundMessage) bool {
	if msg.PhoneNumber != p.PhoneNumber {
		return false
	}
	if msg.ReceivedAt.Before(p.CreatedAt) {
		return false
	}
	return p.ResponseKind.Accepts(msg.Kind)
}

// InboundMessage is a message delivered by the aggregator webhook. Never mutated once stored.
type InboundMessage struct {
	ID          string            `json:"id"`
	PhoneNumber string            `json:"phone_number"`
	Text        string            `json:"text"`
	Sender      string            `json:"sender"`
	ReceivedAt  time.Time         `json:"received_at"`
	Kind        MessageKind       `json:"kind"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DeliveryReport tells whether an outbound command reached the handset.
type DeliveryReport struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	RawStatus     string    `json:"raw_status"`
	PhoneNumber   string    `json:"phone_number"`
	NetworkCode   string    `json:"network_code,omitempty"`
	RetryCount    int       `json:"retry_count"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}
