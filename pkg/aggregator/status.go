package aggregator

import "strings"

const (
	StatusDelivered   = "delivered"
	StatusSent        = "sent"
	StatusFailed      = "failed"
	StatusExpired     = "expired"
	StatusUnreachable = "unreachable"
	StatusUnknown     = "unknown"
)

// NormalizeDeliveryStatus maps the aggregator's delivery report status onto our own set.
func NormalizeDeliveryStatus(rawStatus string) string {
	switch strings.ToLower(strings.TrimSpace(rawStatus)) {
	case "success", "delivered":
		return StatusDelivered
	case "sent", "submitted", "buffered":
		return StatusSent
	case "rejected", "failed":
		return StatusFailed
	case "absentsubscriber":
		return StatusUnreachable
	case "expired":
		return StatusExpired
	default:
		return StatusUnknown
	}
}
