package constants

import "time"

// Redis key prefixes and names
const (
	InboundMessagePrefix  = "inbound:msg:"
	InboundIndexPrefix    = "inbound:idx:"
	InboundLogKey         = "inbound:log"
	InboundNotifyPrefix   = "inbound:notify:"
	DeliveryReportPrefix  = "delivery:"
	CorrelationPrefix     = "correlation:"
	ActiveCorrelationKey  = "correlation:active:"
	CorrelationSessionKey = "correlation:session:"
	DeadlinesKey          = "correlation:deadlines"
	LeaderElectionKey     = "sweeper:leader"
	ResultsStream         = "results:pending"
)

const (
	// SessionMappingTTL bounds how long delivery reports can still be attributed to a dispatch.
	SessionMappingTTL = 7 * 24 * time.Hour

	// ReservationGrace keeps the active key alive a little past the deadline so that the
	// correlator, not key expiry, ends the correlation.
	ReservationGrace = 30 * time.Second
)

func InboundIndexKey(phoneNumber, kind string) string {
	return InboundIndexPrefix + phoneNumber + ":" + kind
}

func InboundNotifyChannel(phoneNumber string) string {
	return InboundNotifyPrefix + phoneNumber
}

func ActiveKey(phoneNumber, kind string) string {
	return ActiveCorrelationKey + phoneNumber + ":" + kind
}

func CorrelationKey(id string) string {
	return CorrelationPrefix + id
}

// Helper functions for time conversions
func ToScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func FromScore(score float64) time.Time {
	return time.UnixMicro(int64(score))
}
