package correlation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"utility-ussd-bridge/pkg/constants"
	"utility-ussd-bridge/pkg/metrics"
	"utility-ussd-bridge/pkg/models"
)

// resolveScript moves a correlation from pending to a terminal status exactly once and
// frees its active key if the key still belongs to it.
var resolveScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "status") ~= "pending" then
		return 0
	end
	redis.call("HSET", KEYS[1], "status", ARGV[1], "resolved_at", ARGV[2])
	redis.call("ZREM", KEYS[2], ARGV[3])
	if redis.call("GET", KEYS[3]) == ARGV[3] then
		redis.call("DEL", KEYS[3])
	end
	return 1
`)

// releaseScript deletes the active key only if it still holds the given correlation id.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// Registry stores PendingCorrelations in Redis. The active key per (phone, kind) is the
// single serialization point of the engine.
type Registry struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRegistry(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *Registry {
	return &Registry{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

// Reserve claims the (phone, kind) slot for p with SET NX. It returns
// models.ErrCorrelationConflict when another correlation holds the slot.
func (r *Registry) Reserve(ctx context.Context, p *models.PendingCorrelation) error {
	start := time.Now()
	defer func() {
		r.metrics.RedisOperationDuration.WithLabelValues("reserve").Observe(time.Since(start).Seconds())
	}()

	ttl := constants.ReservationGrace
	if remaining := time.Until(p.Deadline); remaining > 0 {
		ttl += remaining
	}
	ok, err := r.rdb.SetNX(ctx, constants.ActiveKey(p.PhoneNumber, string(p.ResponseKind)), p.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve correlation slot: %w", err)
	}
	if !ok {
		holder, _ := r.rdb.Get(ctx, constants.ActiveKey(p.PhoneNumber, string(p.ResponseKind))).Result()
		return fmt.Errorf("%w: %s already waiting for %s reply from %s", models.ErrCorrelationConflict, holder, p.ResponseKind, p.PhoneNumber)
	}
	return nil
}

// Release frees the slot reserved for p when the dispatch did not go through.
func (r *Registry) Release(ctx context.Context, p *models.PendingCorrelation) error {
	err := releaseScript.Run(ctx, r.rdb, []string{constants.ActiveKey(p.PhoneNumber, string(p.ResponseKind))}, p.ID).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release correlation slot: %w", err)
	}
	return nil
}

// Open records a dispatched correlation. Call only after a successful Reserve and send.
func (r *Registry) Open(ctx context.Context, p *models.PendingCorrelation) error {
	start := time.Now()
	defer func() {
		r.metrics.RedisOperationDuration.WithLabelValues("open").Observe(time.Since(start).Seconds())
	}()

	key := constants.CorrelationKey(p.ID)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":              p.ID,
		"user_id":         p.UserID,
		"phone_number":    p.PhoneNumber,
		"response_kind":   string(p.ResponseKind),
		"meter_number":    p.MeterNumber,
		"created_at":      p.CreatedAt.UnixMicro(),
		"deadline":        p.Deadline.UnixMicro(),
		"status":          string(p.Status),
		"session_id":      p.SessionID,
		"delivery_status": p.DeliveryStatus,
	})
	pipe.ZAdd(ctx, constants.DeadlinesKey, &redis.Z{
		Score:  constants.ToScore(p.Deadline),
		Member: p.ID,
	})
	if p.SessionID != "" {
		pipe.Set(ctx, constants.CorrelationSessionKey+p.SessionID, p.ID, constants.SessionMappingTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithError(err).WithField("correlation_id", p.ID).Error("Failed to open correlation")
		return fmt.Errorf("failed to open correlation: %w", err)
	}
	return nil
}

// Resolve transitions p to status. It reports false when p was already terminal, in
// which case nothing is written.
func (r *Registry) Resolve(ctx context.Context, p *models.PendingCorrelation, status models.CorrelationStatus, at time.Time) (bool, error) {
	start := time.Now()
	defer func() {
		r.metrics.RedisOperationDuration.WithLabelValues("resolve").Observe(time.Since(start).Seconds())
	}()

	if !status.Terminal() {
		return false, fmt.Errorf("%w: %q is not a terminal status", models.ErrInvalidParameters, status)
	}

	keys := []string{
		constants.CorrelationKey(p.ID),
		constants.DeadlinesKey,
		constants.ActiveKey(p.PhoneNumber, string(p.ResponseKind)),
	}
	res, err := resolveScript.Run(ctx, r.rdb, keys, string(status), at.UnixMicro(), p.ID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to resolve correlation: %w", err)
	}

	if res == 0 {
		return false, nil
	}

	p.Status = status
	p.ResolvedAt = at
	return true, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.PendingCorrelation, error) {
	fields, err := r.rdb.HGetAll(ctx, constants.CorrelationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrCorrelationNotFound, id)
	}
	return decodeCorrelation(fields)
}

// Expired returns ids of pending correlations whose deadline is at or before cutoff.
func (r *Registry) Expired(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, constants.DeadlinesKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(cutoff.UnixMicro(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired correlations: %w", err)
	}
	return ids, nil
}

// Discard drops id from the deadline index. Used for index entries whose correlation
// record no longer exists.
func (r *Registry) Discard(ctx context.Context, id string) error {
	if err := r.rdb.ZRem(ctx, constants.DeadlinesKey, id).Err(); err != nil {
		return fmt.Errorf("failed to discard correlation %s: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of correlations still waiting.
func (r *Registry) PendingCount(ctx context.Context) (int64, error) {
	count, err := r.rdb.ZCard(ctx, constants.DeadlinesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending correlations: %w", err)
	}
	return count, nil
}

// SetDeliveryStatus attaches a delivery report status to the correlation dispatched under
// sessionID. It reports false when the session is unknown.
func (r *Registry) SetDeliveryStatus(ctx context.Context, sessionID, status string) (string, bool, error) {
	id, err := r.rdb.Get(ctx, constants.CorrelationSessionKey+sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up session: %w", err)
	}

	if err := r.rdb.HSet(ctx, constants.CorrelationKey(id), "delivery_status", status).Err(); err != nil {
		return id, false, fmt.Errorf("failed to update delivery status: %w", err)
	}
	return id, true, nil
}

func decodeCorrelation(fields map[string]string) (*models.PendingCorrelation, error) {
	p := &models.PendingCorrelation{
		ID:             fields["id"],
		UserID:         fields["user_id"],
		PhoneNumber:    fields["phone_number"],
		ResponseKind:   models.ResponseKind(fields["response_kind"]),
		MeterNumber:    fields["meter_number"],
		Status:         models.CorrelationStatus(fields["status"]),
		SessionID:      fields["session_id"],
		DeliveryStatus: fields["delivery_status"],
	}

	var err error
	if p.CreatedAt, err = parseMicros(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at for correlation %s: %w", p.ID, err)
	}
	if p.Deadline, err = parseMicros(fields["deadline"]); err != nil {
		return nil, fmt.Errorf("invalid deadline for correlation %s: %w", p.ID, err)
	}
	if raw, ok := fields["resolved_at"]; ok {
		if p.ResolvedAt, err = parseMicros(raw); err != nil {
			return nil, fmt.Errorf("invalid resolved_at for correlation %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func parseMicros(raw string) (time.Time, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(v), nil
}
