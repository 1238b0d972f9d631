package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/redis/go-redis/v9"
)

// KEYS: request. ARGV: ttl_ms, pares campo/valor.
var createRequestScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
if tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 1
`)

// KEYS: request. ARGV: pares campo/valor.
// 1 = ok, 0 = não existe, -1 = já terminal.
var completeRequestScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
	return 0
end
if status ~= "PENDING" then
	return -1
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// RedisRequestTracker guarda cada IssuanceRequest num hash com retenção.
// A transição PENDING -> terminal é um script, então é atômica no store.
type RedisRequestTracker struct {
	rdb       redis.UniversalClient
	keys      Keys
	retention time.Duration
}

type TrackerOption func(*RedisRequestTracker)

func WithRetention(d time.Duration) TrackerOption {
	return func(t *RedisRequestTracker) { t.retention = d }
}

func NewRedisRequestTracker(rdb redis.UniversalClient, keys Keys, opts ...TrackerOption) *RedisRequestTracker {
	t := &RedisRequestTracker{rdb: rdb, keys: keys, retention: 24 * time.Hour}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisRequestTracker) Create(ctx context.Context, req domain.IssuanceRequest) (domain.IssuanceRequest, error) {
	if req.RequestID == "" {
		return domain.IssuanceRequest{}, errors.New("request id is required")
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	req.Status = domain.StatusPending

	args := []any{t.retention.Milliseconds(),
		"request_id", req.RequestID,
		"correlation_id", req.CorrelationID,
		"requester_id", req.RequesterID,
		"resource_type", req.ResourceType,
		"submitted_at", req.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"status", string(req.Status),
	}
	n, err := createRequestScript.Run(ctx, t.rdb, []string{t.keys.Request(req.RequestID)}, args...).Int64()
	if err != nil {
		return domain.IssuanceRequest{}, err
	}
	if n == 0 {
		return domain.IssuanceRequest{}, fmt.Errorf("%w: %s", domain.ErrRequestExists, req.RequestID)
	}
	return req, nil
}

func (t *RedisRequestTracker) Complete(ctx context.Context, requestID string, out domain.Outcome) (domain.IssuanceRequest, error) {
	status := domain.StatusFailed
	if out.Success {
		status = domain.StatusSuccess
	}
	if out.DecidedAt.IsZero() {
		out.DecidedAt = time.Now()
	}

	n, err := completeRequestScript.Run(ctx, t.rdb, []string{t.keys.Request(requestID)},
		"status", string(status),
		"granted_resource_id", out.GrantedResourceID,
		"error_reason", out.ErrorReason,
		"decided_at", out.DecidedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return domain.IssuanceRequest{}, err
	}
	switch n {
	case 0:
		return domain.IssuanceRequest{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID)
	case -1:
		return domain.IssuanceRequest{}, fmt.Errorf("%w: %s", domain.ErrAlreadyCompleted, requestID)
	}

	req, _, err := t.Get(ctx, requestID)
	return req, err
}

func (t *RedisRequestTracker) Get(ctx context.Context, requestID string) (domain.IssuanceRequest, bool, error) {
	fields, err := t.rdb.HGetAll(ctx, t.keys.Request(requestID)).Result()
	if err != nil {
		return domain.IssuanceRequest{}, false, err
	}
	if len(fields) == 0 {
		return domain.IssuanceRequest{}, false, nil
	}

	req := domain.IssuanceRequest{
		RequestID:         fields["request_id"],
		CorrelationID:     fields["correlation_id"],
		RequesterID:       fields["requester_id"],
		ResourceType:      fields["resource_type"],
		Status:            domain.RequestStatus(fields["status"]),
		GrantedResourceID: fields["granted_resource_id"],
		ErrorReason:       fields["error_reason"],
	}
	req.SubmittedAt = parseTime(fields["submitted_at"])
	req.DecidedAt = parseTime(fields["decided_at"])
	return req, true, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
