package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_ratelimit_remaining",
		Help: "Requests remaining in the current quota window",
	}, []string{"host"})

	quotaWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_ratelimit_waits_total",
		Help: "Total number of requests held until a quota window reset",
	}, []string{"host"})

	quotaThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_ratelimit_throttles_total",
		Help: "Total number of requests delayed because the quota ran low",
	}, []string{"host"})
)

// ErrQuotaExhausted is returned by Wait when the quota resets later than the
// tracker is willing to wait.
var ErrQuotaExhausted = errors.New("request quota exhausted")

const (
	// DefaultThrottleDelay is the pause before each request in the warning band.
	DefaultThrottleDelay = time.Second

	// DefaultMaxWait caps how long Wait holds a request for a reset.
	DefaultMaxWait = 5 * time.Minute
)

// Tracker stores advertised quotas in Redis and gates requests on them.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	throttleDelay time.Duration
	maxWait       time.Duration
}

// NewTracker creates a tracker backed by redisClient.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
		maxWait:       DefaultMaxWait,
	}
}

// GetState returns the stored state for host. A host without stored state
// has an unknown quota and is never gated.
func (t *Tracker) GetState(ctx context.Context, host string) (*State, error) {
	fields, err := t.redis.HGetAll(ctx, stateKey(host)).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := &State{Host: host, Remaining: UnknownRemaining}
	if len(fields) == 0 {
		return state, nil
	}

	if state.Remaining, err = strconv.Atoi(fields["remaining"]); err != nil {
		return nil, fmt.Errorf("parse stored remaining: %w", err)
	}
	if v := fields["limit"]; v != "" {
		state.Limit, _ = strconv.Atoi(v)
	}
	if v, err := strconv.ParseInt(fields["reset_at"], 10, 64); err == nil {
		state.ResetAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(fields["last_update"], 10, 64); err == nil {
		state.LastUpdate = time.UnixMilli(v)
	}
	return state, nil
}

// UpdateFromHeaders records the quota advertised by a response from host.
// Responses without quota headers leave the stored state alone.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, host string, headers http.Header) error {
	state, ok, err := ParseHeaders(headers, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	state.Host = host

	key := stateKey(host)
	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, key,
		"remaining", state.Remaining,
		"limit", state.Limit,
		"reset_at", state.ResetAt.Unix(),
		"last_update", state.LastUpdate.UnixMilli(),
	)
	// state outlives its window by a minute, then the host is unknown again
	pipe.ExpireAt(ctx, key, state.ResetAt.Add(time.Minute))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	quotaRemaining.WithLabelValues(host).Set(float64(state.Remaining))

	switch {
	case state.NeedsBlock():
		t.logger.Warn().Str("host", host).Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).Msg("Request quota exhausted")
	case state.NeedsThrottling():
		t.logger.Warn().Str("host", host).Int("remaining", state.Remaining).
			Msg("Request quota low, throttling")
	default:
		t.logger.Debug().Str("host", host).Int("remaining", state.Remaining).
			Msg("Request quota updated")
	}
	return nil
}

// Wait blocks until a request to host is allowed. It sleeps through an
// exhausted window when the reset is within the tracker's max wait and pauses
// briefly while the quota is low.
func (t *Tracker) Wait(ctx context.Context, host string) error {
	state, err := t.GetState(ctx, host)
	if err != nil {
		return err
	}

	if state.NeedsBlock() {
		wait := state.TimeUntilReset()
		if wait > t.maxWait {
			return fmt.Errorf("%w for %s: resets in %s", ErrQuotaExhausted, host, wait.Round(time.Second))
		}
		t.logger.Warn().Str("host", host).Dur("wait_duration", wait).Msg("Waiting for quota reset")
		quotaWaitsTotal.WithLabelValues(host).Inc()
		return sleep(ctx, wait)
	}

	if state.NeedsThrottling() {
		quotaThrottlesTotal.WithLabelValues(host).Inc()
		return sleep(ctx, t.throttleDelay)
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
