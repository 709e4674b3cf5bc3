package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

const cacheKeyPrefix = "voicedoc:codes:"

// CacheOptions configures CachedSearcher.
type CacheOptions struct {
	TTL  time.Duration
	Size int
	// Timeout bounds one shared backend call, independent of any caller.
	Timeout time.Duration
	// Redis is optional; nil keeps the cache process-local.
	Redis *redis.Client
}

// CachedSearcher fronts a CodeSearcher with a process-local LRU, an optional
// shared Redis layer, in-flight deduplication and a circuit breaker so a slow
// backend fails fast instead of stalling every session.
type CachedSearcher struct {
	next    CodeSearcher
	local   *expirable.LRU[string, []ScoredCode]
	redis   *redis.Client
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewCachedSearcher wraps next.
func NewCachedSearcher(next CodeSearcher, opts CacheOptions, metrics *telemetry.Metrics, logger zerolog.Logger) *CachedSearcher {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	logger = logger.With().Str("component", "code-lookup").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "code-lookup",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// A caller giving up says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("code lookup breaker state changed")
		},
	})
	return &CachedSearcher{
		next:    next,
		local:   expirable.NewLRU[string, []ScoredCode](opts.Size, nil, opts.TTL),
		redis:   opts.Redis,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
	}
}

// SearchCodes implements CodeSearcher.
func (c *CachedSearcher) SearchCodes(ctx context.Context, text string, limit int) ([]ScoredCode, error) {
	key := cacheKeyPrefix + strconv.Itoa(limit) + ":" + transcript.Normalize(text)
	if hit, ok := c.local.Get(key); ok {
		c.metrics.CodeLookup("hit_local")
		return clone(hit), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("code lookup: %w", err)
	}

	// The shared call outlives the caller that started it, so one session
	// stopping does not fail the others waiting on the same key.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.lookup(sctx, key, text, limit)
	})
	var v interface{}
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("code lookup: %w", r.Err)
		}
		v = r.Val
	case <-ctx.Done():
		c.metrics.CodeLookup("abandoned")
		return nil, fmt.Errorf("code lookup: %w", ctx.Err())
	}
	res, _ := v.([]ScoredCode)
	return clone(res), nil
}

func (c *CachedSearcher) lookup(ctx context.Context, key, text string, limit int) ([]ScoredCode, error) {
	if res, ok := c.fromRedis(ctx, key); ok {
		c.metrics.CodeLookup("hit_redis")
		c.local.Add(key, res)
		return res, nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.next.SearchCodes(ctx, text, limit)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.CodeLookup("breaker_open")
		} else {
			c.metrics.CodeLookup("error")
		}
		return nil, err
	}
	c.metrics.CodeLookup("miss")
	res, _ := out.([]ScoredCode)
	c.local.Add(key, res)
	c.toRedis(ctx, key, res)
	return res, nil
}

func (c *CachedSearcher) fromRedis(ctx context.Context, key string) ([]ScoredCode, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug().Err(err).Msg("redis get failed")
		}
		return nil, false
	}
	var res []ScoredCode
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return res, true
}

func (c *CachedSearcher) toRedis(ctx context.Context, key string, res []ScoredCode) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("redis set failed")
	}
}

func clone(in []ScoredCode) []ScoredCode {
	if in == nil {
		return nil
	}
	return append([]ScoredCode(nil), in...)
}
