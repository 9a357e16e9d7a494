package directory

import (
	"DelayLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedDirectory is a read-through redis cache in front of another
// Directory. Only hits are cached; a missing flight is always re-checked so
// a freshly registered flight becomes insurable immediately. Redis errors
// are logged and the lookup falls through to the backing directory.
type CachedDirectory struct {
	next    Directory
	rdb     redis.UniversalClient
	ttl     time.Duration
	prefix  string
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewCachedDirectory(
	next Directory,
	rdb redis.UniversalClient,
	ttl time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *CachedDirectory {
	return &CachedDirectory{
		next:    next,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "delay:flight:",
		logger:  logger,
		metrics: metrics,
	}
}

func (c *CachedDirectory) LookupFlight(ctx context.Context, code string) (Flight, error) {
	code = NormalizeCode(code)
	key := c.prefix + code

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var f Flight
		if jsonErr := json.Unmarshal(data, &f); jsonErr == nil {
			c.record("hit")
			return f, nil
		}
		c.logger.Warn().Str("flight", code).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
		c.record("miss")
	default:
		c.record("error")
		c.logger.Warn().Err(err).Str("flight", code).Msg("flight cache unavailable, using directory")
	}

	f, err := c.next.LookupFlight(ctx, code)
	if err != nil {
		return Flight{}, err
	}

	if data, err := json.Marshal(f); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Debug().Err(err).Str("flight", code).Msg("flight cache write failed")
		}
	}
	return f, nil
}

// Invalidate drops a cached flight.
func (c *CachedDirectory) Invalidate(ctx context.Context, code string) error {
	return c.rdb.Del(ctx, c.prefix+NormalizeCode(code)).Err()
}

func (c *CachedDirectory) record(result string) {
	if c.metrics != nil {
		c.metrics.DirectoryLookups.WithLabelValues(result).Inc()
	}
}
