package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// WindowCounter counts hits for key inside a fixed window. It returns the
// count including this hit and the time left in the window.
type WindowCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RedisCounter shares windows across server instances.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCounter(client redis.Cmdable) *RedisCounter {
	return &RedisCounter{client: client, prefix: "clinic:throttle:"}
}

func (r *RedisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	k := r.prefix + key
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("throttle incr: %w", err)
	}
	if n == 1 {
		if err := r.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("throttle expire: %w", err)
		}
		return n, window, nil
	}
	left, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("throttle ttl: %w", err)
	}
	if left < 0 {
		// Lost expiry; restart the window rather than block forever.
		r.client.PExpire(ctx, k, window)
		left = window
	}
	return n, left, nil
}

// MemoryCounter is the single-process fallback.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]memoryWindow), now: time.Now}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = memoryWindow{resetAt: now.Add(window)}
	}
	w.count++
	m.windows[key] = w

	if len(m.windows) > 10000 {
		for k, v := range m.windows {
			if !now.Before(v.resetAt) {
				delete(m.windows, k)
			}
		}
	}
	return w.count, w.resetAt.Sub(now), nil
}

type ThrottleConfig struct {
	Scope  string
	Limit  int64
	Window time.Duration
	// OnLimit is called with Scope for each rejected request.
	OnLimit func(scope string)
}

// Throttle caps requests per client IP per window for one scope, typically
// the login and password reset endpoints. When the primary counter fails the
// in-memory counter takes over for that request.
func Throttle(counter WindowCounter, cfg ThrottleConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	fallback := NewMemoryCounter()
	if counter == nil {
		counter = fallback
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			key := cfg.Scope + ":" + c.RealIP()

			count, left, err := counter.Hit(ctx, key, cfg.Window)
			if err != nil {
				logger.Warn().Err(err).Str("scope", cfg.Scope).Msg("throttle store unavailable, using memory")
				count, left, _ = fallback.Hit(ctx, key, cfg.Window)
			}

			remaining := cfg.Limit - count
			if remaining < 0 {
				remaining = 0
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(cfg.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > cfg.Limit {
				secs := int(left.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				if cfg.OnLimit != nil {
					cfg.OnLimit(cfg.Scope)
				}
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try again later")
			}
			return next(c)
		}
	}
}
