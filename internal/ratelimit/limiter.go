package ratelimit

import (
	"context"
	"fmt"

	"github.com/smallbiznis/backoffice/internal/config"
	"go.uber.org/zap"
)

const keyWebhookSource = "backoffice:ratelimit:webhook:%s"

// WebhookLimiter throttles inbound webhook deliveries per source address.
// A nil limiter allows everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewWebhookLimiter(bucket *TokenBucket, cfg config.Config, log *zap.Logger) *WebhookLimiter {
	if bucket == nil || cfg.Redis.WebhookRate <= 0 || cfg.Redis.WebhookBurst <= 0 {
		return nil
	}
	return &WebhookLimiter{
		bucket: bucket,
		rate:   cfg.Redis.WebhookRate,
		burst:  cfg.Redis.WebhookBurst,
		log:    log.Named("ratelimit.webhook"),
	}
}

// Allow fails open when redis is unavailable so deliveries are never dropped
// because of the limiter itself.
func (l *WebhookLimiter) Allow(ctx context.Context, source string) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookSource, source), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("source", source), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}
