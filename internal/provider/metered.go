package provider

import (
	"context"
	"time"

	"threadrelay/internal/domain"
	"threadrelay/internal/metrics"
	"threadrelay/internal/ratelimit"
)

// metered wraps a provider with a rate limit and request metrics, and fills
// in ChatResponse.LatencyMs.
type metered struct {
	domain.Provider
	limiter *ratelimit.RateLimiter
}

func (m *metered) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := m.Provider.Chat(ctx, req)
	elapsed := time.Since(start)

	metrics.ProviderRequests.Inc()
	metrics.Collector.Counter("threadrelay_provider_requests_by_name_total", "LLM provider requests by provider", `provider="`+m.Name()+`"`).Inc()
	metrics.ProviderLatency.Observe(elapsed.Seconds())
	if err != nil {
		metrics.Collector.Counter("threadrelay_provider_errors_total", "Failed LLM provider requests", `provider="`+m.Name()+`"`).Inc()
		return nil, err
	}
	resp.LatencyMs = elapsed.Milliseconds()
	return resp, nil
}
