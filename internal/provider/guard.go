package provider

import (
	"context"
	"errors"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/Cypherspark/message-scheduler/internal/metrics"
	"golang.org/x/time/rate"
)

// Guard bounds calls to the wrapped gateway: a process-wide rate limit and a
// per-call deadline. Errors from the wrapped gateway that are not already a
// *Failure are wrapped into one.
type Guard struct {
	next    core.Gateway
	limiter *rate.Limiter
	timeout time.Duration
}

func NewGuard(next core.Gateway, qps float64, burst int, timeout time.Duration) *Guard {
	limit := rate.Inf
	if qps > 0 {
		limit = rate.Limit(qps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Guard{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
	}
}

func (g *Guard) Submit(ctx context.Context, m core.Message) (core.GatewayResult, error) {
	cctx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// Respect provider rate limit (global in this process). The wait counts
	// against the per-call deadline; a token that cannot arrive in time fails
	// at once.
	if err := g.limiter.Wait(cctx); err != nil {
		metrics.ProviderSendTotal.WithLabelValues("temp_fail").Inc()
		return core.GatewayResult{}, temporary("rate limited", err)
	}

	start := time.Now()
	res, err := g.next.Submit(cctx, m)
	metrics.ProviderSendDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.ProviderSendTotal.WithLabelValues("sent").Inc()
		return res, nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		metrics.ProviderSendTotal.WithLabelValues("timeout").Inc()
		return core.GatewayResult{}, temporary("timeout", err)
	}
	var f *Failure
	if !errors.As(err, &f) {
		f = temporary("gateway error", err)
	}
	if f.Temporary {
		metrics.ProviderSendTotal.WithLabelValues("temp_fail").Inc()
	} else {
		metrics.ProviderSendTotal.WithLabelValues("perm_fail").Inc()
	}
	return core.GatewayResult{}, f
}
