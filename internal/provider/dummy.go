package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/google/uuid"
)

// Dummy stands in for a real gateway in local runs and tests.
type Dummy struct {
	Latency time.Duration
	// FailRate is the probability of a random temporary failure.
	FailRate float64
	// FailEvery makes every Nth submit fail; 0 disables it.
	FailEvery int64

	n atomic.Int64
}

func NewDummy() *Dummy {
	return &Dummy{Latency: 50 * time.Millisecond, FailRate: 0.03}
}

func (d *Dummy) Submit(ctx context.Context, _ core.Message) (core.GatewayResult, error) {
	select {
	case <-ctx.Done():
		return core.GatewayResult{}, temporary("timeout", ctx.Err())
	case <-time.After(d.Latency):
	}
	n := d.n.Add(1)
	if d.FailEvery > 0 && n%d.FailEvery == 0 {
		return core.GatewayResult{}, temporary("provider_temporary_error", errors.New("simulated failure"))
	}
	if d.FailRate > 0 && rand.Float64() < d.FailRate {
		return core.GatewayResult{}, temporary("provider_temporary_error", errors.New("simulated failure"))
	}
	return core.GatewayResult{ProviderReference: "prov-" + uuid.NewString(), Status: core.StatusSent}, nil
}
