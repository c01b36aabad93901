package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/config"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/telemetry"
)

const (
	keyLast   = "last"
	keyLastOK = "last_ok"
)

// Monitor bounds availability checks and remembers the last known status.
type Monitor struct {
	Runtime           Runtime
	Timeout           time.Duration
	DegradedThreshold time.Duration
	TTL               time.Duration
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
	Now               func() time.Time

	cache *ristretto.Cache[string, Availability]
}

func NewMonitor(rt Runtime, cfg config.GatewayConfig, log *slog.Logger, metrics *telemetry.Metrics) (*Monitor, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Availability]{
		NumCounters:        100,
		MaxCost:            10,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Monitor{
		Runtime:           rt,
		Timeout:           cfg.Timeout,
		DegradedThreshold: cfg.DegradedThreshold,
		TTL:               cfg.StatusTTL,
		Logger:            log,
		Metrics:           metrics,
		Now:               time.Now,
		cache:             cache,
	}, nil
}

func (m *Monitor) Close() { m.cache.Close() }

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Check runs one bounded availability probe. A probe that outlives the
// timeout counts as unavailable, never as a denial.
func (m *Monitor) Check(ctx context.Context) Availability {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := m.now()
	done := make(chan Availability, 1)
	go func() { done <- m.Runtime.CheckAvailability(cctx) }()

	var av Availability
	select {
	case av = <-done:
	case <-cctx.Done():
		av = Availability{Status: StatusUnavailable, Error: "availability check timed out after " + timeout.String()}
	}
	elapsed := m.now().Sub(start)
	if av.LatencyMs == 0 {
		av.LatencyMs = elapsed.Milliseconds()
	}
	if av.Available {
		av.Status = StatusOK
		if m.DegradedThreshold > 0 && elapsed >= m.DegradedThreshold {
			av.Status = StatusDegraded
		}
	} else {
		av.Status = StatusUnavailable
	}
	av.CheckedAt = m.now().UTC().Format(time.RFC3339)
	m.remember(av)
	m.Metrics.RuntimeCheck(ctx, string(av.Status))
	if !av.Available {
		m.Logger.WarnContext(ctx, "runtime unavailable", "err", av.Error, "latency_ms", av.LatencyMs)
	}
	return av
}

func (m *Monitor) remember(av Availability) {
	if m.cache == nil {
		return
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m.cache.SetWithTTL(keyLast, av, 1, ttl)
	if av.Available {
		// Last good status is kept without expiry for read-only fallbacks.
		m.cache.Set(keyLastOK, av, 1)
	}
	m.cache.Wait()
}

// Status serves read-only queries: a recent result is reused, and a failed
// probe falls back to the last known good status marked stale.
func (m *Monitor) Status(ctx context.Context) Availability {
	var av Availability
	cached := false
	if m.cache != nil {
		av, cached = m.cache.Get(keyLast)
	}
	if !cached {
		av = m.Check(ctx)
	}
	if av.Available || m.cache == nil {
		return av
	}
	if last, ok := m.cache.Get(keyLastOK); ok {
		last.Stale = true
		last.Error = av.Error
		return last
	}
	return av
}

// RequireAvailable gates write-triggering actions on a fresh probe.
func (m *Monitor) RequireAvailable(ctx context.Context) error {
	av := m.Check(ctx)
	if av.Available {
		return nil
	}
	return apperr.New(apperr.CodeRuntimeUnavailable, "agent runtime is unavailable: %s", av.Error).
		WithDetails(map[string]any{"latency_ms": av.LatencyMs, "status": av.Status})
}
