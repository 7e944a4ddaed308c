package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

// PoolConfig holds pool configuration
type PoolConfig struct {
	// AggregatorID is the base id; engine i leases as "<AggregatorID>-<i>".
	AggregatorID        string
	Concurrency         int
	Queue               queue.Queue
	Processor           BatchProcessor
	Metrics             *Metrics
	Logger              *logger.Logger
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
}

// Pool runs several engines against one queue and keeps their health current.
type Pool struct {
	engines             []*Engine
	queue               queue.Queue
	health              *HealthState
	metrics             *Metrics
	logger              *logger.Logger
	healthCheckInterval time.Duration
}

// NewPool creates the engines. Nothing runs until Run.
func NewPool(cfg *PoolConfig) *Pool {
	p := &Pool{
		queue:               cfg.Queue,
		health:              NewHealthState(),
		metrics:             cfg.Metrics,
		logger:              cfg.Logger,
		healthCheckInterval: cfg.HealthCheckInterval,
	}
	if p.healthCheckInterval <= 0 {
		p.healthCheckInterval = 30 * time.Second
	}

	for i := 0; i < max(cfg.Concurrency, 1); i++ {
		p.engines = append(p.engines, NewEngine(&EngineConfig{
			AggregatorID:      fmt.Sprintf("%s-%d", cfg.AggregatorID, i),
			Queue:             cfg.Queue,
			Processor:         cfg.Processor,
			Health:            p.health,
			Metrics:           cfg.Metrics,
			Logger:            cfg.Logger,
			PollInterval:      cfg.PollInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}))
	}
	return p
}

// Health returns the shared health state.
func (p *Pool) Health() *HealthState {
	return p.health
}

// Engines returns the pool's engines.
func (p *Pool) Engines() []*Engine {
	return p.engines
}

// Run starts every engine and the health loop, and returns once all engines
// have exited.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Spawning aggregation engines",
		slog.Int("concurrency", len(p.engines)),
	)

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go p.healthLoop(healthCtx)

	var wg sync.WaitGroup
	for _, e := range p.engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Run(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Engine exited", slog.String("aggregator_id", e.AggregatorID()), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()

	p.logger.Info("All aggregation engines stopped")
}

// Stop asks every engine to stop after its current checkpoint.
func (p *Pool) Stop() {
	for _, e := range p.engines {
		e.Stop()
	}
}

// Wake rouses idle engines for newly submitted work, one per batch.
func (p *Pool) Wake(msg domain.JobSubmittedMessage) {
	n := max(msg.Batches, 1)
	for i, e := range p.engines {
		if i >= n {
			break
		}
		e.Wake()
	}
}

func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		p.CheckHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckHealth asserts every engine's health once.
func (p *Pool) CheckHealth(ctx context.Context) {
	for _, e := range p.engines {
		err := p.queue.AssertHealthy(ctx, e.AggregatorID())
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil && p.health.Healthy(e.AggregatorID()) {
			p.logger.Error("Aggregation engine unhealthy",
				slog.String("aggregator_id", e.AggregatorID()),
				slog.Any("error", err),
			)
		}
		p.health.Set(e.AggregatorID(), err)
		p.metrics.setHealthy(e.AggregatorID(), err == nil)
	}
}
