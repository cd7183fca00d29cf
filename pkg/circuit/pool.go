package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// DefaultPoolSize is the number of pre-built general-purpose circuits the
// pool tries to keep warm.
const DefaultPoolSize = 5

// Builder builds a fresh circuit for the given purpose.
type Builder func(ctx context.Context, purpose Purpose) (*Circuit, error)

// PoolConfig holds circuit-pool configuration.
type PoolConfig struct {
	// Size is the per-purpose target of pre-built circuits.
	Size int
	// PrebuildInterval is how often the pool tops itself up.
	PrebuildInterval time.Duration
	// Prebuild enables the background top-up loop.
	Prebuild bool
}

// DefaultPoolConfig returns pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Size:             DefaultPoolSize,
		PrebuildInterval: 30 * time.Second,
		Prebuild:         true,
	}
}

// Pool keeps pre-built Open circuits per purpose so callers rarely wait
// for a telescoping build.
type Pool struct {
	cfg     *PoolConfig
	builder Builder
	logger  *logger.Logger

	mu       sync.Mutex
	circuits map[Purpose][]*Circuit

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a circuit pool over the given builder.
func NewPool(cfg *PoolConfig, builder Builder, log *logger.Logger) *Pool {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}

	p := &Pool{
		cfg:      cfg,
		builder:  builder,
		logger:   log.Component("circuit-pool"),
		circuits: make(map[Purpose][]*Circuit),
		closeCh:  make(chan struct{}),
	}

	if cfg.Prebuild {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.prebuildLoop()
		}()
	}
	return p
}

// Acquire returns an Open pooled circuit for the purpose, building one
// when the pool is empty. The accounting hook is charged at acquisition
// and then per cell.
func (p *Pool) Acquire(ctx context.Context, purpose Purpose) (*Circuit, error) {
	p.mu.Lock()
	queue := p.circuits[purpose]
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		p.circuits[purpose] = queue
		if c.IsOpen() {
			p.mu.Unlock()
			if c.charge != nil {
				c.charge(cell.CellLen)
			}
			p.logger.Debug("Circuit acquired from pool", "circuit_id", c.ID, "purpose", purpose.String())
			return c, nil
		}
		p.logger.Debug("Discarding dead pooled circuit", "circuit_id", c.ID)
	}
	p.mu.Unlock()

	c, err := p.builder(ctx, purpose)
	if err != nil {
		return nil, err
	}
	if c.charge != nil {
		c.charge(cell.CellLen)
	}
	return c, nil
}

// Release returns a still-open circuit to the pool.
func (p *Pool) Release(c *Circuit) {
	if !c.IsOpen() {
		return
	}
	purpose := c.Purpose()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.circuits[purpose]) >= p.cfg.Size {
		c.Destroy(DestroyReasonIdle)
		return
	}
	p.circuits[purpose] = append(p.circuits[purpose], c)
}

// prebuildLoop keeps the general-purpose pool at its target size and
// evicts circuits that died or aged out.
func (p *Pool) prebuildLoop() {
	ticker := time.NewTicker(p.cfg.PrebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
			p.topUp()
		case <-p.closeCh:
			return
		}
	}
}

// sweep drops closed circuits from every purpose queue.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for purpose, queue := range p.circuits {
		alive := queue[:0]
		for _, c := range queue {
			if c.IsOpen() {
				alive = append(alive, c)
			}
		}
		p.circuits[purpose] = alive
	}
}

// topUp builds general-purpose circuits until the target is met.
func (p *Pool) topUp() {
	for {
		p.mu.Lock()
		have := len(p.circuits[PurposeGeneral])
		p.mu.Unlock()
		if have >= p.cfg.Size {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		c, err := p.builder(ctx, PurposeGeneral)
		cancel()
		if err != nil {
			p.logger.Debug("Pool prebuild failed", "error", err)
			return
		}

		p.mu.Lock()
		p.circuits[PurposeGeneral] = append(p.circuits[PurposeGeneral], c)
		p.mu.Unlock()
	}
}

// Close destroys pooled circuits and stops the prebuild loop.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.mu.Lock()
		for _, queue := range p.circuits {
			for _, c := range queue {
				c.Destroy(DestroyReasonShutdown)
			}
		}
		p.circuits = make(map[Purpose][]*Circuit)
		p.mu.Unlock()
	})
	p.wg.Wait()
}
