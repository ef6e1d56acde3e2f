package reqmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// PoolOptions configures a Pool: how many channel slots to run, the
// per-slot Multiplexer settings, the peer process each slot provisions
// (if any), and the Channel each slot dials once its peer is up.
type PoolOptions struct {
	Config            PoolConfig
	MultiplexerConfig Config
	Process           PeerProcessConfig
	ChannelKind       string
	ChannelOptions    map[string]interface{}
}

// Pool fans a stream of Send calls out across several independently
// multiplexed channels, load balancing with round robin across the slots
// the health monitor last found healthy. A slot whose peer process or
// channel dies is skipped, not restarted. Grounded on the teacher's
// worker pool (pool.go), generalized from "one OS process per worker
// connection" to "one Multiplexer+Channel pair per slot", each of which
// is itself already capable of interleaving many in-flight requests.
type Pool struct {
	opts   PoolOptions
	logger *Logger

	slots   []*poolSlot
	nextIdx atomic.Uint64

	shutdown atomic.Bool

	healthMu     sync.RWMutex
	healthStatus HealthStatus
	healthCancel context.CancelFunc
	wg           sync.WaitGroup
}

// poolSlot pairs a provisioned peer process with the channel and
// Multiplexer dialed against it.
type poolSlot struct {
	id      string
	process *PeerProcess
	channel Channel
	mux     *Multiplexer
	healthy atomic.Bool
}

// HealthStatus summarizes the health of a Pool's slots at a point in
// time.
type HealthStatus struct {
	TotalSlots   int
	HealthySlots int
	LastCheck    time.Time
}

// NewPool validates opts and constructs a Pool with Config.Channels
// not-yet-started slots.
func NewPool(opts PoolOptions, logger *Logger) (*Pool, error) {
	if opts.Config.Channels <= 0 {
		return nil, fmt.Errorf("%w: pool channels must be > 0", ErrInvalidArgument)
	}
	if opts.Config.MaxInFlight <= 0 {
		opts.Config.MaxInFlight = 10
	}
	if opts.Config.HealthInterval <= 0 {
		opts.Config.HealthInterval = 30 * time.Second
	}
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "json"})
	}

	p := &Pool{
		opts:   opts,
		logger: logger,
		slots:  make([]*poolSlot, opts.Config.Channels),
	}

	for i := range p.slots {
		procCfg := opts.Process
		procCfg.ID = fmt.Sprintf("channel-%d", i)
		procCfg.SocketPath = fmt.Sprintf("%s-%d", opts.Process.SocketPath, i)
		if procCfg.StartTimeout == 0 {
			procCfg.StartTimeout = 5 * time.Second
		}

		p.slots[i] = &poolSlot{
			id:      procCfg.ID,
			process: NewPeerProcess(procCfg, logger),
		}
	}

	return p, nil
}

// Start provisions every slot's peer process, dials its channel, and
// starts its Multiplexer, all concurrently via a conc context pool with
// no goroutine limit (one goroutine per slot). One slot's provisioning failure tears down every slot already
// started before returning the error.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("starting channel pool", "channels", len(p.slots))

	wp := pool.New().WithContext(ctx).WithCancelOnError()
	for _, slot := range p.slots {
		slot := slot
		wp.Go(func(ctx context.Context) error {
			return p.startSlot(ctx, slot)
		})
	}

	if err := wp.Wait(); err != nil {
		p.shutdownStartedSlots()
		return fmt.Errorf("failed to start channel pool: %w", err)
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	p.healthCancel = cancel
	p.wg.Add(1)
	go p.healthMonitor(healthCtx)

	p.updateHealthStatus()
	p.logger.Info("channel pool started successfully")
	return nil
}

func (p *Pool) startSlot(ctx context.Context, slot *poolSlot) error {
	if slot.process.cfg.Executable != "" {
		if err := slot.process.Start(ctx); err != nil {
			return fmt.Errorf("slot %s: failed to start peer process: %w", slot.id, err)
		}
	}

	channel, err := NewChannel(ChannelConfig{
		Kind:    p.opts.ChannelKind,
		Address: slot.process.SocketPath(),
		Options: p.opts.ChannelOptions,
	}, p.logger)
	if err != nil {
		return fmt.Errorf("slot %s: failed to open channel: %w", slot.id, err)
	}

	mux, err := New(channel, p.opts.MultiplexerConfig, p.logger.WithChannel(slot.id))
	if err != nil {
		_ = channel.Close()
		return fmt.Errorf("slot %s: failed to construct multiplexer: %w", slot.id, err)
	}

	if err := mux.Start(ctx); err != nil {
		_ = channel.Close()
		return fmt.Errorf("slot %s: failed to start multiplexer: %w", slot.id, err)
	}

	slot.channel = channel
	slot.mux = mux
	slot.healthy.Store(true)
	return nil
}

func (p *Pool) shutdownStartedSlots() {
	for _, slot := range p.slots {
		if slot.mux != nil {
			_ = slot.mux.Stop(context.Background())
		}
		if slot.process.IsRunning() {
			_ = slot.process.Stop()
		}
	}
}

// Send picks a healthy slot by round robin and forwards req to its
// Multiplexer.
func (p *Pool) Send(ctx context.Context, req *Request) (*Response, error) {
	if p.shutdown.Load() {
		return nil, fmt.Errorf("%w: pool is shut down", ErrInvalidLifecycle)
	}

	slot := p.pick()
	if slot == nil {
		return nil, fmt.Errorf("reqmux: no healthy channels available")
	}

	return slot.mux.Send(ctx, req)
}

func (p *Pool) pick() *poolSlot {
	n := uint64(len(p.slots))
	start := p.nextIdx.Add(1) - 1

	for i := uint64(0); i < n; i++ {
		slot := p.slots[(start+i)%n]
		if slot.healthy.Load() {
			return slot
		}
	}
	return nil
}

// Shutdown stops every slot's Multiplexer and peer process concurrently,
// aggregating any failures with multierr rather than stopping at the
// first one.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info("shutting down channel pool")

	if p.healthCancel != nil {
		p.healthCancel()
	}

	var mu sync.Mutex
	var errs error

	wp := pool.New()
	for _, slot := range p.slots {
		slot := slot
		wp.Go(func() {
			// mux.Stop and process.Stop run concurrently, not sequentially:
			// a channel wedged in a blocked Read is exactly what killing
			// its peer process unblocks (via connection close/EOF), so
			// waiting on mux.Stop to finish first would forfeit the one
			// thing that can break a genuinely stuck channel loose.
			var slotWg sync.WaitGroup
			slotWg.Add(2)
			go func() {
				defer slotWg.Done()
				if slot.mux != nil {
					if err := slot.mux.Stop(ctx); err != nil {
						mu.Lock()
						errs = multierr.Append(errs, fmt.Errorf("slot %s: %w", slot.id, err))
						mu.Unlock()
					}
				}
			}()
			go func() {
				defer slotWg.Done()
				if slot.process.IsRunning() {
					if err := slot.process.Stop(); err != nil {
						mu.Lock()
						errs = multierr.Append(errs, fmt.Errorf("slot %s: %w", slot.id, err))
						mu.Unlock()
					}
				}
			}()
			slotWg.Wait()
		})
	}
	wp.Wait()

	p.wg.Wait()

	if errs != nil {
		return fmt.Errorf("channel pool shutdown errors: %w", errs)
	}

	p.logger.Info("channel pool shut down successfully")
	return nil
}

// Health returns the most recently computed health status.
func (p *Pool) Health() HealthStatus {
	p.healthMu.RLock()
	defer p.healthMu.RUnlock()
	return p.healthStatus
}

// Metrics returns the aggregate metrics snapshot across every slot.
func (p *Pool) Metrics() PoolMetricsSnapshot {
	return aggregateSlotMetrics(p.slots)
}

func (p *Pool) healthMonitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.Config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.updateHealthStatus()
		}
	}
}

func (p *Pool) updateHealthStatus() {
	healthy := 0
	for _, slot := range p.slots {
		ok := slot.channel != nil && slot.channel.IsHealthy() &&
			slot.mux != nil && slot.mux.State() == StateRunning
		slot.healthy.Store(ok)
		if ok {
			healthy++
		}
	}

	p.healthMu.Lock()
	p.healthStatus = HealthStatus{
		TotalSlots:   len(p.slots),
		HealthySlots: healthy,
		LastCheck:    time.Now(),
	}
	p.healthMu.Unlock()

	if healthy < len(p.slots) {
		p.logger.Warn("some channels are unhealthy", "healthy", healthy, "total", len(p.slots))
	}
}
