// Package supervisor implements the Collection Supervisor of
// SPEC_FULL.md §4.7: it owns collector lifecycles, enforces the
// run-level safety budgets, and answers Status/Health/
// BackfillProgress — generalized from ChainDataFetcher.Start/Stop/
// APIs() (one in-process fetcher) to an owner of N per-chain collector
// goroutines, and from node/service.go's ServiceContext (shared DB
// handle, config, logger wired from one place) to Supervisor's own
// construction.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/collector"
	"github.com/dualchain/ingestd/internal/config"
	"github.com/dualchain/ingestd/internal/cursor"
	"github.com/dualchain/ingestd/internal/eventbus"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/sink"
	"github.com/dualchain/ingestd/internal/validate"
	"github.com/dualchain/ingestd/internal/xlog"
	"github.com/dualchain/ingestd/internal/xmetrics"

	"github.com/rcrowley/go-metrics"
)

var logger = xlog.NewModuleLogger("supervisor")

const stopGracePeriod = 30 * time.Second

// StartResult mirrors the §6 /start response contract.
type StartResult string

const (
	StartAccepted       StartResult = "accepted"
	StartAlreadyRunning StartResult = "already_running"
)

// StopResult mirrors the §6 /stop response contract.
type StopResult string

const (
	StopStopped    StopResult = "stopped"
	StopNotRunning StopResult = "not_running"
)

// entry is the indexed table row SPEC_FULL.md §9 describes in place of
// a cyclic Supervisor↔Collector reference: the Supervisor reads each
// collector's Snapshot through it and never mutates the collector.
type entry struct {
	chainID   chain.Id
	collector *collector.Collector
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// ClientFactory builds the RPC client(s) for one chain from config.
// Supplied by main so Supervisor stays independent of any one
// transport package.
type ClientFactory func(cfg config.ChainConfig) (rpcclient.Client, error)

// Supervisor owns every collector and the run-level safety budgets.
type Supervisor struct {
	cfg    config.Config
	sink   sink.Sink
	store  cursor.Store
	sizeFn func() (float64, error) // returns current store size in GB
	registry metrics.Registry
	events   eventbus.Publisher // nil disables commit-event publishing

	btcClientFactory ClientFactory
	solClientFactory ClientFactory

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	stoppedAt  time.Time
	stopReason chain.StopReason
	entries    map[chain.Id]*entry
	cancelAll  context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a Supervisor. sizeFn reports the analytics store's
// current size for the size budget check; it may be nil to disable
// that budget.
func New(cfg config.Config, sk sink.Sink, store cursor.Store, btcFactory, solFactory ClientFactory, sizeFn func() (float64, error), events eventbus.Publisher) *Supervisor {
	return &Supervisor{
		cfg:              cfg,
		sink:             sk,
		store:            store,
		sizeFn:           sizeFn,
		registry:         metrics.NewRegistry(),
		events:           events,
		btcClientFactory: btcFactory,
		solClientFactory: solFactory,
		entries:          make(map[chain.Id]*entry),
	}
}

// Start spawns one collector per enabled chain. It is idempotent:
// calling Start while already running returns already_running rather
// than an error.
func (s *Supervisor) Start() (StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return StartAlreadyRunning, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAll = cancel
	s.entries = make(map[chain.Id]*entry)

	if s.cfg.Bitcoin.Enabled {
		if err := s.spawn(ctx, chain.Bitcoin, s.cfg.Bitcoin, s.btcClientFactory); err != nil {
			cancel()
			return "", fmt.Errorf("spawn bitcoin collector: %w", err)
		}
	}
	if s.cfg.Solana.Enabled {
		if err := s.spawn(ctx, chain.Solana, s.cfg.Solana, s.solClientFactory); err != nil {
			cancel()
			return "", fmt.Errorf("spawn solana collector: %w", err)
		}
	}

	s.running = true
	s.startedAt = time.Now().UTC()
	s.stopReason = ""

	s.wg.Add(1)
	go s.watchBudgets(ctx)

	logger.Info("collection run started", "startedAt", s.startedAt)
	return StartAccepted, nil
}

func (s *Supervisor) spawn(ctx context.Context, chainID chain.Id, cc config.ChainConfig, factory ClientFactory) error {
	client, err := factory(cc)
	if err != nil {
		return err
	}

	mode := chain.Mode(cc.Mode)
	if mode == "" {
		mode = chain.ModeTip
	}

	col := collector.New(collector.Config{
		Chain:         chainID,
		Mode:          mode,
		StartPosition: chain.Position(cc.StartPosition),
		Parallelism:   cc.Parallelism,
		TxLimit:       cc.TxLimit,
		CycleInterval: s.cfg.CycleInterval(),
		Events:        s.events,
	}, client, s.sink, s.store, xmetrics.NewChainGauges(s.registry, string(chainID)))

	collCtx, collCancel := context.WithCancel(ctx)
	e := &entry{
		chainID:   chainID,
		collector: col,
		cancel:    collCancel,
		done:      make(chan struct{}),
	}
	s.entries[chainID] = e

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(e.done)
		e.runErr = col.Run(collCtx)
		if e.runErr != nil {
			logger.Error("collector exited with error", "chain", chainID, "err", e.runErr)
		}
	}()
	return nil
}

// watchBudgets checks the run-level time and size budgets once per
// cycle interval across the whole run, per SPEC_FULL.md §4.7.
func (s *Supervisor) watchBudgets(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.CycleInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reason, trip := s.checkBudgets(); trip {
				logger.Warn("safety budget tripped", "reason", reason)
				// Run the drain-and-wait off this goroutine: stopInternal
				// blocks on s.wg, which this goroutine is itself a member
				// of, and would deadlock against its own pending Done().
				go s.stopInternal(reason)
				return
			}
		}
	}
}

func (s *Supervisor) checkBudgets() (chain.StopReason, bool) {
	s.mu.Lock()
	maxDuration := s.cfg.MaxDuration()
	startedAt := s.startedAt
	s.mu.Unlock()

	if maxDuration > 0 && time.Since(startedAt) >= maxDuration {
		return chain.StopTimeBudget, true
	}
	if s.sizeFn != nil && s.cfg.MaxSizeGB > 0 {
		gb, err := s.sizeFn()
		if err == nil && gb >= s.cfg.MaxSizeGB {
			return chain.StopSizeBudget, true
		}
	}
	return "", false
}

// Stop signals cancellation to all collectors and waits up to the
// grace period for them to drain a final commit.
func (s *Supervisor) Stop() StopResult {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return StopNotRunning
	}
	s.mu.Unlock()

	s.stopInternal(chain.StopManual)
	return StopStopped
}

func (s *Supervisor) stopInternal(reason chain.StopReason) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelAll
	s.running = false
	s.stopReason = reason
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		logger.Warn("grace period elapsed before all collectors drained")
	}

	s.mu.Lock()
	s.stoppedAt = time.Now().UTC()
	s.mu.Unlock()
	logger.Info("collection run stopped", "reason", reason)
}

// ChainStatus is one chain's contribution to Status().
type ChainStatus struct {
	Position    chain.Position
	Records     int
	RatePerSec  float64
	LastError   string
}

// StatusResponse mirrors the §6 /status response contract.
type StatusResponse struct {
	IsRunning bool
	StartedAt time.Time
	PerChain  map[chain.Id]ChainStatus
}

func (s *Supervisor) Status() StatusResponse {
	s.mu.Lock()
	resp := StatusResponse{IsRunning: s.running, StartedAt: s.startedAt, PerChain: make(map[chain.Id]ChainStatus)}
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	elapsed := time.Since(s.startedAt).Seconds()
	s.mu.Unlock()

	for _, e := range entries {
		snap := e.collector.Snapshot()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(snap.RecordsTotal) / elapsed
		}
		resp.PerChain[e.chainID] = ChainStatus{
			Position:   snap.Position,
			Records:    snap.RecordsTotal,
			RatePerSec: rate,
			LastError:  snap.LastError,
		}
	}
	return resp
}

// HealthLevel is one chain's classification in Health().
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
)

// ChainHealth is one chain's contribution to Health().
type ChainHealth struct {
	Status               HealthLevel
	SecondsSinceLastCommit float64
	ErrorCount5m          int
}

// HealthResponse mirrors the §6 /health response contract. It always
// has a body, even when the run is stopped or a chain is Fatal.
type HealthResponse struct {
	Overall  HealthLevel
	PerChain map[chain.Id]ChainHealth
}

func (s *Supervisor) Health() HealthResponse {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	resp := HealthResponse{Overall: HealthHealthy, PerChain: make(map[chain.Id]ChainHealth)}
	worstRank := 0
	rank := map[HealthLevel]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}

	for _, e := range entries {
		snap := e.collector.Snapshot()
		since := time.Since(snap.LastCommit).Seconds()
		if snap.LastCommit.IsZero() {
			since = 1 << 30
		}

		level := HealthUnhealthy
		switch {
		case snap.State == collector.StateFatal:
			level = HealthUnhealthy
		case since < 60 && snap.ErrorCount5m < 5:
			level = HealthHealthy
		case since < 300:
			level = HealthDegraded
		default:
			level = HealthUnhealthy
		}

		resp.PerChain[e.chainID] = ChainHealth{
			Status:                 level,
			SecondsSinceLastCommit: since,
			ErrorCount5m:           snap.ErrorCount5m,
		}
		if rank[level] > worstRank {
			worstRank = rank[level]
		}
	}
	for lvl, r := range rank {
		if r == worstRank {
			resp.Overall = lvl
			break
		}
	}
	return resp
}

// ChainBackfillProgress is one chain's contribution to
// BackfillProgress().
type ChainBackfillProgress struct {
	Start   chain.Position
	Current chain.Position
	Target  chain.Position
	Percent float64
}

func (s *Supervisor) BackfillProgress() map[chain.Id]ChainBackfillProgress {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make(map[chain.Id]ChainBackfillProgress, len(entries))
	for _, e := range entries {
		snap := e.collector.Snapshot()
		pct := 0.0
		span := snap.BackfillTarget - snap.BackfillStart
		if span > 0 {
			pct = float64(snap.Position-snap.BackfillStart) / float64(span) * 100
		}
		out[e.chainID] = ChainBackfillProgress{
			Start:   snap.BackfillStart,
			Current: snap.Position,
			Target:  snap.BackfillTarget,
			Percent: pct,
		}
	}
	return out
}

// Refetch re-fetches, re-validates and re-upserts [start, end] for
// chainID without moving the cursor — the supplemented operator escape hatch
// of SPEC_FULL.md §9, grounded on ChainDataFetcher's
// StartWithRange/StopWithRange. It is intentionally out of band from
// the §6 HTTP contract: nothing in the control-plane endpoint table
// names it.
func (s *Supervisor) Refetch(ctx context.Context, chainID chain.Id, start, end chain.Position, client rpcclient.Client) error {
	if start > end {
		return fmt.Errorf("refetch: start %d after end %d", start, end)
	}
	for pos := start; pos <= end; pos++ {
		block, err := client.GetBlock(ctx, pos)
		if err != nil {
			if rpcclient.ClassOf(err) == rpcclient.KindSkipped {
				continue
			}
			return fmt.Errorf("refetch position %d: %w", pos, err)
		}
		txs, err := client.GetBlockTransactions(ctx, pos, 0)
		if err != nil {
			return fmt.Errorf("refetch transactions for %d: %w", pos, err)
		}
		var quality []chain.QualityVerdict
		if !block.Empty {
			quality = append(quality, validate.Validate(validate.BlockInput{Block: *block, WallClockNow: time.Now().UTC()}))
		}
		for _, t := range txs {
			quality = append(quality, validate.ValidateTransaction(chainID, t))
		}
		b := sink.Batch{Chain: chainID, Blocks: []chain.Block{*block}, Txs: txs, Quality: quality}
		if _, err := s.sink.WriteBatch(ctx, b); err != nil {
			return fmt.Errorf("refetch write %d: %w", pos, err)
		}
	}
	return nil
}
