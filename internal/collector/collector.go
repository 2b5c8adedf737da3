// Package collector implements the per-chain finite state machine of
// SPEC_FULL.md §4.6: discover → plan → fetch → validate → commit →
// throttle, generalized from the teacher's ChainDataFetcher
// (datasync/chaindatafetcher/chaindata_fetcher.go) — its
// checkpointMu/checkpointMap out-of-order reassembly becomes this
// package's contiguous-prefix commit rule, and its
// fetchingStopCh/fetchingWg pair becomes this package's ctx-driven
// Run/Stop.
package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/cursor"
	"github.com/dualchain/ingestd/internal/eventbus"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/sink"
	"github.com/dualchain/ingestd/internal/validate"
	"github.com/dualchain/ingestd/internal/xlog"
	"github.com/dualchain/ingestd/internal/xmetrics"
)

// State is one of the named states of the collector's state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StatePlanning    State = "planning"
	StateFetching    State = "fetching"
	StateCommitting  State = "committing"
	StateThrottling  State = "throttling"
	StateStopped     State = "stopped"
	StateFatal       State = "fatal"
)

const (
	minBackoff       = 2 * time.Second
	maxBackoff       = 120 * time.Second
	cycleWallClock   = 60 * time.Second
	maxConsecutiveEmptySlots = 10
)

// Config is the per-chain tuning the Supervisor hands to each
// collector, sourced from internal/config.ChainConfig.
type Config struct {
	Chain         chain.Id
	Mode          chain.Mode
	StartPosition chain.Position // only meaningful when Mode == ModeBackfill and >= 0
	Parallelism   int
	TxLimit       int
	CycleInterval time.Duration

	// Events is optional: nil disables commit-event publishing entirely.
	Events eventbus.Publisher
}

// Collector runs one chain's ingestion loop.
type Collector struct {
	cfg    Config
	client rpcclient.Client
	sink   sink.Sink
	store  cursor.Store
	gauges *xmetrics.ChainGauges
	logger xlog.Logger

	mu      sync.RWMutex
	state   State
	cursor  chain.Position
	haveCursor bool
	lastHash   string
	lastErr    string
	lastCommit time.Time
	backoff    time.Duration
	backfillStart  chain.Position
	backfillTarget chain.Position
	recordsTotal   int
	errorsSince    []time.Time
}

// New builds a Collector. It does not start fetching; call Run.
func New(cfg Config, client rpcclient.Client, sk sink.Sink, store cursor.Store, gauges *xmetrics.ChainGauges) *Collector {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	return &Collector{
		cfg:    cfg,
		client: client,
		sink:   sk,
		store:  store,
		gauges: gauges,
		logger: xlog.NewModuleLogger("collector." + string(cfg.Chain)),
		state:  StateIdle,
	}
}

// Snapshot is the read-only view Status()/Health() consume.
type Snapshot struct {
	State          State
	Position       chain.Position
	LastError      string
	LastCommit     time.Time
	RecordsTotal   int
	ErrorCount5m   int
	BackfillStart  chain.Position
	BackfillTarget chain.Position
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := time.Now().Add(-5 * time.Minute)
	count := 0
	for _, t := range c.errorsSince {
		if t.After(cutoff) {
			count++
		}
	}
	return Snapshot{
		State:          c.state,
		Position:       c.cursor,
		LastError:      c.lastErr,
		LastCommit:     c.lastCommit,
		RecordsTotal:   c.recordsTotal,
		ErrorCount5m:   count,
		BackfillStart:  c.backfillStart,
		BackfillTarget: c.backfillTarget,
	}
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Collector) recordError(tag string) {
	c.mu.Lock()
	c.lastErr = tag
	c.errorsSince = append(c.errorsSince, time.Now())
	// Trim anything older than 5 minutes so the slice never grows
	// unbounded across a long-running process.
	cutoff := time.Now().Add(-5 * time.Minute)
	kept := c.errorsSince[:0]
	for _, t := range c.errorsSince {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errorsSince = kept
	c.mu.Unlock()
	if c.gauges != nil {
		c.gauges.ErrorCount.Inc(1)
	}
}

// Run drives the state machine until ctx is canceled. It returns nil
// on a clean stop, or an error if the chain transitioned to Fatal.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return nil
		default:
		}

		cycleCtx, cancel := context.WithTimeout(ctx, cycleWallClock)
		fatal, err := c.runCycle(cycleCtx)
		cancel()

		if fatal {
			c.setState(StateFatal)
			c.logger.Error("collector entered fatal state", "err", err)
			return err
		}

		c.setState(StateThrottling)
		sleep := c.cfg.CycleInterval
		c.mu.RLock()
		if c.backoff > 0 {
			sleep += c.backoff
		}
		c.mu.RUnlock()

		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return nil
		case <-time.After(sleep):
		}
		c.setState(StateIdle)
	}
}

// runCycle executes one Discovering→Planning→Fetching→Committing pass.
// fatal reports whether the chain must transition to Fatal.
func (c *Collector) runCycle(ctx context.Context) (fatal bool, err error) {
	c.setState(StateDiscovering)
	tip, base, err := c.discover(ctx)
	if err != nil {
		kind := rpcclient.ClassOf(err)
		c.recordError(kind.String())
		if kind == rpcclient.KindFatal {
			return true, err
		}
		return false, nil
	}

	c.setState(StatePlanning)
	window := 1
	behind := tip > base+1
	if behind {
		window = c.cfg.Parallelism
	}
	target := tip
	if base+chain.Position(window) < tip {
		target = base + chain.Position(window)
	}
	if target <= base {
		// Nothing to do this cycle.
		return false, nil
	}
	positions := make([]chain.Position, 0, int(target-base))
	for p := base + 1; p <= target; p++ {
		positions = append(positions, p)
	}

	c.mu.Lock()
	c.backfillStart = base
	c.backfillTarget = tip
	c.mu.Unlock()

	c.setState(StateFetching)
	results, rateLimited := c.fetchAll(ctx, positions, tip)

	c.setState(StateCommitting)
	return false, c.commit(ctx, base, results, rateLimited)
}

// discover computes the chain's tip and the base position to resume
// from (the cursor, or a configured starting point if none exists).
func (c *Collector) discover(ctx context.Context) (tip, base chain.Position, err error) {
	tip, err = c.client.GetTipHeight(ctx)
	if err != nil {
		return 0, 0, err
	}

	pos, ok, err := c.store.Load(ctx, c.cfg.Chain)
	if err != nil {
		return 0, 0, rpcclient.Classify(rpcclient.KindTransient, err)
	}
	if ok {
		c.mu.Lock()
		c.cursor = pos
		c.haveCursor = true
		c.mu.Unlock()
		return tip, pos, nil
	}

	if c.cfg.Mode == chain.ModeBackfill && c.cfg.StartPosition >= 0 {
		return tip, c.cfg.StartPosition - 1, nil
	}
	// No cursor and tip mode (or backfill with no explicit start):
	// begin at the tip.
	return tip, tip - 1, nil
}

// fetchResult is one position's outcome from the Fetching phase.
// Block-level validation happens later, in commit, once the block's
// place in the walk order (and thus its true predecessor) is known;
// txQuality is independent of ordering and so is computed here.
type fetchResult struct {
	position  chain.Position
	block     *chain.Block
	txs       []chain.Transaction
	txQuality []chain.QualityVerdict
	err       error
}

// fetchAll dispatches up to Parallelism concurrent GetBlock +
// GetBlockTransactions pairs. Once any result classifies as
// RateLimited, no further positions are dispatched this cycle — the
// equivalent of collapsing parallelism to 1, since nothing is left to
// run concurrently with.
func (c *Collector) fetchAll(ctx context.Context, positions []chain.Position, tip chain.Position) (map[chain.Position]fetchResult, bool) {
	results := make(map[chain.Position]fetchResult, len(positions))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.cfg.Parallelism)

	var rateLimitedFlag int32 // accessed only under mu below for simplicity

	dispatch := func(pos chain.Position) {
		defer wg.Done()
		defer func() { <-sem }()

		r := c.fetchOne(ctx, pos, tip)

		mu.Lock()
		results[pos] = r
		if r.err != nil && rpcclient.ClassOf(r.err) == rpcclient.KindRateLimited {
			rateLimitedFlag = 1
		}
		mu.Unlock()
	}

	for _, pos := range positions {
		// Take the slot before dispatching, so the rate-limit check below
		// sees every result that finished while we waited for it.
		sem <- struct{}{}
		mu.Lock()
		stop := rateLimitedFlag == 1
		mu.Unlock()
		if stop {
			<-sem
			break
		}
		wg.Add(1)
		go dispatch(pos)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if rateLimitedFlag == 1 {
		c.mu.Lock()
		if c.backoff == 0 {
			c.backoff = minBackoff
		} else {
			c.backoff *= 2
			if c.backoff > maxBackoff {
				c.backoff = maxBackoff
			}
		}
		c.mu.Unlock()
		c.logger.Warn("rate limited, collapsing parallelism and scheduling backoff", "chain", c.cfg.Chain, "backoff", c.backoff)
	}
	return results, rateLimitedFlag == 1
}

func (c *Collector) fetchOne(ctx context.Context, pos, tip chain.Position) fetchResult {
	block, err := c.client.GetBlock(ctx, pos)
	if err != nil {
		kind := rpcclient.ClassOf(err)
		if kind == rpcclient.KindSkipped {
			return fetchResult{position: pos, block: &chain.Block{Chain: c.cfg.Chain, Position: pos, Empty: true}}
		}
		if kind == rpcclient.KindNotFound {
			if pos <= tip {
				// The chain advanced past our view since discovery;
				// treat as Transient so it is retried, not dropped.
				return fetchResult{position: pos, err: rpcclient.Classify(rpcclient.KindTransient, err)}
			}
			return fetchResult{position: pos, err: err}
		}
		return fetchResult{position: pos, err: err}
	}

	if block.Empty {
		return fetchResult{position: pos, block: block}
	}

	txs, err := c.client.GetBlockTransactions(ctx, pos, c.cfg.TxLimit)
	if err != nil {
		return fetchResult{position: pos, err: err}
	}

	txQuality := make([]chain.QualityVerdict, 0, len(txs))
	for _, t := range txs {
		txQuality = append(txQuality, validate.ValidateTransaction(c.cfg.Chain, t))
	}

	return fetchResult{position: pos, block: block, txs: txs, txQuality: txQuality}
}

// commit computes the longest contiguous prefix starting at base+1
// and writes it through the Sink and Cursor Store.
func (c *Collector) commit(ctx context.Context, base chain.Position, results map[chain.Position]fetchResult, rateLimited bool) error {
	positions := make([]chain.Position, 0, len(results))
	for p := range results {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	c.mu.RLock()
	prevHash := c.lastHash
	c.mu.RUnlock()

	var blocks []chain.Block
	var txs []chain.Transaction
	var quality []chain.QualityVerdict
	hashAt := make(map[chain.Position]string)
	expect := base + 1
	consecutiveEmpty := 0
	for _, p := range positions {
		if p != expect {
			break
		}
		r := results[p]
		if r.err != nil {
			break
		}
		if r.block.Empty {
			consecutiveEmpty++
			if consecutiveEmpty > maxConsecutiveEmptySlots {
				break
			}
		} else {
			consecutiveEmpty = 0
			blocks = append(blocks, *r.block)
			txs = append(txs, r.txs...)
			quality = append(quality, validate.Validate(validate.BlockInput{
				Block:        *r.block,
				PrevHash:     prevHash,
				TipMode:      c.cfg.Mode == chain.ModeTip,
				WallClockNow: time.Now().UTC(),
			}))
			hashAt[p] = r.block.Hash
			prevHash = r.block.Hash
		}
		quality = append(quality, r.txQuality...)
		expect++
	}

	newPosition := expect - 1
	if newPosition <= base {
		return nil // nothing contiguous to commit this cycle
	}

	b := sink.Batch{
		Chain:   c.cfg.Chain,
		Blocks:  blocks,
		Txs:     txs,
		Quality: quality,
		Metric: chain.MetricSample{
			Chain:      c.cfg.Chain,
			CycleAt:    time.Now().UTC(),
			RecordsIn:  len(positions),
			RecordsOut: len(blocks),
		},
	}

	acceptedThrough, err := c.sink.WriteBatch(ctx, b)
	if err != nil {
		return err
	}

	// The Sink may have isolated a poison record before newPosition;
	// never advance the cursor past what it actually wrote unless the
	// batch was empty-slots-only (acceptedThrough stays 0 from Sink
	// since it never saw a block row to write).
	finalPosition := newPosition
	if len(blocks) > 0 && acceptedThrough < blocks[len(blocks)-1].Position {
		finalPosition = acceptedThrough
	}
	if finalPosition <= base {
		return nil
	}

	if err := c.store.CommitBatch(ctx, c.cfg.Chain, finalPosition, c.cfg.Mode); err != nil {
		return rpcclient.Classify(rpcclient.KindTransient, err)
	}

	// finalPosition may trail newPosition if the Sink isolated a poison
	// record partway through the walk; only the hash actually reached
	// is a safe PrevHash for the next cycle.
	resolvedHash, haveResolvedHash := "", false
	for p := finalPosition; p > base; p-- {
		if h, ok := hashAt[p]; ok {
			resolvedHash, haveResolvedHash = h, true
			break
		}
	}

	c.mu.Lock()
	c.cursor = finalPosition
	c.haveCursor = true
	if haveResolvedHash {
		c.lastHash = resolvedHash
	}
	c.lastCommit = time.Now()
	c.recordsTotal += len(blocks)
	if !rateLimited {
		c.backoff = 0
	}
	c.mu.Unlock()

	if c.gauges != nil {
		c.gauges.Cursor.Update(int64(finalPosition))
		c.gauges.RecordsOut.Update(int64(len(blocks)))
		c.gauges.RecordsIn.Update(int64(len(positions)))
		c.gauges.LastCommitUnix.Update(time.Now().Unix())
	}
	c.logger.Info("committed cycle", "chain", c.cfg.Chain, "from", base+1, "to", finalPosition, "blocks", len(blocks))

	if c.cfg.Events != nil {
		if err := c.cfg.Events.PublishCommit(eventbus.CommitEvent{
			Chain:       c.cfg.Chain,
			From:        base + 1,
			To:          finalPosition,
			BlockCount:  len(blocks),
			CommittedAt: time.Now().UTC(),
		}); err != nil {
			c.logger.Warn("failed to publish commit event", "err", err)
		}
	}
	return nil
}
