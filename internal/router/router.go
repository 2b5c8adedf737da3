// Package router implements the Bitcoin source router: prefer the
// local node, fall back to the public API on failure, and only flip
// back after a cooldown and a successful probe (SPEC_FULL.md §4.2).
// Mutated only by the Bitcoin collector (single-owner discipline, §5);
// its concurrent fetch goroutines share the preference state under mu.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("router.bitcoin")

const (
	cooldownAfterFlip = 60 * time.Second
	probeInterval     = 5 * time.Minute
)

type preference int

const (
	preferLocal preference = iota
	preferPublic
)

// Router picks between a local full node and a public REST/JSON-RPC
// API for Bitcoin, per the sticky-preference-with-cooldown policy.
type Router struct {
	local  rpcclient.Client
	public rpcclient.Client

	mu            sync.Mutex
	preferred     preference
	cooldownUntil time.Time
	lastProbe     time.Time
}

// New builds a Router. local may be nil if bitcoin.use_local_node is
// false, in which case the router always uses public.
func New(local, public rpcclient.Client) *Router {
	pref := preferPublic
	if local != nil {
		pref = preferLocal
	}
	return &Router{local: local, public: public, preferred: pref}
}

var _ rpcclient.Client = (*Router)(nil)

// maybeProbe resets preference to local if a cheap local call
// succeeds, per the periodic-probe rule. Called with mu held.
func (r *Router) maybeProbe(ctx context.Context) {
	if r.local == nil || r.preferred != preferPublic {
		return
	}
	if time.Since(r.lastProbe) < probeInterval {
		return
	}
	r.lastProbe = time.Now()
	if _, err := r.local.GetTipHeight(ctx); err == nil {
		logger.Info("local node probe succeeded, restoring preference", "preference", "local")
		r.preferred = preferLocal
	}
}

// current returns the client to try first, with router bookkeeping
// already applied for this call.
func (r *Router) current(ctx context.Context) (rpcclient.Client, preference) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeProbe(ctx)

	if r.preferred == preferLocal && r.local != nil && time.Now().After(r.cooldownUntil) {
		return r.local, preferLocal
	}
	return r.public, preferPublic
}

// flipToPublic records a failure on the local node and starts its
// cooldown. Rate-limit responses never flip preference — they are a
// property of the caller, not the source (§4.2).
func (r *Router) flipToPublic(kind rpcclient.Kind) {
	if kind == rpcclient.KindRateLimited {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.preferred == preferLocal {
		logger.Warn("local node failed, flipping to public", "kind", kind.String())
		r.preferred = preferPublic
		r.cooldownUntil = time.Now().Add(cooldownAfterFlip)
	}
}

// try runs fn against the preferred client, falling back to public on
// a Transient/Fatal failure of local.
func (r *Router) try(ctx context.Context, fn func(rpcclient.Client) error) error {
	client, pref := r.current(ctx)
	err := fn(client)
	if err == nil || pref != preferLocal {
		return err
	}

	kind := rpcclient.ClassOf(err)
	if kind == rpcclient.KindTransient || kind == rpcclient.KindFatal {
		r.flipToPublic(kind)
		return fn(r.public)
	}
	return err
}

func (r *Router) GetTipHeight(ctx context.Context) (chain.Position, error) {
	var pos chain.Position
	err := r.try(ctx, func(c rpcclient.Client) error {
		p, err := c.GetTipHeight(ctx)
		pos = p
		return err
	})
	return pos, err
}

func (r *Router) GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error) {
	var block *chain.Block
	err := r.try(ctx, func(c rpcclient.Client) error {
		b, err := c.GetBlock(ctx, pos)
		block = b
		return err
	})
	return block, err
}

func (r *Router) GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error) {
	var txs []chain.Transaction
	err := r.try(ctx, func(c rpcclient.Client) error {
		t, err := c.GetBlockTransactions(ctx, pos, limit)
		txs = t
		return err
	})
	return txs, err
}
