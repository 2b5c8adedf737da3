// Package rpcclient defines the capability set every upstream chain
// client implements (GetTipHeight, GetBlock, GetBlockTransactions) and
// the shared error taxonomy collectors classify on. Per SPEC_FULL.md
// §9's "duck-typed collectors" note, there is no base client type to
// inherit from — each chain variant is a plain struct satisfying
// Client by composition.
package rpcclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/dualchain/ingestd/internal/chain"
)

// Kind is the engine-level error taxonomy every client method
// surfaces (SPEC_FULL.md §4.1).
type Kind int

const (
	// KindOK is not an error; Classify never returns it, it exists so
	// callers can zero-value-compare.
	KindOK Kind = iota
	KindNotFound
	KindSkipped
	KindRateLimited
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindSkipped:
		return "skipped"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "ok"
	}
}

// Retryable reports whether a collector should retry the request
// (possibly next cycle) rather than treat it as terminal.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// TriggersBackoff reports whether this error kind should push the
// collector's throttle state toward backoff.
func (k Kind) TriggersBackoff() bool {
	return k == KindRateLimited || k == KindTransient
}

// ClassifiedError wraps a transport error with its engine-level Kind.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given Kind. A nil err with a non-OK kind
// is still a valid classified error (e.g. Skipped has no underlying
// transport failure).
func Classify(kind Kind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// ClassOf extracts the Kind of err if it (or something it wraps) is a
// *ClassifiedError, defaulting to KindFatal for anything unrecognized
// so unknown failures never get silently retried forever.
func ClassOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}

// Client is the capability set a chain's RPC layer must provide.
type Client interface {
	// GetTipHeight returns the chain's best-known position.
	GetTipHeight(ctx context.Context) (chain.Position, error)

	// GetBlock fetches one block/slot. err is a *ClassifiedError on
	// any non-success outcome, including KindSkipped for Solana's
	// empty slots.
	GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error)

	// GetBlockTransactions fetches a block's transactions in
	// on-chain order. limit == 0 means unlimited.
	GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error)
}
