// Package btcrpc is a typed client for a local Bitcoin Core node's
// JSON-RPC interface, wrapping btcsuite/btcd/rpcclient the way a full
// node operator would: HTTP basic auth, getblockcount / getblockhash /
// getblock(verbosity 2).
package btcrpc

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/dualchain/ingestd/internal/chain"
	ourrpc "github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("rpcclient.btcrpc")

const defaultTimeout = 5 * time.Second

// Client wraps a single local node connection.
type Client struct {
	rc *rpcclient.Client
}

// Config is the HTTP basic auth connection info for a local node.
type Config struct {
	Host string
	User string
	Pass string
}

func New(cfg Config) (*Client, error) {
	rc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, ourrpc.Classify(ourrpc.KindFatal, err)
	}
	return &Client{rc: rc}, nil
}

var _ ourrpc.Client = (*Client)(nil)

func classifyCallErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isAuthFailure(err):
		return ourrpc.Classify(ourrpc.KindFatal, err)
	case isTimeoutOrConn(err):
		return ourrpc.Classify(ourrpc.KindTransient, err)
	default:
		return ourrpc.Classify(ourrpc.KindTransient, err)
	}
}

func isAuthFailure(err error) bool {
	// btcd's rpcclient surfaces HTTP 401/403 as a generic error; string
	// matching here mirrors how the teacher's code classifies opaque
	// JSON-RPC transport errors it cannot type-assert on.
	msg := err.Error()
	return contains(msg, "401") || contains(msg, "403") || contains(msg, "unauthorized")
}

func isTimeoutOrConn(err error) bool {
	msg := err.Error()
	return contains(msg, "timeout") || contains(msg, "connection") || contains(msg, "EOF")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func (c *Client) GetTipHeight(ctx context.Context) (chain.Position, error) {
	done := make(chan struct{})
	var height int64
	var callErr error
	go func() {
		height, callErr = c.rc.GetBlockCount()
		close(done)
	}()
	select {
	case <-done:
		if callErr != nil {
			return 0, classifyCallErr(callErr)
		}
		return chain.Position(height), nil
	case <-ctx.Done():
		return 0, ourrpc.Classify(ourrpc.KindTransient, ctx.Err())
	case <-time.After(defaultTimeout):
		return 0, ourrpc.Classify(ourrpc.KindTransient, context.DeadlineExceeded)
	}
}

func (c *Client) GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error) {
	hash, err := c.blockHash(ctx, pos)
	if err != nil {
		return nil, err
	}

	verbose, err := c.rc.GetBlockVerboseTx(hash)
	if err != nil {
		return nil, classifyCallErr(err)
	}

	return &chain.Block{
		Chain:      chain.Bitcoin,
		Position:   pos,
		Hash:       verbose.Hash,
		ParentHash: verbose.PreviousHash,
		Timestamp:  time.Unix(verbose.Time, 0).UTC(),
		Size:       int64(verbose.Size),
		TxCount:    len(verbose.Tx),
		Difficulty: verbose.Difficulty,
		Nonce:      uint32(verbose.Nonce),
		MerkleRoot: verbose.MerkleRoot,
		Source:     chain.SourceLocal,
		IngestedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) blockHash(ctx context.Context, pos chain.Position) (*chainhash.Hash, error) {
	tip, err := c.GetTipHeight(ctx)
	if err != nil {
		return nil, err
	}
	if int64(pos) > int64(tip) {
		return nil, ourrpc.Classify(ourrpc.KindNotFound, nil)
	}
	hash, err := c.rc.GetBlockHash(int64(pos))
	if err != nil {
		return nil, classifyCallErr(err)
	}
	return hash, nil
}

func (c *Client) GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error) {
	hash, err := c.blockHash(ctx, pos)
	if err != nil {
		return nil, err
	}
	verbose, err := c.rc.GetBlockVerboseTx(hash)
	if err != nil {
		return nil, classifyCallErr(err)
	}

	n := len(verbose.Tx)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]chain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx := verbose.Tx[i]
		out = append(out, chain.Transaction{
			Chain:    chain.Bitcoin,
			TxId:     tx.Txid,
			Position: pos,
			Index:    i,
			Size:     int64(tx.Size),
			Source:   chain.SourceLocal,
		})
	}
	logger.Debug("fetched transactions from local node", "position", pos, "count", len(out))
	return out, nil
}

// Shutdown releases the underlying RPC connection.
func (c *Client) Shutdown() { c.rc.Shutdown() }
