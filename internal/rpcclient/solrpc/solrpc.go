// Package solrpc is a typed client over a single Solana JSON-RPC
// upstream, grounded on the SolanaBlockchain worker pattern in the
// retrieval pack (endpoint selection, lastProcessedSlot bookkeeping)
// and on gagliardetto/solana-go/rpc's typed GetBlock surface.
package solrpc

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/dualchain/ingestd/internal/chain"
	ourrpc "github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("rpcclient.solrpc")

// slotSkippedCode is the JSON-RPC error code Solana returns for a
// slot no leader produced a block for (SPEC_FULL.md §4.1).
const slotSkippedCode = -32009

// Client wraps a single Solana JSON-RPC endpoint.
type Client struct {
	rc *rpc.Client
}

func New(endpoint string) *Client {
	return &Client{rc: rpc.New(endpoint)}
}

var _ ourrpc.Client = (*Client)(nil)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == slotSkippedCode {
			return ourrpc.Classify(ourrpc.KindSkipped, nil)
		}
		if rpcErr.Code == 429 || rpcErr.Code == -32005 {
			return ourrpc.Classify(ourrpc.KindRateLimited, err)
		}
	}
	return ourrpc.Classify(ourrpc.KindTransient, err)
}

func (c *Client) GetTipHeight(ctx context.Context) (chain.Position, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slot, err := c.rc.GetSlot(cctx, rpc.CommitmentFinalized)
	if err != nil {
		return 0, classify(err)
	}
	return chain.Position(slot), nil
}

func (c *Client) GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	version := uint64(0)
	full := rpc.TransactionDetailsFull
	block, err := c.rc.GetBlockWithOpts(cctx, uint64(pos), &rpc.GetBlockOpts{
		Encoding:                       rpc.SolanaEncodingBase64,
		TransactionDetails:             full,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return nil, classify(err)
	}
	if block == nil {
		// No error, no block: treat the same as an empty slot marker.
		return &chain.Block{Chain: chain.Solana, Position: pos, Empty: true}, nil
	}

	var parentHash string
	if block.PreviousBlockhash != nil {
		parentHash = block.PreviousBlockhash.String()
	}
	blockTime := time.Now().UTC()
	if block.BlockTime != nil {
		blockTime = block.BlockTime.Time()
	}

	return &chain.Block{
		Chain:      chain.Solana,
		Position:   pos,
		Hash:       block.Blockhash.String(),
		ParentHash: parentHash,
		Timestamp:  blockTime,
		TxCount:    len(block.Transactions),
		ParentSlot: chain.Position(block.ParentSlot),
		Source:     chain.SourceRPC,
		IngestedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	version := uint64(0)
	full := rpc.TransactionDetailsFull
	block, err := c.rc.GetBlockWithOpts(cctx, uint64(pos), &rpc.GetBlockOpts{
		Encoding:                       rpc.SolanaEncodingBase64,
		TransactionDetails:             full,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return nil, classify(err)
	}
	if block == nil {
		return nil, nil
	}

	n := len(block.Transactions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]chain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx := block.Transactions[i]
		status := chain.TxSuccess
		var fee int64
		if tx.Meta != nil {
			fee = int64(tx.Meta.Fee)
			if tx.Meta.Err != nil {
				status = chain.TxFailed
			}
		}
		sig := ""
		if parsed, err := tx.GetTransaction(); err == nil && len(parsed.Signatures) > 0 {
			sig = parsed.Signatures[0].String()
		}
		out = append(out, chain.Transaction{
			Chain:    chain.Solana,
			TxId:     sig,
			Position: pos,
			Index:    i,
			Fee:      fee,
			Status:   status,
			Source:   chain.SourceRPC,
		})
	}
	logger.Debug("fetched transactions", "position", pos, "count", len(out))
	return out, nil
}
