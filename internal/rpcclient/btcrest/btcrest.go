// Package btcrest is a typed client for the Bitcoin public REST API
// (blockstream/mempool.space-style), grounded on the field layout the
// retrieval pack's btc-indexer.go uses for blocks and transactions.
package btcrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("rpcclient.btcrest")

const defaultTimeout = 5 * time.Second

// Client talks to a single Bitcoin public REST endpoint.
type Client struct {
	baseURL string
	hc      *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: defaultTimeout},
	}
}

var _ rpcclient.Client = (*Client)(nil)

type restBlock struct {
	ID            string `json:"id"`
	Height        int64  `json:"height"`
	Version       int32  `json:"version"`
	Timestamp     int64  `json:"timestamp"`
	TxCount       int    `json:"tx_count"`
	Size          int64  `json:"size"`
	Weight        int64  `json:"weight"`
	MerkleRoot    string `json:"merkle_root"`
	PreviousBlock string `json:"previousblockhash"`
	Nonce         uint32 `json:"nonce"`
	Bits          uint32 `json:"bits"`
}

type restTx struct {
	TxID string `json:"txid"`
	Size int64  `json:"size"`
	Fee  int64  `json:"fee"`
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return rpcclient.Classify(rpcclient.KindFatal, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return rpcclient.Classify(rpcclient.KindTransient, ctx.Err())
		}
		return rpcclient.Classify(rpcclient.KindTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return rpcclient.Classify(rpcclient.KindRateLimited, fmt.Errorf("429 from %s", path))
	case resp.StatusCode == http.StatusNotFound:
		return rpcclient.Classify(rpcclient.KindNotFound, fmt.Errorf("404 from %s", path))
	case resp.StatusCode >= 500:
		return rpcclient.Classify(rpcclient.KindTransient, fmt.Errorf("%d from %s", resp.StatusCode, path))
	case resp.StatusCode >= 400:
		return rpcclient.Classify(rpcclient.KindFatal, fmt.Errorf("%d from %s", resp.StatusCode, path))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rpcclient.Classify(rpcclient.KindFatal, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (c *Client) GetTipHeight(ctx context.Context) (chain.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, rpcclient.Classify(rpcclient.KindFatal, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, rpcclient.Classify(rpcclient.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, rpcclient.Classify(rpcclient.KindRateLimited, fmt.Errorf("429 from tip height"))
	}
	if resp.StatusCode >= 500 {
		return 0, rpcclient.Classify(rpcclient.KindTransient, fmt.Errorf("%d from tip height", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return 0, rpcclient.Classify(rpcclient.KindFatal, fmt.Errorf("%d from tip height", resp.StatusCode))
	}

	var buf [32]byte
	n, _ := resp.Body.Read(buf[:])
	height, err := strconv.ParseInt(trimNewline(string(buf[:n])), 10, 64)
	if err != nil {
		return 0, rpcclient.Classify(rpcclient.KindFatal, fmt.Errorf("parse tip height: %w", err))
	}
	return chain.Position(height), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// hashForHeight resolves /block-height/{n}, which responds with a bare
// text body rather than JSON, so it bypasses c.get's JSON decode path.
func (c *Client) hashForHeight(ctx context.Context, pos chain.Position) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+fmt.Sprintf("/block-height/%d", int64(pos)), nil)
	if err != nil {
		return "", rpcclient.Classify(rpcclient.KindFatal, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", rpcclient.Classify(rpcclient.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", rpcclient.Classify(rpcclient.KindNotFound, fmt.Errorf("height %d beyond tip", pos))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", rpcclient.Classify(rpcclient.KindRateLimited, fmt.Errorf("429 resolving height %d", pos))
	}
	if resp.StatusCode >= 500 {
		return "", rpcclient.Classify(rpcclient.KindTransient, fmt.Errorf("%d resolving height %d", resp.StatusCode, pos))
	}
	buf := make([]byte, 128)
	n, _ := resp.Body.Read(buf)
	return trimNewline(string(buf[:n])), nil
}

func (c *Client) GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error) {
	hash, err := c.hashForHeight(ctx, pos)
	if err != nil {
		return nil, err
	}

	var rb restBlock
	if err := c.get(ctx, "/block/"+hash, &rb); err != nil {
		return nil, err
	}

	return &chain.Block{
		Chain:      chain.Bitcoin,
		Position:   pos,
		Hash:       rb.ID,
		ParentHash: rb.PreviousBlock,
		Timestamp:  time.Unix(rb.Timestamp, 0).UTC(),
		Size:       rb.Size,
		TxCount:    rb.TxCount,
		Nonce:      rb.Nonce,
		MerkleRoot: rb.MerkleRoot,
		Source:     chain.SourcePublic,
		IngestedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error) {
	hash, err := c.hashForHeight(ctx, pos)
	if err != nil {
		return nil, err
	}

	path := "/block/" + hash + "/txs"
	var txs []restTx
	startIndex := 0
	for {
		page := path
		if startIndex > 0 {
			page = fmt.Sprintf("%s/%d", path, startIndex)
		}
		var batch []restTx
		if err := c.get(ctx, page, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		txs = append(txs, batch...)
		if limit > 0 && len(txs) >= limit {
			txs = txs[:limit]
			break
		}
		startIndex += len(batch)
		// The public API paginates in fixed-size pages; fewer than a
		// full page means we reached the end.
		if len(batch) < 25 {
			break
		}
	}

	out := make([]chain.Transaction, 0, len(txs))
	for i, t := range txs {
		out = append(out, chain.Transaction{
			Chain:    chain.Bitcoin,
			TxId:     t.TxID,
			Position: pos,
			Index:    i,
			Fee:      t.Fee,
			Size:     t.Size,
			Status:   "",
			Source:   chain.SourcePublic,
		})
	}
	logger.Debug("fetched transactions", "position", pos, "count", len(out))
	return out, nil
}
