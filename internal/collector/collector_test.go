package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/sink"
)

type fakeClient struct {
	tip    chain.Position
	blocks map[chain.Position]*chain.Block
	errs   map[chain.Position]error
}

func (f *fakeClient) GetTipHeight(ctx context.Context) (chain.Position, error) {
	return f.tip, nil
}

func (f *fakeClient) GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error) {
	if err, ok := f.errs[pos]; ok {
		return nil, err
	}
	if b, ok := f.blocks[pos]; ok {
		return b, nil
	}
	return &chain.Block{Chain: chain.Bitcoin, Position: pos, Hash: "h"}, nil
}

func (f *fakeClient) GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error) {
	return nil, nil
}

type fakeSink struct {
	written []sink.Batch
}

func (s *fakeSink) WriteBatch(ctx context.Context, b sink.Batch) (chain.Position, error) {
	s.written = append(s.written, b)
	if len(b.Blocks) == 0 {
		return 0, nil
	}
	return b.Blocks[len(b.Blocks)-1].Position, nil
}

type fakeStore struct {
	pos      chain.Position
	ok       bool
	commits  []chain.Position
}

func (s *fakeStore) Load(ctx context.Context, c chain.Id) (chain.Position, bool, error) {
	return s.pos, s.ok, nil
}

func (s *fakeStore) CommitBatch(ctx context.Context, c chain.Id, newPosition chain.Position, mode chain.Mode) error {
	if newPosition <= s.pos {
		return nil
	}
	s.pos = newPosition
	s.ok = true
	s.commits = append(s.commits, newPosition)
	return nil
}

func newTestCollector(t *testing.T, client rpcclient.Client, sk *fakeSink, store *fakeStore) *Collector {
	t.Helper()
	return New(Config{
		Chain:         chain.Bitcoin,
		Mode:          chain.ModeTip,
		Parallelism:   2,
		CycleInterval: time.Millisecond,
	}, client, sk, store, nil)
}

func TestCollector_CommitsContiguousPrefixOnly(t *testing.T) {
	client := &fakeClient{tip: 105}
	sk := &fakeSink{}
	store := &fakeStore{pos: 100, ok: true}
	c := newTestCollector(t, client, sk, store)
	c.cfg.Parallelism = 5

	client.errs = map[chain.Position]error{
		103: rpcclient.Classify(rpcclient.KindTransient, nil),
	}

	fatal, err := c.runCycle(context.Background())
	require.False(t, fatal)
	require.NoError(t, err)

	assert.Equal(t, chain.Position(102), store.pos)
}

func TestCollector_SolanaSkippedSlotsAdvanceCursor(t *testing.T) {
	client := &fakeClient{tip: 103}
	client.blocks = map[chain.Position]*chain.Block{
		101: {Chain: chain.Solana, Position: 101, Empty: true},
		102: {Chain: chain.Solana, Position: 102, Empty: true},
		103: {Chain: chain.Solana, Position: 103, Hash: "h"},
	}
	sk := &fakeSink{}
	store := &fakeStore{pos: 100, ok: true}
	c := newTestCollector(t, client, sk, store)
	c.cfg.Chain = chain.Solana
	c.cfg.Parallelism = 3

	fatal, err := c.runCycle(context.Background())
	require.False(t, fatal)
	require.NoError(t, err)
	assert.Equal(t, chain.Position(103), store.pos)
}

func TestCollector_FatalDiscoveryErrorStopsRun(t *testing.T) {
	sk := &fakeSink{}
	store := &fakeStore{}
	fc := &fatalTipClient{}
	c := newTestCollector(t, fc, sk, store)

	fatal, err := c.runCycle(context.Background())
	assert.True(t, fatal)
	assert.Error(t, err)
}

func TestCollector_ParentHashMismatchProducesSuspectVerdict(t *testing.T) {
	client := &fakeClient{tip: 102}
	client.blocks = map[chain.Position]*chain.Block{
		101: {Chain: chain.Bitcoin, Position: 101, Hash: "aaaa", ParentHash: "zzzz"},
		102: {Chain: chain.Bitcoin, Position: 102, Hash: "bbbb", ParentHash: "wrong"},
	}
	sk := &fakeSink{}
	store := &fakeStore{pos: 100, ok: true}
	c := newTestCollector(t, client, sk, store)
	c.cfg.Parallelism = 2
	c.lastHash = "aaaa" // simulates a block committed by an earlier cycle

	fatal, err := c.runCycle(context.Background())
	require.False(t, fatal)
	require.NoError(t, err)
	require.Equal(t, chain.Position(102), store.pos)

	require.Len(t, sk.written, 1)
	found := false
	for _, q := range sk.written[0].Quality {
		if q.Position == 102 && q.TxId == "" {
			found = true
			assert.Equal(t, chain.QualitySuspect, q.Level)
			assert.Contains(t, q.Issues, "parent_hash_mismatch")
		}
	}
	assert.True(t, found, "expected a block-level verdict for position 102")

	// c.lastHash is carried forward for the next cycle's parent check.
	assert.Equal(t, "bbbb", c.lastHash)
}

type fatalTipClient struct{ fakeClient }

func (f *fatalTipClient) GetTipHeight(ctx context.Context) (chain.Position, error) {
	return 0, rpcclient.Classify(rpcclient.KindFatal, nil)
}
