package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/rpcclient"
)

type fakeClient struct {
	tip       chain.Position
	err       error
	callCount int
}

func (f *fakeClient) GetTipHeight(ctx context.Context) (chain.Position, error) {
	f.callCount++
	return f.tip, f.err
}

func (f *fakeClient) GetBlock(ctx context.Context, pos chain.Position) (*chain.Block, error) {
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	return &chain.Block{Chain: chain.Bitcoin, Position: pos}, nil
}

func (f *fakeClient) GetBlockTransactions(ctx context.Context, pos chain.Position, limit int) ([]chain.Transaction, error) {
	f.callCount++
	return nil, f.err
}

func TestRouter_PrefersLocalWhenHealthy(t *testing.T) {
	local := &fakeClient{tip: 100}
	public := &fakeClient{tip: 50}

	r := New(local, public)
	pos, err := r.GetTipHeight(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, chain.Position(100), pos)
	assert.Equal(t, 1, local.callCount)
	assert.Equal(t, 0, public.callCount)
}

func TestRouter_FallsBackToPublicOnTransientFailure(t *testing.T) {
	local := &fakeClient{err: rpcclient.Classify(rpcclient.KindTransient, assertErr)}
	public := &fakeClient{tip: 50}

	r := New(local, public)
	pos, err := r.GetTipHeight(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, chain.Position(50), pos)
	assert.Equal(t, 1, public.callCount)
}

func TestRouter_RateLimitNeverFlipsPreference(t *testing.T) {
	local := &fakeClient{err: rpcclient.Classify(rpcclient.KindRateLimited, assertErr)}
	public := &fakeClient{tip: 50}

	r := New(local, public)
	_, err := r.GetTipHeight(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, public.callCount)

	// Local is still preferred on the next call; a healthy response
	// should be served by local again, not routed to public.
	local.err = nil
	local.tip = 99
	pos, err := r.GetTipHeight(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, chain.Position(99), pos)
}

func TestRouter_NilLocalAlwaysUsesPublic(t *testing.T) {
	public := &fakeClient{tip: 7}
	r := New(nil, public)
	pos, err := r.GetTipHeight(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, chain.Position(7), pos)
}

var assertErr = context.DeadlineExceeded
