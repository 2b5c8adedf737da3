// Package sink implements the idempotent upsert described in
// SPEC_FULL.md §4.5: natural-key upsert of blocks/transactions/quality
// rows plus a metric-sample insert. Each block is written with its
// transactions in its own transaction and retried up to M times; the
// first block that still fails ends the batch — generalizing the retry
// loop in the teacher's chaindata_fetcher.go (retryFunc,
// DBInsertRetryInterval).
package sink

import (
	"context"
	"time"

	"github.com/jinzhu/gorm"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/xlog"
	"github.com/dualchain/ingestd/internal/xmetrics"
)

var logger = xlog.NewModuleLogger("sink")

// retryInterval mirrors the teacher's DBInsertRetryInterval constant.
const retryInterval = 500 * time.Millisecond

// Batch is one cycle's worth of records, all for the same chain.
type Batch struct {
	Chain    chain.Id
	Blocks   []chain.Block
	Txs      []chain.Transaction
	Quality  []chain.QualityVerdict
	Metric   chain.MetricSample
}

// Sink is the batched upsert contract of SPEC_FULL.md §4.5.
type Sink interface {
	// WriteBatch persists as much of the batch as possible and
	// returns the contiguous prefix of positions (starting at the
	// batch's lowest position) that were successfully written.
	// Partial commits never include a gap: if position p fails, no
	// position > p is reported as accepted, even if it wrote fine.
	WriteBatch(ctx context.Context, b Batch) (acceptedThrough chain.Position, err error)
}

const (
	defaultBatchSize = 500
	defaultMaxRetries = 3
)

// GormSink is the default Sink, backed by a single gorm.DB handle
// shared with the Cursor Store.
type GormSink struct {
	db         *gorm.DB
	batchSize  int
	maxRetries int
	gauges     map[chain.Id]*xmetrics.ChainGauges
}

// NewGormSink builds a Sink. gauges may be nil if the caller does not
// want per-write telemetry.
func NewGormSink(db *gorm.DB, batchSize, maxRetries int, gauges map[chain.Id]*xmetrics.ChainGauges) *GormSink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &GormSink{db: db, batchSize: batchSize, maxRetries: maxRetries, gauges: gauges}
}

var _ Sink = (*GormSink)(nil)

func (s *GormSink) WriteBatch(ctx context.Context, b Batch) (chain.Position, error) {
	if len(b.Blocks) == 0 {
		return 0, nil
	}

	// Blocks must already be sorted ascending by position by the
	// caller (the collector builds them that way); Sink does not
	// reorder, it only decides how far the contiguous run it was
	// given actually landed.
	accepted := chain.Position(-1)
	for i := range b.Blocks {
		blk := b.Blocks[i]
		related := txsForBlock(b.Txs, blk.Position)

		if err := s.writeOneWithRetry(ctx, blk, related); err != nil {
			logger.Error("isolating poison record, stopping batch", "chain", b.Chain, "position", blk.Position, "err", err)
			break
		}
		accepted = blk.Position
	}

	for _, q := range b.Quality {
		if err := s.upsertQuality(q); err != nil {
			logger.Warn("failed to write quality row", "chain", b.Chain, "position", q.Position, "err", err)
		}
	}
	if !b.Metric.CycleAt.IsZero() {
		if err := s.db.Create(&b.Metric).Error; err != nil {
			logger.Warn("failed to write metric sample", "chain", b.Chain, "err", err)
		}
	}

	if accepted < 0 {
		return 0, rpcclient.Classify(rpcclient.KindTransient, gormErrOrNil(s.db))
	}
	return accepted, nil
}

// writeOneWithRetry retries the whole-batch insert for a single block
// up to maxRetries times in one transaction before giving up on it
// (and, by extension, every position after it in this cycle).
func (s *GormSink) writeOneWithRetry(ctx context.Context, blk chain.Block, txs []chain.Transaction) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryInterval):
			}
		}
		if err := s.writeOne(blk, txs); err != nil {
			lastErr = err
			logger.Warn("retrying block write", "position", blk.Position, "attempt", attempt, "err", err)
			continue
		}
		return nil
	}
	return lastErr
}

func (s *GormSink) writeOne(blk chain.Block, txs []chain.Transaction) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if !blk.Empty {
		if err := upsertBlock(tx, blk); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, t := range txs {
		if err := upsertTx(tx, t); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit().Error
}

func upsertBlock(tx *gorm.DB, blk chain.Block) error {
	return tx.Table(blk.TableName(blk.Chain)).
		Where("chain = ? AND position = ?", blk.Chain, blk.Position).
		Assign(blk).
		FirstOrCreate(&chain.Block{}).Error
}

func upsertTx(tx *gorm.DB, t chain.Transaction) error {
	return tx.Table(t.TableName(t.Chain)).
		Where("chain = ? AND tx_id = ?", t.Chain, t.TxId).
		Assign(t).
		FirstOrCreate(&chain.Transaction{}).Error
}

func (s *GormSink) upsertQuality(q chain.QualityVerdict) error {
	return s.db.Table(chain.QualityVerdict{}.TableName()).
		Where("chain = ? AND position = ? AND tx_id = ?", q.Chain, q.Position, q.TxId).
		Assign(q).
		FirstOrCreate(&chain.QualityVerdict{}).Error
}

func txsForBlock(all []chain.Transaction, pos chain.Position) []chain.Transaction {
	var out []chain.Transaction
	for _, t := range all {
		if t.Position == pos {
			out = append(out, t)
		}
	}
	return out
}

func gormErrOrNil(db *gorm.DB) error {
	if db.Error != nil {
		return db.Error
	}
	return nil
}
