// Package cursor implements the Cursor Store of SPEC_FULL.md §4.4: the
// per-chain resume pointer, read without locking (writes are atomic)
// and written last within a commit so that a crash between records and
// cursor is always resolved by idempotent re-upsert on the next cycle
// (Open Question (a), §9).
package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/jinzhu/gorm"

	"github.com/dualchain/ingestd/internal/chain"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("cursor")

// Store is the Cursor Store contract.
type Store interface {
	// Load returns the last-committed position for chain, or ok=false
	// if no cursor exists yet.
	Load(ctx context.Context, chain chain.Id) (pos chain.Position, ok bool, err error)

	// CommitBatch atomically advances the cursor to newPosition. It
	// assumes the caller has already had the Sink durably write every
	// record up to newPosition; CommitBatch's own job is only to move
	// the resume pointer, last, as the crash-safety marker.
	CommitBatch(ctx context.Context, chainID chain.Id, newPosition chain.Position, mode chain.Mode) error
}

// GormStore is the default Store, a single row per chain in the
// `cursor` table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) Load(ctx context.Context, chainID chain.Id) (chain.Position, bool, error) {
	var row chain.Cursor
	err := s.db.Table(chain.Cursor{}.TableName()).
		Where("chain = ?", chainID).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	return row.Position, true, nil
}

func (s *GormStore) CommitBatch(ctx context.Context, chainID chain.Id, newPosition chain.Position, mode chain.Mode) error {
	now := time.Now().UTC()

	var existing chain.Cursor
	err := s.db.Table(chain.Cursor{}.TableName()).Where("chain = ?", chainID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row := chain.Cursor{
			Chain:     chainID,
			Position:  newPosition,
			StartedAt: now,
			Mode:      mode,
			UpdatedAt: now,
		}
		if err := s.db.Table(chain.Cursor{}.TableName()).Create(&row).Error; err != nil {
			return fmt.Errorf("create cursor: %w", err)
		}
		logger.Info("cursor initialized", "chain", chainID, "position", newPosition, "mode", mode)
		return nil
	case err != nil:
		return fmt.Errorf("load cursor for commit: %w", err)
	}

	// Cursor monotonicity (SPEC_FULL.md §3 invariant 1): never move
	// backwards, even if called with a stale newPosition.
	if newPosition <= existing.Position {
		return nil
	}

	err = s.db.Table(chain.Cursor{}.TableName()).
		Where("chain = ?", chainID).
		Updates(map[string]interface{}{"position": newPosition, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
