package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dualchain/ingestd/internal/chain"
)

var hash64 = strings.Repeat("a", 64)

func TestValidate_CleanBlockIsOK(t *testing.T) {
	now := time.Now().UTC()
	v := Validate(BlockInput{
		Block: chain.Block{
			Chain:      chain.Bitcoin,
			Position:   100,
			Hash:       hash64,
			Timestamp:  now,
			Nonce:      123,
			Difficulty: 1.5,
		},
		TipMode:      true,
		WallClockNow: now,
	})
	assert.Equal(t, chain.QualityOK, v.Level)
	assert.Empty(t, v.Issues)
}

func TestValidate_MissingHashIsWarn(t *testing.T) {
	v := Validate(BlockInput{Block: chain.Block{Chain: chain.Solana, Position: 5}})
	assert.Equal(t, chain.QualityWarn, v.Level)
	assert.Contains(t, v.Issues, "missing_hash")
}

func TestValidate_ParentHashMismatchIsSuspect(t *testing.T) {
	v := Validate(BlockInput{
		Block: chain.Block{
			Chain:      chain.Bitcoin,
			Position:   10,
			Hash:       "0000000000000000000000000000000000000000000000000000000000000a",
			ParentHash: "bbbb",
			Timestamp:  time.Now(),
		},
		PrevHash: "aaaa",
	})
	assert.Equal(t, chain.QualitySuspect, v.Level)
	assert.Contains(t, v.Issues, "parent_hash_mismatch")
}

func TestValidate_SolanaParentSlotExceedsSlot(t *testing.T) {
	v := Validate(BlockInput{
		Block: chain.Block{
			Chain:      chain.Solana,
			Position:   10,
			ParentSlot: 11,
			Hash:       "somehash",
			Timestamp:  time.Now(),
		},
	})
	assert.Contains(t, v.Issues, "parent_slot_exceeds_slot")
}

func TestValidate_TimestampSkewFlaggedOnlyInTipMode(t *testing.T) {
	stale := time.Now().Add(-3 * time.Hour)
	v := Validate(BlockInput{
		Block:        chain.Block{Chain: chain.Bitcoin, Position: 1, Hash: "x", Timestamp: stale},
		TipMode:      true,
		WallClockNow: time.Now(),
	})
	assert.Contains(t, v.Issues, "timestamp_skew")

	v2 := Validate(BlockInput{
		Block:        chain.Block{Chain: chain.Bitcoin, Position: 1, Hash: "x", Timestamp: stale},
		TipMode:      false,
		WallClockNow: time.Now(),
	})
	assert.NotContains(t, v2.Issues, "timestamp_skew")
}

func TestValidate_SolanaMalformedHashFormat(t *testing.T) {
	v := Validate(BlockInput{
		Block: chain.Block{
			Chain:     chain.Solana,
			Position:  10,
			Hash:      "not_valid_base58!",
			Timestamp: time.Now(),
		},
	})
	assert.Contains(t, v.Issues, "malformed_hash_format")

	clean := Validate(BlockInput{
		Block: chain.Block{
			Chain:     chain.Solana,
			Position:  11,
			Hash:      strings.Repeat("9", 44),
			Timestamp: time.Now(),
		},
	})
	assert.NotContains(t, clean.Issues, "malformed_hash_format")
}

func TestValidateTransaction_NegativeFeeIsWarn(t *testing.T) {
	v := ValidateTransaction(chain.Bitcoin, chain.Transaction{TxId: "abc", Fee: -1, Size: 10})
	assert.Equal(t, chain.QualityWarn, v.Level)
	assert.Contains(t, v.Issues, "negative_fee")
}
