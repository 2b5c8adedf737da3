// Package validate implements the pure per-record quality checks of
// SPEC_FULL.md §4.3. Validate never blocks insertion — it only
// produces a QualityVerdict for the audit stream.
package validate

import (
	"strings"
	"time"

	"github.com/dualchain/ingestd/internal/chain"
)

const (
	btcHashLen = 64 // hex-encoded sha256d
	solHashLen = 44 // base58-encoded, typical length; not fixed-width

	tipTimestampSkew = 2 * time.Hour
)

// BlockInput carries everything Validate needs beyond the block row
// itself: the previously committed block's hash (if known, for the
// parent-hash consistency check) and whether the collector is
// currently in tip mode (for the wall-clock skew check).
type BlockInput struct {
	Block        chain.Block
	PrevHash     string // empty if unknown (e.g. first block after a cursor reset)
	TipMode      bool
	WallClockNow time.Time
}

// Validate runs completeness, accuracy, consistency, and format checks
// on a block and returns its QualityVerdict.
func Validate(in BlockInput) chain.QualityVerdict {
	var issues []string
	b := in.Block

	// Completeness.
	if b.Hash == "" {
		issues = append(issues, "missing_hash")
	}
	if b.Timestamp.IsZero() {
		issues = append(issues, "missing_timestamp")
	}
	if b.Position < 0 {
		issues = append(issues, "missing_position")
	}

	// Accuracy.
	if b.Size < 0 {
		issues = append(issues, "negative_size")
	}
	if b.Chain == chain.Bitcoin && b.Nonce == 0 && b.Difficulty == 0 {
		issues = append(issues, "suspect_pow_fields")
	}

	// Consistency.
	if b.Chain == chain.Solana && b.ParentSlot > b.Position {
		issues = append(issues, "parent_slot_exceeds_slot")
	}
	if in.TipMode && !b.Timestamp.IsZero() {
		now := in.WallClockNow
		if now.IsZero() {
			now = time.Now().UTC()
		}
		delta := now.Sub(b.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > tipTimestampSkew {
			issues = append(issues, "timestamp_skew")
		}
	}

	downgradedByParentHash := false
	if in.PrevHash != "" && b.ParentHash != "" && b.ParentHash != in.PrevHash {
		issues = append(issues, "parent_hash_mismatch")
		downgradedByParentHash = true
	}

	// Format.
	if b.Chain == chain.Bitcoin && b.Hash != "" && !isHex(b.Hash, btcHashLen) {
		issues = append(issues, "malformed_hash_format")
	}
	if b.Chain == chain.Solana && b.Hash != "" && (len(b.Hash) > solHashLen || !isBase58(b.Hash)) {
		issues = append(issues, "malformed_hash_format")
	}

	level := chain.QualityOK
	switch {
	case len(issues) == 0:
		level = chain.QualityOK
	case downgradedByParentHash:
		level = chain.QualitySuspect
	case len(issues) > 0:
		level = chain.QualityWarn
	}

	return chain.QualityVerdict{
		Chain:     b.Chain,
		Position:  b.Position,
		TxId:      "",
		Level:     level,
		Issues:    issues,
		IssuesCSV: joinCSV(issues),
	}
}

// ValidateTransaction runs the accuracy checks applicable to a single
// transaction row.
func ValidateTransaction(chainID chain.Id, tx chain.Transaction) chain.QualityVerdict {
	var issues []string
	if tx.TxId == "" {
		issues = append(issues, "missing_tx_id")
	}
	if tx.Fee < 0 {
		issues = append(issues, "negative_fee")
	}
	if tx.Size <= 0 {
		issues = append(issues, "non_positive_size")
	}

	level := chain.QualityOK
	if len(issues) > 0 {
		level = chain.QualityWarn
	}
	return chain.QualityVerdict{
		Chain:     chainID,
		Position:  tx.Position,
		TxId:      tx.TxId,
		Level:     level,
		Issues:    issues,
		IssuesCSV: joinCSV(issues),
	}
}

func isHex(s string, wantLen int) bool {
	if len(s) != wantLen {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func isBase58(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}

func joinCSV(issues []string) string {
	out := ""
	for i, s := range issues {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
