// Package chain defines the cross-chain data model shared by every
// collector: the natural keys, record shapes, and cursor bookkeeping
// that the Bitcoin and Solana variants both produce.
package chain

import "time"

// Id identifies which upstream chain a record or collector belongs to.
type Id string

const (
	Bitcoin Id = "bitcoin"
	Solana  Id = "solana"
)

func (c Id) Valid() bool {
	return c == Bitcoin || c == Solana
}

// Position is the engine-internal monotonic index of a block (Bitcoin
// height) or slot (Solana slot number).
type Position int64

// Mode is the collector's starting behavior when no cursor exists yet.
type Mode string

const (
	ModeTip      Mode = "tip"
	ModeBackfill Mode = "backfill"
)

// Source tags which upstream actually supplied a record.
type Source string

const (
	SourceLocal  Source = "local"
	SourcePublic Source = "public"
	SourceRPC    Source = "rpc"
)

// Block is the natural-key row for a single block or slot.
type Block struct {
	Chain      Id     `gorm:"column:chain;primary_key"`
	Position   Position `gorm:"column:position;primary_key"`
	Hash       string `gorm:"column:hash"`
	ParentHash string `gorm:"column:parent_hash"`
	Timestamp  time.Time `gorm:"column:block_time"`
	Size       int64  `gorm:"column:size"`
	TxCount    int    `gorm:"column:tx_count"`

	// Bitcoin-only fields; zero-valued for Solana.
	Difficulty float64 `gorm:"column:difficulty"`
	Nonce      uint32  `gorm:"column:nonce"`
	MerkleRoot string  `gorm:"column:merkle_root"`

	// Solana-only field; zero-valued for Bitcoin.
	ParentSlot Position `gorm:"column:parent_slot"`

	Source     Source    `gorm:"column:source"`
	IngestedAt time.Time `gorm:"column:ingested_at"`

	// Empty is set for Solana slots that had no leader-produced block
	// (Skipped). No Block row is ever written for an empty slot; this
	// field exists only so in-memory plumbing can carry the marker
	// without a separate type.
	Empty bool `gorm:"-"`
}

func (Block) TableName(c Id) string {
	if c == Bitcoin {
		return "blocks_btc"
	}
	return "blocks_sol"
}

// TxStatus is only meaningful for Solana; Bitcoin transactions are
// implicitly successful once included in a block.
type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// Transaction is the natural-key row for a single transaction.
type Transaction struct {
	Chain    Id       `gorm:"column:chain;primary_key"`
	TxId     string   `gorm:"column:tx_id;primary_key"`
	Position Position `gorm:"column:position"`
	Index    int      `gorm:"column:tx_index"`
	Fee      int64    `gorm:"column:fee"`
	Size     int64    `gorm:"column:size"`
	Status   TxStatus `gorm:"column:status"`
	Source   Source   `gorm:"column:source"`
}

func (Transaction) TableName(c Id) string {
	if c == Bitcoin {
		return "txs_btc"
	}
	return "txs_sol"
}

// Cursor is the per-chain resume pointer.
type Cursor struct {
	Chain     Id        `gorm:"column:chain;primary_key"`
	Position  Position  `gorm:"column:position"`
	StartedAt time.Time `gorm:"column:started_at"`
	Mode      Mode      `gorm:"column:mode"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Cursor) TableName() string { return "cursor" }

// StopReason explains why a CollectionRun ended.
type StopReason string

const (
	StopManual      StopReason = "manual"
	StopTimeBudget  StopReason = "time_budget"
	StopSizeBudget  StopReason = "size_budget"
	StopFatal       StopReason = "fatal"
)

// CollectionRun is the supervisor-level singleton describing the
// current or most recent run.
type CollectionRun struct {
	IsRunning  bool
	StartedAt  time.Time
	StoppedAt  time.Time
	StopReason StopReason
}

// QualityLevel is the severity of a QualityVerdict.
type QualityLevel string

const (
	QualityOK      QualityLevel = "ok"
	QualityWarn    QualityLevel = "warn"
	QualitySuspect QualityLevel = "suspect"
)

// QualityVerdict is the per-record outcome of validation. It is
// informational only and never blocks insertion.
type QualityVerdict struct {
	Chain    Id           `gorm:"column:chain"`
	Position Position     `gorm:"column:position"`
	// TxId distinguishes a block-level verdict (empty) from the verdict
	// for one of that block's transactions, so both can be stored under
	// the same chain/position without colliding.
	TxId      string       `gorm:"column:tx_id"`
	Level     QualityLevel `gorm:"column:level"`
	Issues    []string     `gorm:"-"`
	IssuesCSV string       `gorm:"column:issues"`
}

func (QualityVerdict) TableName() string { return "quality" }

// MetricSample is one row of per-cycle telemetry.
type MetricSample struct {
	Chain        Id            `gorm:"column:chain"`
	CycleAt      time.Time     `gorm:"column:cycle_at"`
	Duration     time.Duration `gorm:"column:duration_ms"`
	RecordsIn    int           `gorm:"column:records_in"`
	RecordsOut   int           `gorm:"column:records_out"`
	ErrorCount   int           `gorm:"column:error_count"`
	LastErrorTag string        `gorm:"column:last_error_tag"`
}

func (MetricSample) TableName() string { return "metrics" }
