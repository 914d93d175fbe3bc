package store

import "github.com/ethpandaops/conformoor/pkg/types"

// Result is the latest recorded outcome of a test identifier. There is at
// most one row per identifier.
type Result struct {
	Identifier string        `gorm:"column:identifier;primaryKey"`
	Outcome    types.Outcome `gorm:"column:outcome;not null;index"`
	Error      string        `gorm:"column:error;type:text"`
	DurationMS int64         `gorm:"column:duration_ms"`

	// Timestamp is the settlement time in unix milliseconds.
	Timestamp int64 `gorm:"column:timestamp"`
}

// TableName pins the table name shared with the maintenance tooling.
func (Result) TableName() string {
	return "results"
}

// Totals is an aggregate over recorded outcomes. Failed includes TimedOut.
type Totals struct {
	types.Tally
	Total int `json:"total"`
}

// GroupTally is the per-group aggregate of recorded outcomes.
type GroupTally struct {
	Name string `json:"name"`
	types.Tally
	Total int `json:"total"`
}
