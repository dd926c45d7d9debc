package model

import "time"

// Discovery is a durable record of one thing found, tagged with its run.
// The candidate flags are lifted out of the payload metadata so the
// completion decision can query them directly. Rows are never mutated by
// the engine after creation.
type Discovery struct {
	ID                  string    `gorm:"primaryKey;size:36" json:"id"`
	ScanRunID           string    `gorm:"size:36;index" json:"scan_run_id"`
	Source              string    `gorm:"size:64" json:"source"`
	EventType           string    `gorm:"size:128" json:"event_type"`
	Payload             string    `gorm:"type:text" json:"payload"`
	DatabaseCandidate   bool      `gorm:"index" json:"database_candidate"`
	CandidateConfidence float64   `json:"candidate_confidence"`
	CreatedAt           time.Time `json:"created_at"`
}

// TableName sets the discovery table name.
func (Discovery) TableName() string { return "discoveries" }
