package models

import (
	"fmt"
	"time"
)

// Batch status values. Rank enforces the monotonic lifecycle: a batch never
// moves from a terminal state back to pending or running.
const (
	BatchStatusPending   = "pending"
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

var batchStatusRank = map[string]int{
	BatchStatusPending:   0,
	BatchStatusRunning:   1,
	BatchStatusCompleted: 2,
	BatchStatusFailed:    2,
}

// SyncBatch is one atomic transmission unit for one store/entity-type/direction.
type SyncBatch struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	BatchID    string `gorm:"type:varchar(64);not null;uniqueIndex" json:"batchId"`
	StoreID    string `gorm:"type:varchar(64);not null;index:idx_batch_store" json:"storeId"`
	EntityType string `gorm:"type:varchar(100);not null;index:idx_batch_store" json:"entityType"`
	Direction  string `gorm:"type:varchar(20);not null;index:idx_batch_store" json:"direction"`

	RecordCount    int `gorm:"default:0" json:"recordCount"`
	ProcessedCount int `gorm:"default:0" json:"processedCount"`
	SuccessCount   int `gorm:"default:0" json:"successCount"`
	FailedCount    int `gorm:"default:0" json:"failedCount"`
	ConflictCount  int `gorm:"default:0" json:"conflictCount"`

	Status       string  `gorm:"type:varchar(50);default:'pending';index" json:"status"`
	ErrorMessage *string `gorm:"type:text" json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncBatch) TableName() string {
	return "sync_batches"
}

// IsTerminal reports whether the batch reached a final state.
func (b *SyncBatch) IsTerminal() bool {
	return b.Status == BatchStatusCompleted || b.Status == BatchStatusFailed
}

// Advance moves the batch to a new status, rejecting regressions.
func (b *SyncBatch) Advance(status string) error {
	from, ok := batchStatusRank[b.Status]
	if !ok {
		from = -1
	}
	to, ok := batchStatusRank[status]
	if !ok {
		return fmt.Errorf("unknown batch status %q", status)
	}
	if b.IsTerminal() || to < from {
		return fmt.Errorf("batch %s cannot move from %s to %s", b.BatchID, b.Status, status)
	}
	now := time.Now().UTC()
	switch status {
	case BatchStatusRunning:
		b.StartedAt = &now
	case BatchStatusCompleted, BatchStatusFailed:
		b.CompletedAt = &now
	}
	b.Status = status
	return nil
}
