package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChangeQueueItem is one pending entity mutation in a store's outbox.
// Domain writes create items; only the batch processor mutates them afterwards.
type ChangeQueueItem struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ItemID     string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"itemId"`
	StoreID    string         `gorm:"type:varchar(64);not null;index:idx_queue_pending" json:"storeId"`
	EntityType string         `gorm:"type:varchar(100);not null;index:idx_queue_coalesce" json:"entityType"`
	EntityID   string         `gorm:"type:varchar(255);not null;index:idx_queue_coalesce" json:"entityId"`
	Operation  string         `gorm:"type:varchar(20);not null" json:"operation"` // create, update, delete
	// No default tag: GORM would skip a zero Priority on insert and the
	// column default would silently promote low-priority items.
	Priority   int            `gorm:"index:idx_queue_pending" json:"priority"`
	Status     string         `gorm:"type:varchar(50);default:'pending';index:idx_queue_pending" json:"status"`
	Payload    datatypes.JSON `json:"payload"`
	Version    int64          `gorm:"default:0" json:"version"`

	RetryCount  int        `gorm:"default:0" json:"retryCount"`
	LastError   *string    `gorm:"type:text" json:"lastError,omitempty"`
	NextRetryAt *time.Time `gorm:"index" json:"nextRetryAt,omitempty"`

	// EnqueuedAt survives coalescing: the earliest enqueue wins so a hot
	// entity cannot keep pushing itself to the back of the FIFO.
	EnqueuedAt  time.Time  `gorm:"not null;index" json:"enqueuedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (ChangeQueueItem) TableName() string {
	return "change_queue"
}

// BeforeCreate hook
func (i *ChangeQueueItem) BeforeCreate(tx *gorm.DB) error {
	if i.EnqueuedAt.IsZero() {
		i.EnqueuedAt = time.Now().UTC()
	}
	return nil
}
