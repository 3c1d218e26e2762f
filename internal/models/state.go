package models

import (
	"time"

	"gorm.io/datatypes"
)

// EntityRecord is the engine's last-known copy of one entity: the opaque
// payload plus the small envelope (version, timestamp) needed for conflict
// detection. SyncedHash/SyncedVersion capture the last common version shared
// with the remote side, so one-sided updates are distinguishable from real
// conflicts.
type EntityRecord struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	EntityType string         `gorm:"type:varchar(100);not null;uniqueIndex:idx_entity_record" json:"entityType"`
	EntityID   string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_entity_record" json:"entityId"`
	Payload    datatypes.JSON `json:"payload"`
	Version    int64          `gorm:"default:0" json:"version"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	ModifiedBy string         `gorm:"type:varchar(64)" json:"modifiedBy"`
	Deleted    bool           `gorm:"default:false" json:"deleted"`

	SyncedHash    string     `gorm:"type:varchar(64)" json:"syncedHash"`
	SyncedVersion int64      `gorm:"default:0" json:"syncedVersion"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (EntityRecord) TableName() string {
	return "entity_records"
}

// ServerChangeLog is the HQ-side ordered log of applied changes, served to
// stores through cursor-paginated pulls. The autoincrement ID breaks ties
// between changes recorded in the same instant.
type ServerChangeLog struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityType  string         `gorm:"type:varchar(100);not null;index:idx_changelog_cursor" json:"entityType"`
	EntityID    string         `gorm:"type:varchar(255);not null" json:"entityId"`
	Operation   string         `gorm:"type:varchar(20);not null" json:"operation"`
	Payload     datatypes.JSON `json:"payload"`
	Version     int64          `gorm:"default:0" json:"version"`
	SourceStore string         `gorm:"type:varchar(64);index" json:"sourceStore"`
	RecordedAt  time.Time      `gorm:"not null;index:idx_changelog_cursor" json:"recordedAt"`
}

// TableName specifies the table name
func (ServerChangeLog) TableName() string {
	return "server_change_log"
}

// SyncMetadata tracks per store/entity-type sync progress, including the
// pull cursor and the outcome of the last batch.
type SyncMetadata struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	StoreID          string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_store_meta" json:"storeId"`
	EntityType       string     `gorm:"type:varchar(100);not null;uniqueIndex:idx_store_meta" json:"entityType"`
	Cursor           string     `gorm:"type:varchar(255)" json:"cursor"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncStatus   string     `gorm:"type:varchar(50)" json:"lastSyncStatus"`
	RecordsSynced    int        `gorm:"default:0" json:"recordsSynced"`
	RecordsConflicts int        `gorm:"default:0" json:"recordsConflicts"`
	SyncDurationMs   int        `gorm:"default:0" json:"syncDurationMs"`
	ErrorMessage     *string    `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// SyncLease is the per-store exclusive claim on the sync slot. A crashed
// holder is recoverable: any caller may take over once ExpiresAt has passed.
type SyncLease struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StoreID    string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"storeId"`
	Owner      string    `gorm:"type:varchar(128);not null" json:"owner"`
	AcquiredAt time.Time `gorm:"not null" json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"not null" json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncLease) TableName() string {
	return "sync_leases"
}

// Expired reports whether the lease may be reclaimed.
func (l *SyncLease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// StoreHeartbeat is HQ-side bookkeeping of the last heartbeat received from
// each store over the push channel.
type StoreHeartbeat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	StoreID       string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"storeId"`
	PendingCount  int       `gorm:"default:0" json:"pendingCount"`
	ClientVersion string    `gorm:"type:varchar(50)" json:"clientVersion"`
	LastSeenAt    time.Time `gorm:"not null" json:"lastSeenAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (StoreHeartbeat) TableName() string {
	return "store_heartbeats"
}
