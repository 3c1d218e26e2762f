package models

import (
	"time"
)

// SyncConfiguration holds per-store sync settings. Mutated only through the
// administrative surface; read by the orchestrator on each tick.
type SyncConfiguration struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	StoreID           string `gorm:"type:varchar(64);not null;uniqueIndex" json:"storeId"`
	Enabled           bool   `gorm:"default:true" json:"enabled"`
	SyncInterval      int    `gorm:"default:300" json:"syncIntervalSeconds"`
	AutoSyncOnStartup bool   `gorm:"default:true" json:"autoSyncOnStartup"`
	MaxBatchSize      int    `gorm:"default:100" json:"maxBatchSize"`
	MaxAttempts       int    `gorm:"default:3" json:"maxAttempts"`
	RetryDelaySeconds int    `gorm:"default:10" json:"retryDelaySeconds"`

	EntityRules []EntityRule `gorm:"foreignKey:StoreID;references:StoreID" json:"entityRules"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncConfiguration) TableName() string {
	return "sync_configurations"
}

// EntityRule controls how one entity type syncs for one store. Priority
// determines processing order within a cycle (higher first).
type EntityRule struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	StoreID           string `gorm:"type:varchar(64);not null;uniqueIndex:idx_store_entity" json:"storeId"`
	EntityType        string `gorm:"type:varchar(100);not null;uniqueIndex:idx_store_entity" json:"entityType"`
	Direction         string `gorm:"type:varchar(20);default:'bidirectional'" json:"direction"`
	DefaultResolution string `gorm:"type:varchar(50);default:'last_write_wins'" json:"defaultResolution"`
	FlagForReview     bool   `gorm:"default:false" json:"flagForReview"`
	Priority          int    `json:"priority"`
	Enabled           bool   `gorm:"default:true" json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (EntityRule) TableName() string {
	return "entity_rules"
}

// ConflictResolutionRule is one row of the global resolution rule table.
// A nil PropertyName matches the whole entity; property-level rules beat
// entity-level rules, then lower Priority number wins.
type ConflictResolutionRule struct {
	ID                   uint    `gorm:"primaryKey" json:"id"`
	EntityType           string  `gorm:"type:varchar(100);not null;index:idx_rule_entity" json:"entityType"`
	PropertyName         *string `gorm:"type:varchar(100);index:idx_rule_entity" json:"propertyName,omitempty"`
	ResolutionType       string  `gorm:"type:varchar(50);not null" json:"resolutionType"`
	RequiresManualReview bool    `gorm:"default:false" json:"requiresManualReview"`
	// Lower number wins; 0 is a valid (strongest) priority, so no column
	// default that would swallow it.
	Priority int `json:"priority"`
	Active               bool    `gorm:"default:true" json:"active"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (ConflictResolutionRule) TableName() string {
	return "conflict_resolution_rules"
}

// Name returns a stable identifier used in conflict audit records.
func (r *ConflictResolutionRule) Name() string {
	if r.PropertyName != nil {
		return r.EntityType + "." + *r.PropertyName
	}
	return r.EntityType
}

// Matches reports whether the rule applies to the given entity type and
// property ("" means whole-entity lookup).
func (r *ConflictResolutionRule) Matches(entityType, property string) bool {
	if !r.Active || r.EntityType != entityType {
		return false
	}
	if r.PropertyName == nil {
		return true
	}
	return property != "" && *r.PropertyName == property
}

// IsPropertyLevel reports whether the rule targets a single property.
func (r *ConflictResolutionRule) IsPropertyLevel() bool {
	return r.PropertyName != nil
}
