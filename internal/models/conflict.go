package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Conflict status values. Transitions only move forward:
// detected -> {auto_resolved | pending_manual} -> {resolved | ignored}.
const (
	ConflictStatusDetected      = "detected"
	ConflictStatusAutoResolved  = "auto_resolved"
	ConflictStatusPendingManual = "pending_manual"
	ConflictStatusResolved      = "resolved"
	ConflictStatusIgnored       = "ignored"
)

var conflictStatusRank = map[string]int{
	ConflictStatusDetected:      0,
	ConflictStatusAutoResolved:  2, // terminal, kept for audit
	ConflictStatusPendingManual: 1,
	ConflictStatusResolved:      2,
	ConflictStatusIgnored:       2,
}

// SyncConflict records a detected divergence between local and remote
// versions of one entity, and how it was (or will be) resolved.
type SyncConflict struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	BatchID    string `gorm:"type:varchar(64);index" json:"batchId"`
	StoreID    string `gorm:"type:varchar(64);index" json:"storeId"`
	EntityType string `gorm:"type:varchar(100);not null;index:idx_conflict_entity" json:"entityType"`
	EntityID   string `gorm:"type:varchar(255);not null;index:idx_conflict_entity" json:"entityId"`

	LocalPayload    datatypes.JSON `json:"localPayload"`
	RemotePayload   datatypes.JSON `json:"remotePayload"`
	LocalTimestamp  time.Time      `json:"localTimestamp"`
	RemoteTimestamp time.Time      `json:"remoteTimestamp"`
	LocalVersion    int64          `gorm:"default:0" json:"localVersion"`
	RemoteVersion   int64          `gorm:"default:0" json:"remoteVersion"`

	Status string `gorm:"type:varchar(50);default:'detected';index:idx_conflict_pending" json:"status"`

	// AppliedResolution is the resolution actually applied; SuggestedResolution
	// is what the rule would have picked when manual review was mandated.
	AppliedResolution   *string `gorm:"type:varchar(50)" json:"appliedResolution,omitempty"`
	SuggestedResolution *string `gorm:"type:varchar(50)" json:"suggestedResolution,omitempty"`
	AppliedRule         *string `gorm:"type:varchar(255)" json:"appliedRule,omitempty"`
	ResolutionNotes     *string `gorm:"type:text" json:"resolutionNotes,omitempty"`
	ResolvedBy          *string `gorm:"type:varchar(255)" json:"resolvedBy,omitempty"`

	DetectedAt time.Time  `gorm:"not null;index:idx_conflict_pending" json:"detectedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// IsTerminal reports whether the conflict reached a final state.
func (c *SyncConflict) IsTerminal() bool {
	return conflictStatusRank[c.Status] >= 2
}

// Transition moves the conflict to a new status, rejecting any backward move.
func (c *SyncConflict) Transition(status string) error {
	to, ok := conflictStatusRank[status]
	if !ok {
		return fmt.Errorf("unknown conflict status %q", status)
	}
	if c.IsTerminal() {
		return fmt.Errorf("conflict %d is terminal (%s), cannot move to %s", c.ID, c.Status, status)
	}
	if to <= conflictStatusRank[c.Status] {
		return fmt.Errorf("conflict %d cannot move from %s to %s", c.ID, c.Status, status)
	}
	c.Status = status
	if c.IsTerminal() {
		now := time.Now().UTC()
		c.ResolvedAt = &now
	}
	return nil
}
