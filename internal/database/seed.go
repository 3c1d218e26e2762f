package database

import (
	"log"

	"github.com/openretail/storesync/internal/config"
	"github.com/openretail/storesync/internal/models"
	"gorm.io/gorm"
)

// SeedStoreConfiguration ensures a SyncConfiguration and its EntityRules exist
// for the given store, creating them from the config defaults when missing.
// Existing rows are never overwritten: the admin surface owns them afterwards.
func SeedStoreConfiguration(db *gorm.DB, storeID string, cfg *config.SyncConfig) error {
	syncCfg := models.SyncConfiguration{
		StoreID:           storeID,
		Enabled:           cfg.Enabled,
		SyncInterval:      cfg.SyncInterval,
		AutoSyncOnStartup: cfg.AutoSyncOnStartup,
		MaxBatchSize:      cfg.MaxBatchSize,
		MaxAttempts:       cfg.MaxAttempts,
		RetryDelaySeconds: cfg.RetryDelaySeconds,
	}
	if err := db.Where("store_id = ?", storeID).FirstOrCreate(&syncCfg).Error; err != nil {
		return err
	}

	for _, e := range cfg.Entities {
		rule := models.EntityRule{
			StoreID:           storeID,
			EntityType:        e.EntityType,
			Direction:         e.Direction,
			DefaultResolution: e.DefaultResolution,
			FlagForReview:     e.FlagForReview,
			Priority:          e.Priority,
			Enabled:           e.Enabled,
		}
		err := db.Where("store_id = ? AND entity_type = ?", storeID, e.EntityType).
			FirstOrCreate(&rule).Error
		if err != nil {
			return err
		}
	}

	log.Printf("✅ Sync configuration seeded for store %s (%d entity rules)", storeID, len(cfg.Entities))
	return nil
}

// SeedResolutionRules installs the default global conflict resolution rules:
// financial records keep the local copy, master data follows HQ, stock counts
// take the last write, and loyalty balances always go to a human.
func SeedResolutionRules(db *gorm.DB) error {
	defaults := []models.ConflictResolutionRule{
		{EntityType: "receipts", ResolutionType: "local_wins", Priority: 10},
		{EntityType: "orders", ResolutionType: "local_wins", Priority: 10},
		{EntityType: "products", ResolutionType: "remote_wins", Priority: 20},
		{EntityType: "pricing", ResolutionType: "remote_wins", Priority: 20},
		{EntityType: "inventory", ResolutionType: "last_write_wins", Priority: 30},
		{EntityType: "inventory", PropertyName: strPtr("stock_count"), ResolutionType: "merged", Priority: 20},
		{EntityType: "loyalty_members", ResolutionType: "last_write_wins", Priority: 40},
		{EntityType: "loyalty_members", PropertyName: strPtr("points_balance"), ResolutionType: "manual", RequiresManualReview: true, Priority: 10},
	}

	for _, r := range defaults {
		rule := r
		rule.Active = true
		q := db.Where("entity_type = ?", rule.EntityType)
		if rule.PropertyName == nil {
			q = q.Where("property_name IS NULL")
		} else {
			q = q.Where("property_name = ?", *rule.PropertyName)
		}
		if err := q.FirstOrCreate(&rule).Error; err != nil {
			return err
		}
	}

	log.Printf("✅ Conflict resolution rules seeded (%d defaults)", len(defaults))
	return nil
}

func strPtr(s string) *string {
	return &s
}
