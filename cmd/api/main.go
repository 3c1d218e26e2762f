package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openretail/storesync/internal/config"
	"github.com/openretail/storesync/internal/database"
	"github.com/openretail/storesync/internal/handlers"
	"github.com/openretail/storesync/internal/models"
	"github.com/openretail/storesync/internal/sync"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize database (detects embedded vs external automatically)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-migrate schema
	log.Println("🚀 Synchronizing database schema...")
	err = db.AutoMigrate(
		&models.ChangeQueueItem{},
		&models.SyncBatch{},
		&models.SyncConflict{},
		&models.SyncConfiguration{},
		&models.EntityRule{},
		&models.ConflictResolutionRule{},
		&models.EntityRecord{},
		&models.ServerChangeLog{},
		&models.SyncMetadata{},
		&models.SyncLease{},
		&models.StoreHeartbeat{},
	)
	if err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	// 4. Seed the rule table and this node's store configuration
	if err := database.SeedResolutionRules(db.DB); err != nil {
		log.Printf("⚠️ Rule seed warning: %v", err)
	}
	if cfg.Role == config.RoleStore {
		if err := database.SeedStoreConfiguration(db.DB, cfg.StoreID, cfg.Sync); err != nil {
			log.Printf("⚠️ Configuration seed warning: %v", err)
		}
	}

	// 5. Initialize the sync engine for this node's role
	log.Printf("🔄 Initializing sync engine (%s)...", cfg.Role)
	engine, err := sync.NewEngine(cfg, db.DB)
	if err != nil {
		log.Fatalf("Failed to initialize sync engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Printf("⚠️ Sync engine: failed to start: %v", err)
	}

	// 6. Set up HTTP router
	router := handlers.NewRouter(db, cfg, engine)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server (%s) starting on port %s\n", cfg.Role, cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	// Create context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Stop the sync engine, letting in-flight batches settle
	engine.Stop()

	// Close database (this also stops embedded PostgreSQL)
	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
