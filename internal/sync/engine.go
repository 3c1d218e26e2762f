package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/openretail/storesync/internal/config"
	"github.com/openretail/storesync/internal/models"
	"github.com/openretail/storesync/internal/utils"
	ws "github.com/openretail/storesync/internal/websocket"
	"gorm.io/gorm"
)

// Engine wires the queue, processor, orchestrator, and push channel into
// one component per node. A store node runs the outbound loops; an HQ node
// serves inbound batches and fans change notifications out to stores.
type Engine struct {
	cfg     *config.Config
	syncCfg *config.SyncConfig
	db      *gorm.DB

	codecs       *Registry
	queue        *ChangeQueue
	entities     *EntityStore
	processor    *BatchProcessor
	orchestrator *Orchestrator
	leases       *LeaseManager
	transport    *HTTPTransport

	hub      *ws.Hub      // HQ role
	listener *ws.Listener // store role

	stopChan chan struct{}
	wg       gosync.WaitGroup
	stopOnce gosync.Once
}

// NewEngine creates the sync engine for this node's role
func NewEngine(cfg *config.Config, db *gorm.DB) (*Engine, error) {
	sc := cfg.Sync

	codecs := NewRegistry()
	RegisterRetailCodecs(codecs)

	auditWindow := time.Duration(sc.AuditWindowDays) * 24 * time.Hour
	queue := NewChangeQueue(db, auditWindow)
	entities := NewEntityStore(db)

	leaseTTL := time.Duration(sc.LeaseTTLSeconds) * time.Second
	leases := NewLeaseManager(db, queue, cfg.InstanceID, leaseTTL)

	e := &Engine{
		cfg:      cfg,
		syncCfg:  sc,
		db:       db,
		codecs:   codecs,
		queue:    queue,
		entities: entities,
		leases:   leases,
		stopChan: make(chan struct{}),
	}

	procCfg := ProcessorConfig{
		NodeID:          e.nodeID(),
		Backoff:         NewBackoff(sc.RetryDelaySeconds, sc.RetryMaxDelaySeconds, sc.RetryBackoffFactor),
		CallTimeout:     time.Duration(sc.SyncTimeout) * time.Second,
		MaxBatchSize:    sc.MaxBatchSize,
		RecordChangeLog: cfg.Role == config.RoleHQ,
	}

	var transport Transport
	if cfg.Role == config.RoleStore {
		httpTransport := NewHTTPTransport(cfg.HQURL, procCfg.CallTimeout)
		token, err := utils.GenerateStoreToken(cfg.StoreID, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to issue store token: %w", err)
		}
		httpTransport.SetToken(token)
		e.transport = httpTransport
		transport = httpTransport

		e.listener = ws.NewListener(cfg.HQURL, cfg.StoreID, token, buildVersion,
			time.Duration(sc.HeartbeatInterval)*time.Second,
			e.pendingCount,
			func(entityType string) { e.orchestrator.NotifyChange(cfg.StoreID) })
	} else {
		e.hub = ws.NewHub(e.upsertHeartbeat)
	}

	e.processor = NewBatchProcessor(db, queue, entities, codecs, transport, procCfg)

	if cfg.Role == config.RoleStore {
		e.orchestrator = NewOrchestrator(db, queue, e.processor, leases, sc)
	}

	return e, nil
}

// buildVersion is reported in heartbeats so HQ can see each store's rollout
const buildVersion = "1.2.0"

func (e *Engine) nodeID() string {
	if e.cfg.Role == config.RoleStore {
		return e.cfg.StoreID
	}
	return "hq"
}

// Start brings up the role-appropriate loops
func (e *Engine) Start() error {
	if !e.syncCfg.Enabled {
		log.Println("⏸️ Sync disabled by configuration")
		return nil
	}

	switch e.cfg.Role {
	case config.RoleStore:
		if err := e.orchestrator.Start(); err != nil {
			return err
		}
		e.listener.Start()
		log.Printf("🚀 Sync engine started (store %s -> %s)", e.cfg.StoreID, e.cfg.HQURL)
	default:
		go e.hub.Run()
		log.Println("🚀 Sync engine started (hq)")
	}

	e.wg.Add(1)
	go e.purgeLoop()
	return nil
}

// Stop winds everything down, letting in-flight batches reach a terminal
// state
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.orchestrator != nil {
			e.orchestrator.Stop()
		}
		if e.listener != nil {
			e.listener.Stop()
		}
		e.wg.Wait()
		log.Println("🛑 Sync engine stopped")
	})
}

// Hub exposes the push-channel hub for the HQ websocket route
func (e *Engine) Hub() *ws.Hub {
	return e.hub
}

// Processor exposes the batch processor for the HQ sync handlers
func (e *Engine) Processor() *BatchProcessor {
	return e.processor
}

// Queue exposes the change queue for handlers
func (e *Engine) Queue() *ChangeQueue {
	return e.queue
}

// Entities exposes the entity store for handlers
func (e *Engine) Entities() *EntityStore {
	return e.entities
}

// SyncNow triggers an immediate cycle for a store. On HQ it instead nudges
// the store over the push channel.
func (e *Engine) SyncNow(storeID string) bool {
	if e.orchestrator != nil {
		return e.orchestrator.SyncNow(storeID)
	}
	return e.hub.SendToStore(storeID, ws.Message{
		Type:      ws.MsgChangeAvailable,
		Timestamp: time.Now().UTC(),
	})
}

// RecordChange is the domain-write hook: call it after any local mutation
// that must reach the other side. On a store it lands in the outbox; on HQ
// it goes to the change log and connected stores get nudged.
func (e *Engine) RecordChange(entityType, entityID string, op Operation, prio Priority, payload []byte, version int64, modifiedBy string) error {
	if _, ok := e.codecs.Lookup(entityType); !ok {
		return Validation(fmt.Errorf("unknown entity type %q", entityType))
	}

	if op != OpDelete {
		if err := e.entities.UpsertLocal(entityType, entityID, payload, version, time.Now().UTC(), modifiedBy); err != nil {
			return err
		}
	}

	if e.cfg.Role == config.RoleStore {
		if _, err := e.queue.Enqueue(e.cfg.StoreID, entityType, entityID, op, prio, payload, version); err != nil {
			return err
		}
		if prio >= PriorityHigh {
			e.orchestrator.NotifyChange(e.cfg.StoreID)
		}
		return nil
	}

	if err := e.processor.RecordLocalChange(entityType, entityID, op, payload, version); err != nil {
		return err
	}
	e.hub.NotifyChange(entityType, e.nodeID())
	return nil
}

// ResolveConflict applies an operator's decision to a pending-manual
// conflict. The merged resolution requires mergedData; the others derive
// the winning payload from the conflict row itself.
func (e *Engine) ResolveConflict(conflictID uint, resolution ResolutionType, notes, resolvedBy string, mergedData []byte) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	if err := e.db.First(&conflict, conflictID).Error; err != nil {
		return nil, err
	}
	if conflict.Status != models.ConflictStatusPendingManual {
		return nil, Validation(fmt.Errorf("conflict %d is %s, only pending_manual conflicts can be resolved", conflictID, conflict.Status))
	}

	target := models.ConflictStatusResolved
	var apply []byte
	version := conflict.LocalVersion
	if conflict.RemoteVersion > version {
		version = conflict.RemoteVersion
	}

	switch resolution {
	case ResolutionLocalWins:
		// Local copy stands as-is.
	case ResolutionRemoteWins:
		apply = conflict.RemotePayload
	case ResolutionMerged:
		if len(mergedData) == 0 {
			return nil, Validation(fmt.Errorf("merged resolution requires mergedData"))
		}
		if !json.Valid(mergedData) {
			return nil, Validation(fmt.Errorf("mergedData is not valid JSON"))
		}
		apply = mergedData
		version++
	case ResolutionIgnored:
		target = models.ConflictStatusIgnored
	default:
		return nil, Validation(fmt.Errorf("unknown resolution type %q", resolution))
	}

	if apply != nil {
		ts := conflict.RemoteTimestamp
		if conflict.LocalTimestamp.After(ts) {
			ts = conflict.LocalTimestamp
		}
		if err := e.entities.ApplyRemote(conflict.EntityType, conflict.EntityID, OpUpdate, apply, version, ts, resolvedBy); err != nil {
			return nil, err
		}
		if e.cfg.Role == config.RoleHQ {
			if err := e.processor.RecordLocalChange(conflict.EntityType, conflict.EntityID, OpUpdate, apply, version); err != nil {
				log.Printf("⚠️ Failed to log resolved conflict %d: %v", conflictID, err)
			}
			e.hub.NotifyChange(conflict.EntityType, e.nodeID())
		}
	}

	if err := conflict.Transition(target); err != nil {
		return nil, Validation(err)
	}
	applied := string(resolution)
	conflict.AppliedResolution = &applied
	if notes != "" {
		conflict.ResolutionNotes = &notes
	}
	if resolvedBy != "" {
		conflict.ResolvedBy = &resolvedBy
	}

	if err := e.db.Save(&conflict).Error; err != nil {
		return nil, err
	}
	if err := e.queue.ReleaseFromReview(conflict.EntityType, conflict.EntityID); err != nil {
		log.Printf("⚠️ Failed to release held items for %s:%s: %v", conflict.EntityType, conflict.EntityID, err)
	}
	log.Printf("✅ Conflict %d resolved as %s by %s", conflictID, resolution, resolvedBy)
	return &conflict, nil
}

// upsertHeartbeat persists a store heartbeat from the push channel
func (e *Engine) upsertHeartbeat(storeID string, pendingCount int, clientVersion string) {
	hb := models.StoreHeartbeat{StoreID: storeID}
	err := e.db.Where("store_id = ?", storeID).
		Assign(map[string]interface{}{
			"pending_count":  pendingCount,
			"client_version": clientVersion,
			"last_seen_at":   time.Now().UTC(),
		}).
		FirstOrCreate(&hb).Error
	if err != nil {
		log.Printf("⚠️ Failed to record heartbeat for store %s: %v", storeID, err)
	}
}

func (e *Engine) pendingCount() int {
	summary, err := e.queue.Summary(e.cfg.StoreID)
	if err != nil {
		return 0
	}
	return int(summary.Pending + summary.InProgress)
}

// purgeLoop trims settled queue items past the audit window
func (e *Engine) purgeLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if n, err := e.queue.Purge(); err != nil {
				log.Printf("⚠️ Queue purge failed: %v", err)
			} else if n > 0 {
				log.Printf("🧹 Purged %d settled queue items", n)
			}
		}
	}
}

// Status reports this node's sync state for the status endpoint
func (e *Engine) Status() map[string]interface{} {
	status := map[string]interface{}{
		"role":    e.cfg.Role,
		"enabled": e.syncCfg.Enabled,
	}

	if e.cfg.Role == config.RoleStore {
		status["storeId"] = e.cfg.StoreID
		status["connected"] = e.listener.Connected()
		status["loops"] = e.orchestrator.Status()
		// The push channel being down does not mean HQ is; probe the sync
		// route directly so operators can tell the two failures apart.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		status["hqReachable"] = e.transport.Probe(ctx) == nil
		cancel()
		return status
	}

	status["connectedStores"] = e.hub.ConnectedStores()

	var heartbeats []models.StoreHeartbeat
	if err := e.db.Find(&heartbeats).Error; err == nil {
		status["heartbeats"] = heartbeats
	}
	return status
}

// Health derives per-store health and the chain rollup
func (e *Engine) Health() (map[string]StoreHealth, HealthLevel) {
	interval := time.Duration(e.syncCfg.SyncInterval) * time.Second
	staleFactor := e.syncCfg.StaleSyncFactor
	if staleFactor <= 0 {
		staleFactor = 2
	}
	thresholds := Thresholds{
		PendingHighWater:     e.syncCfg.PendingHighWater,
		FailureRateThreshold: e.syncCfg.FailureRateThreshold,
		CriticalSLA:          time.Duration(e.syncCfg.CriticalSLASeconds) * time.Second,
		StaleSyncAfter:       time.Duration(staleFactor) * interval,
	}
	now := time.Now().UTC()

	stores := make(map[string]StoreHealth)
	if e.cfg.Role == config.RoleStore {
		stores[e.cfg.StoreID] = e.storeHealth(e.cfg.StoreID, thresholds, now, e.listener.Connected())
		return stores, Rollup(stores)
	}

	var configs []models.SyncConfiguration
	if err := e.db.Where("enabled = ?", true).Find(&configs).Error; err != nil {
		log.Printf("⚠️ Health scan failed: %v", err)
		return stores, HealthWarning
	}
	for _, sc := range configs {
		stores[sc.StoreID] = e.storeHealth(sc.StoreID, thresholds, now, e.hub.IsConnected(sc.StoreID))
	}
	return stores, Rollup(stores)
}

func (e *Engine) storeHealth(storeID string, t Thresholds, now time.Time, connected bool) StoreHealth {
	in := HealthInput{Connection: StateDisconnected}
	if connected {
		in.Connection = StateConnected
	}

	if summary, err := e.queue.Summary(storeID); err == nil {
		in.Queue = *summary
		in.FailureRate = summary.FailedRateLastHour
	}

	// HQ sees a store's backlog through its heartbeats, not its queue.
	if e.cfg.Role == config.RoleHQ {
		var hb models.StoreHeartbeat
		if err := e.db.Where("store_id = ?", storeID).First(&hb).Error; err == nil {
			if hb.PendingCount > int(in.Queue.Pending) {
				in.Queue.Pending = int64(hb.PendingCount)
			}
		}
	}

	var pendingManual int64
	e.db.Model(&models.SyncConflict{}).
		Where("store_id = ? AND status = ?", storeID, models.ConflictStatusPendingManual).
		Count(&pendingManual)
	in.PendingManual = int(pendingManual)

	var meta models.SyncMetadata
	err := e.db.Where("store_id = ? AND last_sync_status = ?", storeID, models.BatchStatusCompleted).
		Order("last_sync_at DESC").
		First(&meta).Error
	if err == nil {
		in.LastSuccessAt = meta.LastSyncAt
	}

	return Evaluate(in, t, now)
}
