package sync

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/openretail/storesync/internal/models"
	"gorm.io/gorm"
)

// ProcessorConfig carries the batch processor's tuning knobs
type ProcessorConfig struct {
	NodeID          string
	Backoff         Backoff
	CallTimeout     time.Duration
	MaxBatchSize    int
	RecordChangeLog bool // HQ nodes log applied changes for other stores to pull
}

// BatchProcessor drains the change queue into bounded batches, applies
// inbound payloads, and routes divergence through the resolver. One bad
// record never fails the whole batch; transport failures do.
type BatchProcessor struct {
	db        *gorm.DB
	queue     *ChangeQueue
	store     *EntityStore
	codecs    *Registry
	resolver  *Resolver
	transport Transport
	cfg       ProcessorConfig
}

// NewBatchProcessor creates a batch processor
func NewBatchProcessor(db *gorm.DB, queue *ChangeQueue, store *EntityStore, codecs *Registry, transport Transport, cfg ProcessorConfig) *BatchProcessor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	return &BatchProcessor{
		db:        db,
		queue:     queue,
		store:     store,
		codecs:    codecs,
		resolver:  NewResolver(),
		transport: transport,
		cfg:       cfg,
	}
}

// RunBatch executes one batch for a store/entity-type/direction and returns
// it in a terminal state. Errors are recorded on the batch; the returned
// error signals the orchestrator whether backoff applies.
func (bp *BatchProcessor) RunBatch(ctx context.Context, syncCfg *models.SyncConfiguration, rule models.EntityRule, direction Direction) (*models.SyncBatch, error) {
	batch := &models.SyncBatch{
		BatchID:    uuid.New().String(),
		StoreID:    syncCfg.StoreID,
		EntityType: rule.EntityType,
		Direction:  string(direction),
		Status:     models.BatchStatusPending,
	}
	if err := bp.db.Create(batch).Error; err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	if err := bp.advance(batch, models.BatchStatusRunning); err != nil {
		return batch, err
	}

	started := time.Now()
	var runErr error
	switch direction {
	case DirectionPush:
		runErr = bp.runPush(ctx, syncCfg, rule, batch)
	case DirectionPull:
		runErr = bp.runPull(ctx, syncCfg, rule, batch)
	default:
		runErr = Validation(fmt.Errorf("batch direction must be push or pull, got %q", direction))
	}

	if runErr != nil {
		msg := runErr.Error()
		batch.ErrorMessage = &msg
		if err := bp.advance(batch, models.BatchStatusFailed); err != nil {
			log.Printf("⚠️ Batch %s: %v", batch.BatchID, err)
		}
	} else {
		if err := bp.advance(batch, models.BatchStatusCompleted); err != nil {
			log.Printf("⚠️ Batch %s: %v", batch.BatchID, err)
		}
	}

	bp.saveMetadata(batch, time.Since(started))
	return batch, runErr
}

func (bp *BatchProcessor) advance(batch *models.SyncBatch, status string) error {
	if err := batch.Advance(status); err != nil {
		return err
	}
	return bp.db.Save(batch).Error
}

// runPush dequeues pending items, ships them, and settles each item from the
// acknowledgement. A transport failure fails the whole batch and schedules
// every item's retry.
func (bp *BatchProcessor) runPush(ctx context.Context, syncCfg *models.SyncConfiguration, rule models.EntityRule, batch *models.SyncBatch) error {
	max := syncCfg.MaxBatchSize
	if max <= 0 {
		max = bp.cfg.MaxBatchSize
	}
	items, err := bp.queue.Dequeue(syncCfg.StoreID, rule.EntityType, max)
	if err != nil {
		return Transient(err)
	}
	if len(items) == 0 {
		return nil
	}
	batch.RecordCount = len(items)

	records := make([]Record, 0, len(items))
	valid := make([]*models.ChangeQueueItem, 0, len(items))
	for i := range items {
		item := &items[i]
		rec, err := bp.recordFromItem(item)
		if err != nil {
			// Malformed payloads fail alone; the rest of the batch proceeds.
			batch.FailedCount++
			batch.ProcessedCount++
			if markErr := bp.queue.MarkFailed(item, err, syncCfg.MaxAttempts, bp.cfg.Backoff); markErr != nil {
				log.Printf("⚠️ Failed to mark item %s: %v", item.ItemID, markErr)
			}
			continue
		}
		records = append(records, *rec)
		valid = append(valid, item)
	}

	if len(records) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, bp.cfg.CallTimeout)
	defer cancel()

	ack, err := bp.transport.PushBatch(callCtx, &PushRequest{
		StoreID:       syncCfg.StoreID,
		EntityType:    rule.EntityType,
		Direction:     string(DirectionPush),
		CorrelationID: batch.BatchID,
		Records:       records,
	})
	if err == nil && !ack.Success {
		err = Transient(fmt.Errorf("batch rejected: %s", ack.ErrorMessage))
	}
	if err != nil {
		for _, item := range valid {
			batch.ProcessedCount++
			batch.FailedCount++
			if markErr := bp.queue.MarkFailed(item, err, syncCfg.MaxAttempts, bp.cfg.Backoff); markErr != nil {
				log.Printf("⚠️ Failed to mark item %s: %v", item.ItemID, markErr)
			}
		}
		return err
	}

	ids := make([]string, len(valid))
	for i, item := range valid {
		ids[i] = item.ItemID
	}
	if err := bp.queue.MarkCompleted(ids); err != nil {
		return Transient(err)
	}
	for i, item := range valid {
		batch.ProcessedCount++
		batch.SuccessCount++
		if err := bp.store.MarkSynced(item.EntityType, item.EntityID, item.Version, records[i].Data); err != nil {
			log.Printf("⚠️ Failed to advance sync watermark for %s:%s: %v", item.EntityType, item.EntityID, err)
		}
	}

	log.Printf("📤 Batch %s: pushed %d %s records for store %s",
		batch.BatchID[:8], batch.SuccessCount, rule.EntityType, syncCfg.StoreID)
	return nil
}

func (bp *BatchProcessor) recordFromItem(item *models.ChangeQueueItem) (*Record, error) {
	codec, ok := bp.codecs.Lookup(item.EntityType)
	if !ok {
		return nil, Validation(fmt.Errorf("no codec registered for entity type %q", item.EntityType))
	}

	ts := item.EnqueuedAt
	version := item.Version
	if env, err := codec.Envelope(item.Payload); err == nil {
		if !env.Timestamp.IsZero() {
			ts = env.Timestamp
		}
		if env.Version > version {
			version = env.Version
		}
	} else if Operation(item.Operation) != OpDelete {
		return nil, err
	}

	return &Record{
		EntityID:  item.EntityID,
		Data:      []byte(item.Payload),
		Version:   version,
		Timestamp: ts,
		Operation: item.Operation,
	}, nil
}

// runPull drains remote pages through the cursor until HQ reports no more
func (bp *BatchProcessor) runPull(ctx context.Context, syncCfg *models.SyncConfiguration, rule models.EntityRule, batch *models.SyncBatch) error {
	max := syncCfg.MaxBatchSize
	if max <= 0 {
		max = bp.cfg.MaxBatchSize
	}

	rules, err := bp.loadRules(rule.EntityType)
	if err != nil {
		return Transient(err)
	}
	cursor := bp.loadCursor(syncCfg.StoreID, rule.EntityType)

	for {
		callCtx, cancel := context.WithTimeout(ctx, bp.cfg.CallTimeout)
		resp, err := bp.transport.PullBatch(callCtx, &PullRequest{
			StoreID:    syncCfg.StoreID,
			EntityType: rule.EntityType,
			Since:      cursor,
			Limit:      max,
		})
		cancel()
		if err != nil {
			return err
		}

		for _, rec := range resp.Records {
			batch.RecordCount++
			bp.applyRecord(batch, syncCfg.StoreID, rule, rec, rules)
		}

		if resp.NextCursor != "" {
			cursor = resp.NextCursor
			bp.saveCursor(syncCfg.StoreID, rule.EntityType, cursor)
		}
		if !resp.HasMore {
			break
		}
	}

	if batch.RecordCount > 0 {
		log.Printf("📥 Batch %s: pulled %d %s records for store %s (%d conflicts)",
			batch.BatchID[:8], batch.RecordCount, rule.EntityType, syncCfg.StoreID, batch.ConflictCount)
	}
	return nil
}

// applyRecord applies one inbound record, routing divergence through the
// resolver. Each record is atomic on its own; failures update counters only.
func (bp *BatchProcessor) applyRecord(batch *models.SyncBatch, storeID string, rule models.EntityRule, rec Record, rules []models.ConflictResolutionRule) {
	batch.ProcessedCount++

	codec, ok := bp.codecs.Lookup(rule.EntityType)
	if !ok {
		batch.FailedCount++
		log.Printf("🔴 No codec for entity type %q, record %s dropped", rule.EntityType, rec.EntityID)
		return
	}

	local, err := bp.store.Get(rule.EntityType, rec.EntityID)
	if err != nil {
		batch.FailedCount++
		log.Printf("🔴 Failed to load %s:%s: %v", rule.EntityType, rec.EntityID, err)
		return
	}

	// Unknown entity or byte-equal copy: apply directly (idempotent no-op
	// when equal).
	if local == nil || PayloadsEqual(local.Payload, rec.Data) {
		if err := bp.applyRemoteRecord(rule.EntityType, rec, storeID); err != nil {
			batch.FailedCount++
			log.Printf("🔴 Apply failed for %s:%s: %v", rule.EntityType, rec.EntityID, err)
			return
		}
		batch.SuccessCount++
		return
	}

	outcome, err := bp.resolver.Resolve(codec,
		Version{Payload: local.Payload, Version: local.Version, Timestamp: local.ModifiedAt},
		Version{Payload: rec.Data, Version: rec.Version, Timestamp: rec.Timestamp},
		Base{Hash: local.SyncedHash, Version: local.SyncedVersion},
		rules, rule.FlagForReview)
	if err != nil {
		batch.FailedCount++
		log.Printf("🔴 Resolution failed for %s:%s: %v", rule.EntityType, rec.EntityID, err)
		return
	}

	if !outcome.NoConflict {
		// Real conflict: counted whether it auto-resolves or goes to review.
		batch.ConflictCount++
	}

	if outcome.RequiresManualReview {
		bp.recordConflict(batch, storeID, rule.EntityType, rec, local, outcome, models.ConflictStatusPendingManual)
		if err := bp.queue.HoldForReview(storeID, rule.EntityType, rec.EntityID); err != nil {
			log.Printf("⚠️ Failed to hold queued item for %s:%s: %v", rule.EntityType, rec.EntityID, err)
		}
		// Manual-review conflicts block nothing else; the record simply
		// isn't applied until a human decides.
		batch.SuccessCount++
		return
	}

	switch outcome.Winner {
	case WinnerRemote:
		err = bp.applyRemoteRecord(rule.EntityType, rec, storeID)
	case WinnerMerged:
		merged := rec
		merged.Data = outcome.Payload
		if rec.Version > local.Version {
			merged.Version = rec.Version
		} else {
			merged.Version = local.Version
		}
		err = bp.applyRemoteRecord(rule.EntityType, merged, storeID)
	case WinnerLocal, WinnerNone:
		// Local stands; nothing to write.
	}
	if err != nil {
		batch.FailedCount++
		log.Printf("🔴 Apply failed for %s:%s: %v", rule.EntityType, rec.EntityID, err)
		return
	}

	if !outcome.NoConflict {
		bp.recordConflict(batch, storeID, rule.EntityType, rec, local, outcome, models.ConflictStatusAutoResolved)
	}
	batch.SuccessCount++
}

func (bp *BatchProcessor) applyRemoteRecord(entityType string, rec Record, source string) error {
	if err := bp.store.ApplyRemote(entityType, rec.EntityID, Operation(rec.Operation), rec.Data, rec.Version, rec.Timestamp, source); err != nil {
		return err
	}
	if bp.cfg.RecordChangeLog {
		entry := models.ServerChangeLog{
			EntityType:  entityType,
			EntityID:    rec.EntityID,
			Operation:   rec.Operation,
			Payload:     []byte(rec.Data),
			Version:     rec.Version,
			SourceStore: source,
			RecordedAt:  time.Now().UTC(),
		}
		if err := bp.db.Create(&entry).Error; err != nil {
			log.Printf("⚠️ Failed to append change log for %s:%s: %v", entityType, rec.EntityID, err)
		}
	}
	return nil
}

func (bp *BatchProcessor) recordConflict(batch *models.SyncBatch, storeID, entityType string, rec Record, local *models.EntityRecord, outcome *Outcome, status string) {
	conflict := models.SyncConflict{
		BatchID:         batch.BatchID,
		StoreID:         storeID,
		EntityType:      entityType,
		EntityID:        rec.EntityID,
		LocalPayload:    local.Payload,
		RemotePayload:   []byte(rec.Data),
		LocalTimestamp:  local.ModifiedAt,
		RemoteTimestamp: rec.Timestamp,
		LocalVersion:    local.Version,
		RemoteVersion:   rec.Version,
		Status:          status,
		DetectedAt:      time.Now().UTC(),
	}
	if outcome.AppliedRule != "" {
		conflict.AppliedRule = &outcome.AppliedRule
	}
	if status == models.ConflictStatusAutoResolved {
		applied := string(outcome.Resolution)
		conflict.AppliedResolution = &applied
	}
	if outcome.Suggested != "" {
		suggested := string(outcome.Suggested)
		conflict.SuggestedResolution = &suggested
	}
	if outcome.Reason != "" {
		conflict.ResolutionNotes = &outcome.Reason
	}
	if status == models.ConflictStatusAutoResolved {
		now := time.Now().UTC()
		conflict.ResolvedAt = &now
	}

	if err := bp.db.Create(&conflict).Error; err != nil {
		log.Printf("🔴 Failed to record conflict for %s:%s: %v", entityType, rec.EntityID, err)
	}
}

// ApplyInbound is the receiving side of a pushed batch: HQ applying a
// store's outbox (or a store applying an HQ-originated push). It creates its
// own batch record keyed by the sender's correlation id, so both ends can
// line up their views of the same transmission.
func (bp *BatchProcessor) ApplyInbound(ctx context.Context, correlationID, sourceStore, entityType string, records []Record) (*models.SyncBatch, error) {
	rule, err := bp.entityRuleFor(sourceStore, entityType)
	if err != nil {
		return nil, Validation(err)
	}

	rules, err := bp.loadRules(entityType)
	if err != nil {
		return nil, Transient(err)
	}

	batch := &models.SyncBatch{
		BatchID:    correlationID,
		StoreID:    sourceStore,
		EntityType: entityType,
		Direction:  string(DirectionPush),
		Status:     models.BatchStatusPending,
	}
	if err := bp.db.Where("batch_id = ?", correlationID).FirstOrCreate(batch).Error; err != nil {
		return nil, Transient(err)
	}
	if batch.IsTerminal() {
		// Redelivery of an already-processed batch: at-least-once transport,
		// acknowledged idempotently.
		return batch, nil
	}
	if err := bp.advance(batch, models.BatchStatusRunning); err != nil {
		return batch, err
	}

	for _, rec := range records {
		batch.RecordCount++
		bp.applyRecord(batch, sourceStore, rule, rec, rules)
	}

	if err := bp.advance(batch, models.BatchStatusCompleted); err != nil {
		log.Printf("⚠️ Inbound batch %s: %v", correlationID, err)
	}
	log.Printf("📥 Inbound batch %s: applied %d/%d %s records from %s (%d conflicts)",
		correlationID[:8], batch.SuccessCount, batch.RecordCount, entityType, sourceStore, batch.ConflictCount)
	return batch, nil
}

func (bp *BatchProcessor) entityRuleFor(storeID, entityType string) (models.EntityRule, error) {
	var rule models.EntityRule
	err := bp.db.Where("store_id = ? AND entity_type = ?", storeID, entityType).First(&rule).Error
	if err == gorm.ErrRecordNotFound {
		// Unconfigured senders still sync; conflicts fall back to the global
		// rule table.
		return models.EntityRule{StoreID: storeID, EntityType: entityType, Enabled: true}, nil
	}
	if err != nil {
		return rule, err
	}
	if !rule.Enabled {
		return rule, fmt.Errorf("entity type %q is disabled for store %s", entityType, storeID)
	}
	return rule, nil
}

// ServePull answers a store's cursor-paginated pull from the server change
// log, excluding changes the store itself originated.
func (bp *BatchProcessor) ServePull(req *PullRequest) (*PullResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = bp.cfg.MaxBatchSize
	}

	var since int64
	if req.Since != "" {
		parsed, err := strconv.ParseInt(req.Since, 10, 64)
		if err != nil {
			return nil, Validation(fmt.Errorf("bad cursor %q", req.Since))
		}
		since = parsed
	}

	var entries []models.ServerChangeLog
	err := bp.db.Where("entity_type = ? AND id > ? AND source_store <> ?",
		req.EntityType, since, req.StoreID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, Transient(err)
	}

	resp := &PullResponse{Records: make([]Record, 0, len(entries))}
	for _, e := range entries {
		resp.Records = append(resp.Records, Record{
			EntityID:  e.EntityID,
			Data:      []byte(e.Payload),
			Version:   e.Version,
			Timestamp: e.RecordedAt,
			Operation: e.Operation,
		})
	}
	if len(entries) > 0 {
		resp.NextCursor = strconv.FormatInt(entries[len(entries)-1].ID, 10)
	} else {
		resp.NextCursor = req.Since
	}
	resp.HasMore = len(entries) == limit
	return resp, nil
}

// RecordLocalChange appends a locally originated change to the server change
// log so stores can pull it. Used by HQ's domain-write hook.
func (bp *BatchProcessor) RecordLocalChange(entityType, entityID string, op Operation, payload []byte, version int64) error {
	entry := models.ServerChangeLog{
		EntityType:  entityType,
		EntityID:    entityID,
		Operation:   string(op),
		Payload:     payload,
		Version:     version,
		SourceStore: bp.cfg.NodeID,
		RecordedAt:  time.Now().UTC(),
	}
	return bp.db.Create(&entry).Error
}

func (bp *BatchProcessor) loadRules(entityType string) ([]models.ConflictResolutionRule, error) {
	var rules []models.ConflictResolutionRule
	err := bp.db.Where("entity_type = ? AND active = ?", entityType, true).
		Order("priority ASC").
		Find(&rules).Error
	return rules, err
}

func (bp *BatchProcessor) loadCursor(storeID, entityType string) string {
	var meta models.SyncMetadata
	err := bp.db.Where("store_id = ? AND entity_type = ?", storeID, entityType).First(&meta).Error
	if err != nil {
		return ""
	}
	return meta.Cursor
}

func (bp *BatchProcessor) saveCursor(storeID, entityType, cursor string) {
	meta := models.SyncMetadata{StoreID: storeID, EntityType: entityType}
	err := bp.db.Where("store_id = ? AND entity_type = ?", storeID, entityType).
		Assign(map[string]interface{}{"cursor": cursor}).
		FirstOrCreate(&meta).Error
	if err != nil {
		log.Printf("⚠️ Failed to save cursor for %s/%s: %v", storeID, entityType, err)
	}
}

func (bp *BatchProcessor) saveMetadata(batch *models.SyncBatch, duration time.Duration) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"last_sync_at":      now,
		"last_sync_status":  batch.Status,
		"records_synced":    batch.SuccessCount,
		"records_conflicts": batch.ConflictCount,
		"sync_duration_ms":  int(duration.Milliseconds()),
	}
	if batch.ErrorMessage != nil {
		updates["error_message"] = *batch.ErrorMessage
	} else {
		updates["error_message"] = nil
	}

	meta := models.SyncMetadata{StoreID: batch.StoreID, EntityType: batch.EntityType}
	err := bp.db.Where("store_id = ? AND entity_type = ?", batch.StoreID, batch.EntityType).
		Assign(updates).
		FirstOrCreate(&meta).Error
	if err != nil {
		log.Printf("⚠️ Failed to save sync metadata for %s/%s: %v", batch.StoreID, batch.EntityType, err)
	}
}
