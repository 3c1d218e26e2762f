package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openretail/storesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeTransport scripts the HQ side of a batch exchange
type fakeTransport struct {
	pushCalls int
	pushErr   error
	rejectMsg string
	lastPush  *PushRequest

	// pushStarted/pushGate let a test hold a push mid-flight
	pushStarted chan struct{}
	pushGate    chan struct{}

	pages     []PullResponse
	pageIdx   int
	pullCalls int
	pullErr   error
}

func (f *fakeTransport) PushBatch(ctx context.Context, req *PushRequest) (*Ack, error) {
	f.pushCalls++
	f.lastPush = req
	if f.pushStarted != nil {
		f.pushStarted <- struct{}{}
	}
	if f.pushGate != nil {
		<-f.pushGate
	}
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.rejectMsg != "" {
		return &Ack{CorrelationID: req.CorrelationID, Success: false, ErrorMessage: f.rejectMsg}, nil
	}
	return &Ack{CorrelationID: req.CorrelationID, Success: true}, nil
}

func (f *fakeTransport) PullBatch(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	f.pullCalls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if f.pageIdx >= len(f.pages) {
		return &PullResponse{NextCursor: req.Since}, nil
	}
	page := f.pages[f.pageIdx]
	f.pageIdx++
	return &page, nil
}

func (f *fakeTransport) Probe(ctx context.Context) error { return nil }

type processorFixture struct {
	db        *gorm.DB
	queue     *ChangeQueue
	store     *EntityStore
	processor *BatchProcessor
	transport *fakeTransport
	cfg       *models.SyncConfiguration
	rule      models.EntityRule
}

func newProcessorFixture(t *testing.T, recordChangeLog bool) *processorFixture {
	t.Helper()
	db := testDB(t)
	queue := NewChangeQueue(db, time.Hour)
	store := NewEntityStore(db)
	codecs := NewRegistry()
	RegisterRetailCodecs(codecs)
	transport := &fakeTransport{}

	processor := NewBatchProcessor(db, queue, store, codecs, transport, ProcessorConfig{
		NodeID:          "hq",
		Backoff:         Backoff{Base: time.Second, Factor: 2, Max: time.Minute},
		CallTimeout:     5 * time.Second,
		MaxBatchSize:    10,
		RecordChangeLog: recordChangeLog,
	})

	return &processorFixture{
		db:        db,
		queue:     queue,
		store:     store,
		processor: processor,
		transport: transport,
		cfg: &models.SyncConfiguration{
			StoreID:      testStore,
			Enabled:      true,
			MaxBatchSize: 10,
			MaxAttempts:  3,
		},
		rule: models.EntityRule{
			StoreID:    testStore,
			EntityType: "products",
			Direction:  string(DirectionBidirectional),
			Enabled:    true,
		},
	}
}

func TestBatch_PushSettlesItemsOnAck(t *testing.T) {
	f := newProcessorFixture(t, false)

	payload := []byte(`{"id":"p1","version":2,"price":9.99}`)
	require.NoError(t, f.store.UpsertLocal("products", "p1", payload, 2, time.Now().UTC(), "pos"))
	_, err := f.queue.Enqueue(testStore, "products", "p1", OpUpdate, PriorityNormal, payload, 2)
	require.NoError(t, err)

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPush)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 1, batch.RecordCount)
	assert.Equal(t, 1, batch.SuccessCount)
	assert.Equal(t, batch.BatchID, f.transport.lastPush.CorrelationID)

	var item models.ChangeQueueItem
	require.NoError(t, f.db.First(&item).Error)
	assert.Equal(t, QueueStatusCompleted, item.Status)

	rec, err := f.store.Get("products", "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, PayloadHash(payload), rec.SyncedHash, "push advances the watermark")
}

func TestBatch_PushTransportFailureFailsBatchOnce(t *testing.T) {
	f := newProcessorFixture(t, false)
	f.transport.pushErr = Transient(errors.New("connection refused"))

	payload := []byte(`{"id":"p1","version":1}`)
	_, err := f.queue.Enqueue(testStore, "products", "p1", OpCreate, PriorityNormal, payload, 1)
	require.NoError(t, err)

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPush)
	require.Error(t, err)

	assert.Equal(t, models.BatchStatusFailed, batch.Status)
	assert.Equal(t, 1, f.transport.pushCalls, "retry belongs to the queue, not the batch")
	require.NotNil(t, batch.ErrorMessage)

	var item models.ChangeQueueItem
	require.NoError(t, f.db.First(&item).Error)
	assert.Equal(t, QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.NextRetryAt)
}

func TestBatch_PushRejectedAckFailsBatch(t *testing.T) {
	f := newProcessorFixture(t, false)
	f.transport.rejectMsg = "schema version unsupported"

	_, err := f.queue.Enqueue(testStore, "products", "p1", OpCreate, PriorityNormal, []byte(`{"id":"p1","version":1}`), 1)
	require.NoError(t, err)

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPush)
	require.Error(t, err)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)
	assert.Contains(t, *batch.ErrorMessage, "schema version unsupported")
}

func TestBatch_PushEmptyQueueCompletesCleanly(t *testing.T) {
	f := newProcessorFixture(t, false)

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPush)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 0, batch.RecordCount)
	assert.Zero(t, f.transport.pushCalls, "nothing to send, nothing sent")
}

func TestBatch_PullAppliesRecordsAndAdvancesCursor(t *testing.T) {
	f := newProcessorFixture(t, false)
	now := time.Now().UTC()

	f.transport.pages = []PullResponse{
		{
			Records: []Record{
				{EntityID: "p1", Data: []byte(`{"id":"p1","version":1,"price":5}`), Version: 1, Timestamp: now, Operation: string(OpCreate)},
				{EntityID: "p2", Data: []byte(`{"id":"p2","version":1,"price":6}`), Version: 1, Timestamp: now, Operation: string(OpCreate)},
			},
			NextCursor: "2",
			HasMore:    true,
		},
		{
			Records: []Record{
				{EntityID: "p3", Data: []byte(`{"id":"p3","version":1,"price":7}`), Version: 1, Timestamp: now, Operation: string(OpCreate)},
			},
			NextCursor: "3",
			HasMore:    false,
		},
	}

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPull)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 3, batch.RecordCount)
	assert.Equal(t, 3, batch.SuccessCount)
	assert.Equal(t, 2, f.transport.pullCalls)

	rec, err := f.store.Get("products", "p3")
	require.NoError(t, err)
	require.NotNil(t, rec)

	var meta models.SyncMetadata
	require.NoError(t, f.db.Where("store_id = ? AND entity_type = ?", testStore, "products").First(&meta).Error)
	assert.Equal(t, "3", meta.Cursor)
	assert.Equal(t, models.BatchStatusCompleted, meta.LastSyncStatus)
}

func TestBatch_PullReplayIsIdempotent(t *testing.T) {
	f := newProcessorFixture(t, false)
	now := time.Now().UTC()

	page := PullResponse{
		Records: []Record{
			{EntityID: "p1", Data: []byte(`{"id":"p1","version":2,"price":5}`), Version: 2, Timestamp: now, Operation: string(OpUpdate)},
		},
		NextCursor: "1",
	}
	f.transport.pages = []PullResponse{page, page}

	_, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPull)
	require.NoError(t, err)

	f.transport.pageIdx = 1
	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPull)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.SuccessCount, "replayed delivery applies as a no-op")
	assert.Zero(t, batch.ConflictCount)

	var count int64
	f.db.Model(&models.EntityRecord{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestBatch_PullConflictAutoResolves(t *testing.T) {
	f := newProcessorFixture(t, false)
	now := time.Now().UTC()

	require.NoError(t, f.db.Create(&models.ConflictResolutionRule{
		EntityType:     "products",
		ResolutionType: string(ResolutionRemoteWins),
		Priority:       10,
		Active:         true,
	}).Error)

	// Local and remote both moved; no common base recorded.
	require.NoError(t, f.store.UpsertLocal("products", "p1", []byte(`{"id":"p1","version":2,"price":5}`), 2, now, "pos"))
	f.transport.pages = []PullResponse{{
		Records: []Record{
			{EntityID: "p1", Data: []byte(`{"id":"p1","version":2,"price":8}`), Version: 2, Timestamp: now, Operation: string(OpUpdate)},
		},
		NextCursor: "1",
	}}

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPull)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 1, batch.ConflictCount, "auto-resolved conflicts still count")

	var conflict models.SyncConflict
	require.NoError(t, f.db.First(&conflict).Error)
	assert.Equal(t, models.ConflictStatusAutoResolved, conflict.Status)
	require.NotNil(t, conflict.AppliedResolution)
	assert.Equal(t, string(ResolutionRemoteWins), *conflict.AppliedResolution)

	rec, err := f.store.Get("products", "p1")
	require.NoError(t, err)
	assert.True(t, PayloadsEqual(rec.Payload, []byte(`{"id":"p1","version":2,"price":8}`)))
}

func TestBatch_PullManualConflictHoldsRecord(t *testing.T) {
	f := newProcessorFixture(t, false)
	now := time.Now().UTC()

	balanceProp := "points_balance"
	require.NoError(t, f.db.Create(&models.ConflictResolutionRule{
		EntityType:           "loyalty_members",
		PropertyName:         &balanceProp,
		ResolutionType:       string(ResolutionManual),
		RequiresManualReview: true,
		Priority:             10,
		Active:               true,
	}).Error)

	rule := f.rule
	rule.EntityType = "loyalty_members"

	localPayload := []byte(`{"id":"m1","version":3,"points_balance":120}`)
	require.NoError(t, f.store.UpsertLocal("loyalty_members", "m1", localPayload, 3, now, "pos"))
	itemID, err := f.queue.Enqueue(testStore, "loyalty_members", "m1", OpUpdate, PriorityNormal, localPayload, 3)
	require.NoError(t, err)
	f.transport.pages = []PullResponse{{
		Records: []Record{
			{EntityID: "m1", Data: []byte(`{"id":"m1","version":3,"points_balance":180}`), Version: 3, Timestamp: now, Operation: string(OpUpdate)},
		},
		NextCursor: "1",
	}}

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, rule, DirectionPull)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, batch.Status, "a manual conflict does not fail the batch")
	assert.Equal(t, 1, batch.ConflictCount)

	var conflict models.SyncConflict
	require.NoError(t, f.db.First(&conflict).Error)
	assert.Equal(t, models.ConflictStatusPendingManual, conflict.Status)
	require.NotNil(t, conflict.SuggestedResolution)

	rec, err := f.store.Get("loyalty_members", "m1")
	require.NoError(t, err)
	assert.True(t, PayloadsEqual(rec.Payload, localPayload), "nothing applies until a human decides")

	var item models.ChangeQueueItem
	require.NoError(t, f.db.Where("item_id = ?", itemID).First(&item).Error)
	assert.Equal(t, QueueStatusConflict, item.Status, "the disputed version is not pushed during review")

	require.NoError(t, f.queue.ReleaseFromReview("loyalty_members", "m1"))
	require.NoError(t, f.db.Where("item_id = ?", itemID).First(&item).Error)
	assert.Equal(t, QueueStatusPending, item.Status)
}

func TestBatch_PullTransportFailureFailsBatch(t *testing.T) {
	f := newProcessorFixture(t, false)
	f.transport.pullErr = Transient(errors.New("gateway timeout"))

	batch, err := f.processor.RunBatch(context.Background(), f.cfg, f.rule, DirectionPull)
	require.Error(t, err)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)
}

func TestBatch_ApplyInboundRecordsChangeLog(t *testing.T) {
	f := newProcessorFixture(t, true)
	now := time.Now().UTC()

	records := []Record{
		{EntityID: "p1", Data: []byte(`{"id":"p1","version":1,"price":5}`), Version: 1, Timestamp: now, Operation: string(OpCreate)},
	}

	batch, err := f.processor.ApplyInbound(context.Background(), "corr-0001", testStore, "products", records)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Equal(t, "corr-0001", batch.BatchID)

	var entries []models.ServerChangeLog
	require.NoError(t, f.db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, testStore, entries[0].SourceStore)
	assert.Equal(t, "p1", entries[0].EntityID)
}

func TestBatch_ApplyInboundRedeliveryIsAcknowledgedOnce(t *testing.T) {
	f := newProcessorFixture(t, true)
	now := time.Now().UTC()

	records := []Record{
		{EntityID: "p1", Data: []byte(`{"id":"p1","version":1,"price":5}`), Version: 1, Timestamp: now, Operation: string(OpCreate)},
	}

	first, err := f.processor.ApplyInbound(context.Background(), "corr-0002", testStore, "products", records)
	require.NoError(t, err)
	require.Equal(t, 1, first.RecordCount)

	// At-least-once transport redelivers the same correlation id.
	second, err := f.processor.ApplyInbound(context.Background(), "corr-0002", testStore, "products", records)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, second.Status)

	var entries []models.ServerChangeLog
	require.NoError(t, f.db.Find(&entries).Error)
	assert.Len(t, entries, 1, "redelivery must not double-log")
}

func TestBatch_ServePullPaginatesAndExcludesOrigin(t *testing.T) {
	f := newProcessorFixture(t, true)
	now := time.Now().UTC()

	entries := []models.ServerChangeLog{
		{EntityType: "products", EntityID: "p1", Operation: string(OpCreate), Payload: []byte(`{"id":"p1"}`), Version: 1, SourceStore: "store-002", RecordedAt: now},
		{EntityType: "products", EntityID: "p2", Operation: string(OpCreate), Payload: []byte(`{"id":"p2"}`), Version: 1, SourceStore: testStore, RecordedAt: now},
		{EntityType: "products", EntityID: "p3", Operation: string(OpCreate), Payload: []byte(`{"id":"p3"}`), Version: 1, SourceStore: "hq", RecordedAt: now},
		{EntityType: "orders", EntityID: "o1", Operation: string(OpCreate), Payload: []byte(`{"id":"o1"}`), Version: 1, SourceStore: "hq", RecordedAt: now},
	}
	for i := range entries {
		require.NoError(t, f.db.Create(&entries[i]).Error)
	}

	resp, err := f.processor.ServePull(&PullRequest{StoreID: testStore, EntityType: "products", Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "p1", resp.Records[0].EntityID)
	assert.True(t, resp.HasMore)

	resp, err = f.processor.ServePull(&PullRequest{StoreID: testStore, EntityType: "products", Since: resp.NextCursor, Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1, "the requesting store's own changes are excluded")
	assert.Equal(t, "p3", resp.Records[0].EntityID)
	assert.False(t, resp.HasMore)
}

func TestBatch_ServePullRejectsBadCursor(t *testing.T) {
	f := newProcessorFixture(t, true)

	_, err := f.processor.ServePull(&PullRequest{StoreID: testStore, EntityType: "products", Since: "not-a-cursor"})
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err))
}
