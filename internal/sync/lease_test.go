package sync

import (
	"testing"
	"time"

	"github.com/openretail/storesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testLease(t *testing.T, owner string, db *gorm.DB) *LeaseManager {
	t.Helper()
	return NewLeaseManager(db, NewChangeQueue(db, time.Hour), owner, time.Minute)
}

func TestLease_AcquireAndRenew(t *testing.T) {
	db := testDB(t)
	lm := testLease(t, "node-a", db)

	ok, err := lm.Acquire(testStore)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same owner re-acquiring just renews.
	ok, err = lm.Acquire(testStore)
	require.NoError(t, err)
	assert.True(t, ok)

	var count int64
	db.Model(&models.SyncLease{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLease_LiveLeaseBlocksOtherOwners(t *testing.T) {
	db := testDB(t)
	a := testLease(t, "node-a", db)
	b := testLease(t, "node-b", db)

	ok, err := a.Acquire(testStore)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(testStore)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease is exclusive")
}

func TestLease_ReleaseIsOwnerScoped(t *testing.T) {
	db := testDB(t)
	a := testLease(t, "node-a", db)
	b := testLease(t, "node-b", db)

	ok, err := a.Acquire(testStore)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-holder releasing must not free the slot.
	require.NoError(t, b.Release(testStore))
	ok, err = b.Acquire(testStore)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(testStore))
	ok, err = b.Acquire(testStore)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_ExpiredLeaseIsReclaimedWithRecovery(t *testing.T) {
	db := testDB(t)
	queue := NewChangeQueue(db, time.Hour)
	a := testLease(t, "node-a", db)
	b := NewLeaseManager(db, queue, "node-b", time.Minute)

	ok, err := a.Acquire(testStore)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate node-a dying mid-cycle: a running batch, a claimed item, and
	// an expired lease.
	batch := &models.SyncBatch{
		BatchID:    "dead-batch",
		StoreID:    testStore,
		EntityType: "orders",
		Direction:  string(DirectionPush),
		Status:     models.BatchStatusPending,
	}
	require.NoError(t, db.Create(batch).Error)
	require.NoError(t, batch.Advance(models.BatchStatusRunning))
	require.NoError(t, db.Save(batch).Error)

	itemID, err := queue.Enqueue(testStore, "orders", "o1", OpCreate, PriorityNormal, []byte(`{"id":"o1"}`), 1)
	require.NoError(t, err)
	claimed, err := queue.Dequeue(testStore, "orders", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, db.Model(&models.SyncLease{}).
		Where("store_id = ?", testStore).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	ok, err = b.Acquire(testStore)
	require.NoError(t, err)
	assert.True(t, ok, "expired leases are up for grabs")

	var recovered models.SyncBatch
	require.NoError(t, db.Where("batch_id = ?", "dead-batch").First(&recovered).Error)
	assert.Equal(t, models.BatchStatusFailed, recovered.Status)
	require.NotNil(t, recovered.ErrorMessage)
	assert.Equal(t, string(ErrLeaseExpired), *recovered.ErrorMessage)

	var item models.ChangeQueueItem
	require.NoError(t, db.Where("item_id = ?", itemID).First(&item).Error)
	assert.Equal(t, QueueStatusPending, item.Status, "claimed work is requeued, not lost")
}
