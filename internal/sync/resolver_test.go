package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/openretail/storesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tEarlier = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	tLater   = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
)

func entityRule(entityType, resolution string, priority int) models.ConflictResolutionRule {
	return models.ConflictResolutionRule{
		EntityType:     entityType,
		ResolutionType: resolution,
		Priority:       priority,
		Active:         true,
	}
}

func propertyRule(entityType, property, resolution string, priority int) models.ConflictResolutionRule {
	r := entityRule(entityType, resolution, priority)
	r.PropertyName = &property
	return r
}

func TestResolver_IdenticalPayloadsNoConflict(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("products")

	payload := []byte(`{"id":"p1","version":3,"price":9.99}`)
	reordered := []byte(`{"price":9.99,"id":"p1","version":3}`)

	out, err := r.Resolve(codec,
		Version{Payload: payload, Version: 3, Timestamp: tEarlier},
		Version{Payload: reordered, Version: 3, Timestamp: tLater},
		Base{}, nil, false)
	require.NoError(t, err)

	assert.True(t, out.NoConflict)
	assert.Equal(t, WinnerNone, out.Winner)
}

func TestResolver_OneSidedRemoteChange(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("products")

	local := []byte(`{"id":"p1","version":3,"price":9.99}`)
	remote := []byte(`{"id":"p1","version":4,"price":12.50}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 3, Timestamp: tEarlier},
		Version{Payload: remote, Version: 4, Timestamp: tLater},
		Base{Hash: PayloadHash(local), Version: 3},
		nil, false)
	require.NoError(t, err)

	assert.True(t, out.NoConflict, "remote-only movement is not a conflict")
	assert.Equal(t, WinnerRemote, out.Winner)
}

func TestResolver_OneSidedLocalChange(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("products")

	base := []byte(`{"id":"p1","version":3,"price":9.99}`)
	local := []byte(`{"id":"p1","version":4,"price":11.00}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 4, Timestamp: tLater},
		Version{Payload: base, Version: 3, Timestamp: tEarlier},
		Base{Hash: PayloadHash(base), Version: 3},
		nil, false)
	require.NoError(t, err)

	assert.True(t, out.NoConflict)
	assert.Equal(t, WinnerLocal, out.Winner)
}

func TestResolver_LocalWinsIgnoresTimestamps(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("receipts")

	// Remote is newer, but the rule says the store's receipt stands.
	local := []byte(`{"id":"r1","version":2,"total":40.00}`)
	remote := []byte(`{"id":"r1","version":2,"total":44.00}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 2, Timestamp: tEarlier},
		Version{Payload: remote, Version: 2, Timestamp: tLater},
		Base{},
		[]models.ConflictResolutionRule{entityRule("receipts", "local_wins", 10)},
		false)
	require.NoError(t, err)

	assert.False(t, out.NoConflict)
	assert.Equal(t, WinnerLocal, out.Winner)
	assert.False(t, out.RequiresManualReview)
}

func TestResolver_LastWriteWinsTieGoesRemote(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("inventory")

	ts := tLater
	local := []byte(`{"id":"i1","version":5,"stock_count":7}`)
	remote := []byte(`{"id":"i1","version":5,"stock_count":9}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 5, Timestamp: ts},
		Version{Payload: remote, Version: 5, Timestamp: ts},
		Base{},
		[]models.ConflictResolutionRule{entityRule("inventory", "last_write_wins", 30)},
		false)
	require.NoError(t, err)

	assert.Equal(t, WinnerRemote, out.Winner, "equal timestamps fall to the system of record")
}

func TestResolver_PropertyRuleBeatsEntityRule(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("products")

	// Entity-level says remote wins, but notes carry a local-wins property
	// rule. Price follows the entity rule, notes follow the property rule.
	local := []byte(`{"id":"p1","version":4,"price":10.00,"notes":"shelf B"}`)
	remote := []byte(`{"id":"p1","version":4,"price":12.00,"notes":"shelf A"}`)

	rules := []models.ConflictResolutionRule{
		entityRule("products", "remote_wins", 20),
		propertyRule("products", "notes", "local_wins", 15),
	}

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 4, Timestamp: tEarlier},
		Version{Payload: remote, Version: 4, Timestamp: tLater},
		Base{}, rules, false)
	require.NoError(t, err)

	require.Equal(t, WinnerMerged, out.Winner)

	var merged map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Payload, &merged))
	assert.Equal(t, 12.00, merged["price"])
	assert.Equal(t, "shelf B", merged["notes"])
}

func TestResolver_ManualRuleFlagsForReview(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("loyalty_members")

	local := []byte(`{"id":"m1","version":2,"points_balance":120}`)
	remote := []byte(`{"id":"m1","version":2,"points_balance":180}`)

	rules := []models.ConflictResolutionRule{
		entityRule("loyalty_members", "last_write_wins", 40),
		func() models.ConflictResolutionRule {
			pr := propertyRule("loyalty_members", "points_balance", "manual", 10)
			pr.RequiresManualReview = true
			return pr
		}(),
	}

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 2, Timestamp: tEarlier},
		Version{Payload: remote, Version: 2, Timestamp: tLater},
		Base{}, rules, false)
	require.NoError(t, err)

	assert.True(t, out.RequiresManualReview)
	assert.Equal(t, WinnerNone, out.Winner, "nothing applies until a human decides")
	assert.NotEmpty(t, out.Suggested)
}

func TestResolver_FlagForReviewOverridesAutoRule(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("orders")

	local := []byte(`{"id":"o1","version":2,"status":"packed"}`)
	remote := []byte(`{"id":"o1","version":2,"status":"shipped"}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 2, Timestamp: tEarlier},
		Version{Payload: remote, Version: 2, Timestamp: tLater},
		Base{},
		[]models.ConflictResolutionRule{entityRule("orders", "local_wins", 10)},
		true)
	require.NoError(t, err)

	assert.True(t, out.RequiresManualReview)
	assert.Equal(t, ResolutionLocalWins, out.Suggested)
}

func TestResolver_MergeDowngradesToManualWhenImpossible(t *testing.T) {
	r := NewResolver()

	// A codec with no merge strategy for the conflicting property cannot
	// honor a merged rule; the conflict must land in manual review instead
	// of guessing.
	codec := NewJSONCodec("inventory")

	local := []byte(`{"id":"i1","version":3,"location":"back room"}`)
	remote := []byte(`{"id":"i1","version":3,"location":"front"}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 3, Timestamp: tEarlier},
		Version{Payload: remote, Version: 3, Timestamp: tLater},
		Base{},
		[]models.ConflictResolutionRule{propertyRule("inventory", "location", "merged", 5)},
		false)
	require.NoError(t, err)

	assert.True(t, out.RequiresManualReview)
	assert.Equal(t, ResolutionMerged, out.Suggested)
}

func TestResolver_NumericMaxMerge(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("inventory", WithNumericMaxMerge("stock_count"))

	local := []byte(`{"id":"i1","version":3,"stock_count":14}`)
	remote := []byte(`{"id":"i1","version":3,"stock_count":11}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 3, Timestamp: tEarlier},
		Version{Payload: remote, Version: 3, Timestamp: tLater},
		Base{},
		[]models.ConflictResolutionRule{propertyRule("inventory", "stock_count", "merged", 5)},
		false)
	require.NoError(t, err)

	require.Equal(t, WinnerMerged, out.Winner)

	var merged map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Payload, &merged))
	assert.Equal(t, float64(14), merged["stock_count"])
}

func TestResolver_LowestPriorityNumberWins(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("products")

	local := []byte(`{"id":"p1","version":2,"price":5.00}`)
	remote := []byte(`{"id":"p1","version":2,"price":6.00}`)

	rules := []models.ConflictResolutionRule{
		entityRule("products", "remote_wins", 50),
		entityRule("products", "local_wins", 10),
	}

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 2, Timestamp: tEarlier},
		Version{Payload: remote, Version: 2, Timestamp: tLater},
		Base{}, rules, false)
	require.NoError(t, err)

	assert.Equal(t, WinnerLocal, out.Winner)
	assert.Contains(t, out.AppliedRule, "products")
}

func TestResolver_NoRuleFallsBackToLastWriteWins(t *testing.T) {
	r := NewResolver()
	codec := NewJSONCodec("products")

	local := []byte(`{"id":"p1","version":2,"price":5.00}`)
	remote := []byte(`{"id":"p1","version":2,"price":6.00}`)

	out, err := r.Resolve(codec,
		Version{Payload: local, Version: 2, Timestamp: tLater},
		Version{Payload: remote, Version: 2, Timestamp: tEarlier},
		Base{}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, WinnerLocal, out.Winner, "local write is strictly newer")
}
