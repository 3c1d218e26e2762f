package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/openretail/storesync/internal/database"
	"github.com/openretail/storesync/internal/models"
	"github.com/openretail/storesync/internal/sync"
)

// AdminHandler serves the configuration and observability surface
type AdminHandler struct {
	db     *database.DB
	engine *sync.Engine
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(db *database.DB, engine *sync.Engine) *AdminHandler {
	return &AdminHandler{db: db, engine: engine}
}

// RegisterRoutes registers admin routes
func (ah *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/configurations", ah.ListConfigurations).Methods("GET")
	r.HandleFunc("/configurations/{storeId}", ah.GetConfiguration).Methods("GET")
	r.HandleFunc("/configurations/{storeId}", ah.UpdateConfiguration).Methods("PUT")

	r.HandleFunc("/rules", ah.ListRules).Methods("GET")
	r.HandleFunc("/rules", ah.CreateRule).Methods("POST")
	r.HandleFunc("/rules/{id}", ah.UpdateRule).Methods("PUT")
	r.HandleFunc("/rules/{id}", ah.DeactivateRule).Methods("DELETE")

	r.HandleFunc("/conflicts", ah.ListConflicts).Methods("GET")
	r.HandleFunc("/conflicts/{id}", ah.GetConflict).Methods("GET")
	r.HandleFunc("/conflicts/{id}/resolve", ah.ResolveConflict).Methods("POST")

	r.HandleFunc("/batches", ah.ListBatches).Methods("GET")
	r.HandleFunc("/metrics", ah.GetMetrics).Methods("GET")
	r.HandleFunc("/queue", ah.QueueSummary).Methods("GET")
	r.HandleFunc("/queue/{itemId}/retry", ah.RetryQueueItem).Methods("POST")
	r.HandleFunc("/health", ah.GetHealth).Methods("GET")
}

// ListConfigurations returns every store's sync configuration
func (ah *AdminHandler) ListConfigurations(w http.ResponseWriter, r *http.Request) {
	var configs []models.SyncConfiguration
	if err := ah.db.DB.Preload("EntityRules").Find(&configs).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, configs)
}

// GetConfiguration returns one store's sync configuration
func (ah *AdminHandler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	storeID := mux.Vars(r)["storeId"]
	var cfg models.SyncConfiguration
	err := ah.db.DB.Preload("EntityRules").Where("store_id = ?", storeID).First(&cfg).Error
	if err != nil {
		respondError(w, http.StatusNotFound, "no configuration for store "+storeID)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// UpdateConfiguration upserts one store's sync configuration including its
// entity rules
func (ah *AdminHandler) UpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	storeID := mux.Vars(r)["storeId"]

	var body models.SyncConfiguration
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.StoreID = storeID
	for i := range body.EntityRules {
		body.EntityRules[i].StoreID = storeID
	}

	var existing models.SyncConfiguration
	err := ah.db.DB.Where("store_id = ?", storeID).First(&existing).Error
	if err == nil {
		body.ID = existing.ID
	}

	// Replace entity rules wholesale; partial edits go through the
	// configuration document, not rule-by-rule.
	if err := ah.db.DB.Where("store_id = ?", storeID).Delete(&models.EntityRule{}).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := ah.db.DB.Save(&body).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// ListRules returns the conflict resolution rule table
func (ah *AdminHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := ah.db.DB.Order("entity_type, priority ASC")
	if et := r.URL.Query().Get("entityType"); et != "" {
		q = q.Where("entity_type = ?", et)
	}

	var rules []models.ConflictResolutionRule
	if err := q.Find(&rules).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// CreateRule adds a conflict resolution rule
func (ah *AdminHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.ConflictResolutionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rule.EntityType == "" || rule.ResolutionType == "" {
		respondError(w, http.StatusBadRequest, "entityType and resolutionType are required")
		return
	}
	rule.ID = 0
	if err := ah.db.DB.Create(&rule).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces a conflict resolution rule
func (ah *AdminHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var existing models.ConflictResolutionRule
	if err := ah.db.DB.First(&existing, id).Error; err != nil {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}

	var rule models.ConflictResolutionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule.ID = existing.ID
	if err := ah.db.DB.Save(&rule).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// DeactivateRule disables a rule without losing the audit trail of past
// resolutions that name it
func (ah *AdminHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	result := ah.db.DB.Model(&models.ConflictResolutionRule{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		respondError(w, http.StatusInternalServerError, result.Error.Error())
		return
	}
	if result.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ListConflicts returns conflicts filtered by store, status, and entity type
func (ah *AdminHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := ah.db.DB.Order("detected_at DESC").Limit(queryLimit(r, 100))
	if storeID := r.URL.Query().Get("storeId"); storeID != "" {
		q = q.Where("store_id = ?", storeID)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if et := r.URL.Query().Get("entityType"); et != "" {
		q = q.Where("entity_type = ?", et)
	}

	var conflicts []models.SyncConflict
	if err := q.Find(&conflicts).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conflicts)
}

// GetConflict returns one conflict with both payloads
func (ah *AdminHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var conflict models.SyncConflict
	if err := ah.db.DB.First(&conflict, id).Error; err != nil {
		respondError(w, http.StatusNotFound, "conflict not found")
		return
	}
	respondJSON(w, http.StatusOK, conflict)
}

// ResolveConflict applies an operator decision to a pending conflict
func (ah *AdminHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var body struct {
		ResolutionType string          `json:"resolutionType"`
		Notes          string          `json:"notes"`
		ResolvedBy     string          `json:"resolvedByUserId"`
		MergedData     json.RawMessage `json:"mergedData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ResolutionType == "" {
		respondError(w, http.StatusBadRequest, "resolutionType is required")
		return
	}

	conflict, err := ah.engine.ResolveConflict(uint(id), sync.ResolutionType(body.ResolutionType), body.Notes, body.ResolvedBy, body.MergedData)
	if err != nil {
		if sync.IsValidation(err) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conflict)
}

// ListBatches returns batch history, newest first
func (ah *AdminHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := ah.db.DB.Order("created_at DESC").Limit(queryLimit(r, 50))
	if storeID := r.URL.Query().Get("storeId"); storeID != "" {
		q = q.Where("store_id = ?", storeID)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if et := r.URL.Query().Get("entityType"); et != "" {
		q = q.Where("entity_type = ?", et)
	}

	var batches []models.SyncBatch
	if err := q.Find(&batches).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, batches)
}

// GetMetrics returns throughput and error statistics over the last 24 hours
// of batch history
func (ah *AdminHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	q := ah.db.DB.Model(&models.SyncBatch{}).Where("created_at >= ?", since)
	if storeID := r.URL.Query().Get("storeId"); storeID != "" {
		q = q.Where("store_id = ?", storeID)
	}

	var agg struct {
		Batches       int64
		FailedBatches int64
		Records       int64
		Conflicts     int64
	}
	err := q.Select(
		"COUNT(*) AS batches, " +
			"SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed_batches, " +
			"COALESCE(SUM(success_count), 0) AS records, " +
			"COALESCE(SUM(conflict_count), 0) AS conflicts").
		Scan(&agg).Error
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var avgDuration float64
	durQ := ah.db.DB.Model(&models.SyncMetadata{})
	if storeID := r.URL.Query().Get("storeId"); storeID != "" {
		durQ = durQ.Where("store_id = ?", storeID)
	}
	durQ.Select("COALESCE(AVG(sync_duration_ms), 0)").Scan(&avgDuration)

	errorRate := 0.0
	if agg.Batches > 0 {
		errorRate = float64(agg.FailedBatches) / float64(agg.Batches)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"windowHours":         24,
		"batches":             agg.Batches,
		"recordsSynced":       agg.Records,
		"conflicts":           agg.Conflicts,
		"throughputPerMinute": float64(agg.Records) / (24 * 60),
		"errorRate":           errorRate,
		"avgLatencyMs":        avgDuration,
	})
}

// QueueSummary returns the queue depth statistics for a store
func (ah *AdminHandler) QueueSummary(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("storeId")
	summary, err := ah.engine.Queue().Summary(storeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// RetryQueueItem puts a failed item back in the queue with a fresh retry
// budget
func (ah *AdminHandler) RetryQueueItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]
	if err := ah.engine.Queue().RetryItem(itemID); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued", "itemId": itemID})
}

// GetHealth returns per-store health and the chain rollup
func (ah *AdminHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	stores, chain := ah.engine.Health()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"chain":  chain,
		"stores": stores,
	})
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
