package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/openretail/storesync/internal/config"
	"github.com/openretail/storesync/internal/database"
	"github.com/openretail/storesync/internal/middleware"
	"github.com/openretail/storesync/internal/sync"
	"github.com/openretail/storesync/internal/websocket"
)

// SyncHandler handles the store-facing sync endpoints
type SyncHandler struct {
	db     *database.DB
	cfg    *config.Config
	engine *sync.Engine
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(db *database.DB, cfg *config.Config, engine *sync.Engine) *SyncHandler {
	return &SyncHandler{
		db:     db,
		cfg:    cfg,
		engine: engine,
	}
}

// RegisterRoutes registers sync routes
func (sh *SyncHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/push", sh.PushBatch).Methods("POST")
	r.HandleFunc("/pull", sh.PullBatch).Methods("POST")
	r.HandleFunc("/ws", sh.PushChannel).Methods("GET")
	r.HandleFunc("/status", sh.GetSyncStatus).Methods("GET")
	r.HandleFunc("/start", sh.StartSync).Methods("POST")
}

// PushBatch receives one batch from a store and acknowledges it by
// correlation id. HQ only.
func (sh *SyncHandler) PushBatch(w http.ResponseWriter, r *http.Request) {
	if sh.cfg.Role != config.RoleHQ {
		respondError(w, http.StatusNotFound, "push is served by hq nodes")
		return
	}

	var req sync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CorrelationID == "" || req.StoreID == "" || req.EntityType == "" {
		respondError(w, http.StatusBadRequest, "correlationId, storeId and entityType are required")
		return
	}
	if !sh.authorizedForStore(r, req.StoreID) {
		respondError(w, http.StatusForbidden, "token does not match store")
		return
	}

	batch, err := sh.engine.Processor().ApplyInbound(r.Context(), req.CorrelationID, req.StoreID, req.EntityType, req.Records)
	if err != nil {
		ack := sync.Ack{CorrelationID: req.CorrelationID, Success: false, ErrorMessage: err.Error()}
		status := http.StatusInternalServerError
		if sync.IsValidation(err) {
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, ack)
		return
	}

	// Applied changes fan out to the other stores right away.
	if batch.SuccessCount > 0 {
		sh.engine.Hub().NotifyChange(req.EntityType, req.StoreID)
	}

	respondJSON(w, http.StatusOK, sync.Ack{CorrelationID: req.CorrelationID, Success: true})
}

// PullBatch serves one cursor page of changes to a store. HQ only.
func (sh *SyncHandler) PullBatch(w http.ResponseWriter, r *http.Request) {
	if sh.cfg.Role != config.RoleHQ {
		respondError(w, http.StatusNotFound, "pull is served by hq nodes")
		return
	}

	var req sync.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StoreID == "" || req.EntityType == "" {
		respondError(w, http.StatusBadRequest, "storeId and entityType are required")
		return
	}
	if !sh.authorizedForStore(r, req.StoreID) {
		respondError(w, http.StatusForbidden, "token does not match store")
		return
	}

	resp, err := sh.engine.Processor().ServePull(&req)
	if err != nil {
		if sync.IsValidation(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// PushChannel upgrades to the websocket push channel. HQ only.
func (sh *SyncHandler) PushChannel(w http.ResponseWriter, r *http.Request) {
	if sh.cfg.Role != config.RoleHQ {
		respondError(w, http.StatusNotFound, "push channel is served by hq nodes")
		return
	}
	websocket.ServeWS(sh.engine.Hub(), w, r)
}

// GetSyncStatus returns this node's sync state
func (sh *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, sh.engine.Status())
}

// StartSync triggers an immediate sync cycle for a store
func (sh *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StoreID string `json:"storeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.StoreID == "" {
		body.StoreID = sh.cfg.StoreID
	}

	if !sh.engine.SyncNow(body.StoreID) {
		respondError(w, http.StatusNotFound, "no sync loop or connection for store "+body.StoreID)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  "triggered",
		"storeId": body.StoreID,
	})
}

// authorizedForStore checks that a store token matches the store it claims
// to act for. Admin tokens may act for any store.
func (sh *SyncHandler) authorizedForStore(r *http.Request, storeID string) bool {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		return false
	}
	if claims["type"] == "admin" {
		return true
	}
	return middleware.StoreIDFromContext(r.Context()) == storeID
}
