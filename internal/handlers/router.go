package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/openretail/storesync/internal/config"
	"github.com/openretail/storesync/internal/database"
	"github.com/openretail/storesync/internal/middleware"
	"github.com/openretail/storesync/internal/sync"
	"github.com/openretail/storesync/internal/utils"
)

// Router wraps the mux router and database
type Router struct {
	*mux.Router
	db     *database.DB
	cfg    *config.Config
	engine *sync.Engine
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(db *database.DB, cfg *config.Config, engine *sync.Engine) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		db:     db,
		cfg:    cfg,
		engine: engine,
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Auth routes
	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.HandleFunc("/token", r.issueToken).Methods("POST")

	// Sync routes (protected)
	authed := r.PathPrefix("/api/sync").Subrouter()
	authed.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	syncHandler := NewSyncHandler(db, cfg, engine)
	syncHandler.RegisterRoutes(authed)

	// Admin routes (protected, admin token only)
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	admin.Use(middleware.AdminOnly)
	adminHandler := NewAdminHandler(db, engine)
	adminHandler.RegisterRoutes(admin)

	return r
}

// healthCheck returns the health status of the node
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"role":   r.cfg.Role,
	})
}

// issueToken exchanges the admin key for an admin JWT
func (r *Router) issueToken(w http.ResponseWriter, req *http.Request) {
	var body struct {
		AdminKey string `json:"adminKey"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if r.cfg.AdminKeyHash == "" || !utils.CheckKeyHash(body.AdminKey, r.cfg.AdminKeyHash) {
		respondError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	token, err := utils.GenerateAdminToken(r.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
