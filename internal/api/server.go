package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/snaprelay/snaprelay/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(uiChannel *UIChannelHandler, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// The activation bridge is rate limited per origin
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, 100))
	rateLimitedAPI.HandleFunc("/activate", h.Activate).Methods("POST", "OPTIONS")

	// Tab lifecycle endpoints
	api.HandleFunc("/tabs", h.CreateTab).Methods("POST")
	api.HandleFunc("/tabs", h.ListTabs).Methods("GET")
	api.HandleFunc("/tabs/{id}", h.GetTab).Methods("GET")
	api.HandleFunc("/tabs/{id}", h.DeleteTab).Methods("DELETE")

	// Selection-overlay websocket channel
	api.HandleFunc("/tabs/{id}/ui", uiChannel.Handle).Methods("GET")

	// Overlay visibility toggle
	api.HandleFunc("/tabs/{id}/toggle", h.Toggle).Methods("POST", "OPTIONS")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
