package http

import (
	"net/http"

	"mind-matrix/internal/admin"
	"mind-matrix/internal/broadcast"
	"mind-matrix/internal/store"
)

// NewRouter assembles the full HTTP surface: the player websocket endpoint,
// the admin control routes and a health check.
func NewRouter(st *store.Store, bus broadcast.Bus, controller *admin.Controller) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewWSHandler(st, bus).ServeWS)
	NewAdminHandler(controller).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
