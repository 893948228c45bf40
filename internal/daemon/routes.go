package daemon

import "net/http"

// registerRoutes sets up all API routes on a new ServeMux and returns it.
func (d *Daemon) registerRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /events", d.handleEvent)
	mux.HandleFunc("GET /status", d.handleStatus)
	mux.HandleFunc("GET /health", d.handleHealth)

	return mux
}
