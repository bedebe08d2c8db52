package daemon

import "net/http"

// registerRoutes sets up all routes on a new ServeMux and returns it.
func (d *Daemon) registerRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", d.health)

	// Federation.
	mux.HandleFunc("GET /i/{name}", d.getActor)
	mux.HandleFunc("GET /.well-known/webfinger", d.webfinger)
	mux.HandleFunc("GET /keys/public", d.publicKey)

	// Local inspection of stored issues.
	mux.HandleFunc("GET /api/issues/{id}", d.getIssue)

	return mux
}
