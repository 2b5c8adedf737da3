// Package controlplane is the thin HTTP surface of SPEC_FULL.md §6:
// index (name/version), start/stop/status/health/backfill-progress,
// nothing else. It is grounded on the teacher's api/http.go router
// construction (httprouter + CORS middleware) generalized from the
// JSON-RPC-over-HTTP handler table to this engine's fixed six-endpoint
// table.
package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/dualchain/ingestd/internal/supervisor"
	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("controlplane")

const serviceName = "ingestd"
const serviceVersion = "0.1.0"

// Server wraps the httprouter.Router with CORS, per the teacher's
// api/http.go newCorsHandler wiring.
type Server struct {
	handler http.Handler
}

// New builds the Server for the given Supervisor. allowedOrigins may
// be empty to allow all origins, matching the teacher's permissive
// local-development default.
func New(sup *supervisor.Supervisor, allowedOrigins []string) *Server {
	r := httprouter.New()

	r.GET("/", index)
	r.POST("/start", start(sup))
	r.POST("/stop", stop(sup))
	r.GET("/status", status(sup))
	r.GET("/health", health(sup))
	r.GET("/backfill-progress", backfillProgress(sup))

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})

	return &Server{handler: c.Handler(r)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "err", err)
	}
}

func index(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"name": serviceName, "version": serviceVersion})
}

func start(sup *supervisor.Supervisor) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		result, err := sup.Start()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
	}
}

func stop(sup *supervisor.Supervisor) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		result := sup.Stop()
		writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
	}
}

func status(sup *supervisor.Supervisor) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, sup.Status())
	}
}

func health(sup *supervisor.Supervisor) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		// Always 200: the health payload itself carries degraded/unhealthy
		// status, so callers don't need to special-case non-2xx.
		writeJSON(w, http.StatusOK, sup.Health())
	}
}

func backfillProgress(sup *supervisor.Supervisor) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, sup.BackfillProgress())
	}
}
