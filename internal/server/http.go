package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/oupgrade/internal/apriori"
	"github.com/dejo1307/oupgrade/internal/changes"
)

// Handler returns the HTTP API:
//
//	GET /{version}/changes?module=&model=&version=
//	GET /upgrade_info
//	GET /apriori/{version}/modules?table=
//	GET /apriori?module=&table=
//	GET /healthz
//	GET /metrics
//	    /mcp (streamable MCP transport)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{version}/changes", s.handleChanges)
	mux.HandleFunc("GET /upgrade_info", s.handleUpgradeInfo)
	mux.HandleFunc("GET /apriori/{version}/modules", s.handleAprioriVersion)
	mux.HandleFunc("GET /apriori", s.handleAprioriModule)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil))
	return s.withHeaders(mux)
}

// withHeaders sets the security and CORS headers on every response and counts
// requests per route.
func (s *Server) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Access-Control-Allow-Origin", s.cfg.Server.CORSAllow)
		h.Set("X-Application-Name", AppName)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.Query(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.queryChanges(r.Context(), r.PathValue("version"), changes.QueryOpts{
		Module:        q.Get("module"),
		Model:         q.Get("model"),
		VersionPrefix: q.Get("version"),
	})
	switch {
	case errors.Is(err, errInvalidVersion):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, changes.ErrStoreNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		log.Printf("[server] changes query failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, recs)
	}
}

func (s *Server) handleUpgradeInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.upgradeInfo(r.Context(), "")
	if err != nil {
		log.Printf("[server] upgrade info failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAprioriVersion(w http.ResponseWriter, r *http.Request) {
	s.writeApriori(w, r, r.PathValue("version"), "")
}

func (s *Server) handleAprioriModule(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("module")
	if module == "" {
		writeError(w, http.StatusBadRequest, errors.New("module query parameter is required"))
		return
	}
	s.writeApriori(w, r, "", module)
}

func (s *Server) writeApriori(w http.ResponseWriter, r *http.Request, version, module string) {
	result, err := s.aprioriLookup(r.Context(), version, module, r.URL.Query().Get("table"))
	switch {
	case errors.Is(err, apriori.ErrNotImported):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
