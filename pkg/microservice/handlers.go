package microservice

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/huksley/gotdiff/pkg/query"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the id assigned to each logged request.
const RequestIDHeader = "X-Request-Id"

// Querier answers package comparison queries.
type Querier interface {
	Query(ctx context.Context, name string) (*query.Response, error)
}

var _ Service = (*PackageServer)(nil)

// PackageServer serves the comparison API and the static front end.
type PackageServer struct {
	*BaseServer
}

// NewPackageServer registers the API routes on a new BaseServer. An empty
// staticDir serves no files.
func NewPackageServer(logger zerolog.Logger, httpPort, staticDir string, querier Querier) *PackageServer {
	s := &PackageServer{BaseServer: NewBaseServer(logger, httpPort)}
	RegisterRoutes(s.Mux(), staticDir, querier, logger.With().Str("component", "PackageServer").Logger())
	return s
}

// RegisterRoutes installs the API and static routes on mux.
func RegisterRoutes(mux *http.ServeMux, staticDir string, querier Querier, logger zerolog.Logger) {
	mux.HandleFunc("/json", QueryHandler(querier, logger))
	mux.HandleFunc("/api/health", APIHealthHandler)
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/favicon.svg", http.StatusFound)
	})
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// QueryHandler serves /json?package=<name>. Any failure is a 500 with a JSON
// error body; partial documents are never returned.
func QueryHandler(querier Querier, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Status: "Error", Message: "method not allowed"})
			return
		}
		name := r.URL.Query().Get("package")
		if name == "" {
			name = query.DefaultPackage
		}

		resp, err := querier.Query(r.Context(), name)
		if err != nil {
			logger.Error().Err(err).Str("package", name).Msg("Query failed.")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "Error", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// APIHealthHandler is the JSON health probe used by load balancers.
func APIHealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs every request except health probes with an id, status
// and latency.
func RequestLogger(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		log := logger.With().Str("request_id", id).Str("path", r.URL.Path).Logger()

		start := time.Now()
		log.Info().Str("method", r.Method).Msg("HTTP ==>")
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(log.WithContext(r.Context())))
		log.Info().Int("status", rec.status).Dur("latency", time.Since(start)).Msg("HTTP <==")
	})
}
