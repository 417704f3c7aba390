package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"example.com/availmon/internal/cache"
	"example.com/availmon/internal/records"
	"example.com/availmon/internal/source"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("api")

type Reporter interface {
	ReportReady() bool
	Report() records.Report
	RunPass(ctx context.Context) (records.Report, error)
}

type Server struct {
	Reporter Reporter
	// Appender accepts ingested samples; ingest is disabled when nil.
	Appender source.Appender
	// Cache holds encoded documents until the next report is published.
	Cache *cache.Cache[[]byte]
	// MetricsHandler serves /metrics once a report exists.
	MetricsHandler http.Handler
	// AccessLog receives combined-format request logs; nil disables them.
	AccessLog io.Writer
}

type errorResponse struct {
	Error string `json:"error"`
}

type componentSummary struct {
	ID string `json:"id"`
	records.Attrs
	Metrics                records.ComponentMetrics `json:"metrics"`
	AvailabilityDifference int                      `json:"availabilityDifference"`
	LastStatus             records.Status           `json:"lastStatus"`
}

type passResponse struct {
	PassID         string    `json:"passId"`
	Now            time.Time `json:"now"`
	Components     int       `json:"components"`
	TotalIncidents int       `json:"totalIncidents"`
}

type sampleRequest struct {
	Timestamp time.Time       `json:"ts"`
	Status    json.RawMessage `json:"status"`
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.HandleFunc("/report", s.cached("report", s.reportDoc)).Methods(http.MethodGet)
	r.HandleFunc("/rollup", s.cached("rollup", s.rollupDoc)).Methods(http.MethodGet)
	r.HandleFunc("/components", s.cached("components", s.componentsDoc)).Methods(http.MethodGet)
	r.HandleFunc("/components/{id}", s.component).Methods(http.MethodGet)
	r.HandleFunc("/components/{id}/samples", s.ingest).Methods(http.MethodPost)
	r.HandleFunc("/passes", s.runPass).Methods(http.MethodPost)
	if s.MetricsHandler != nil {
		r.Handle("/metrics", s.whenReady(s.MetricsHandler)).Methods(http.MethodGet)
	}

	var h http.Handler = r
	if s.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(s.AccessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.Reporter.ReportReady() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "report not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) whenReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Reporter.ReportReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cached serves the document built by build from the cache, rebuilding it on a miss.
// Entries are keyed by pass id, so a body built from a superseded report is never
// served for a newer one even if it is stored after the publish purged the cache.
func (s *Server) cached(name string, build func(records.Report) any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !s.Reporter.ReportReady() {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "report not ready"})
			return
		}
		report := s.Reporter.Report()
		key := name + "/" + report.PassID
		if s.Cache != nil {
			if body, ok := s.Cache.Get(key); ok {
				writeRaw(w, http.StatusOK, body)
				return
			}
		}
		body, err := json.Marshal(build(report))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if s.Cache != nil {
			s.Cache.Set(key, body)
		}
		writeRaw(w, http.StatusOK, body)
	}
}

func (s *Server) reportDoc(r records.Report) any { return r }

func (s *Server) rollupDoc(r records.Report) any { return r.Rollup }

func (s *Server) componentsDoc(r records.Report) any {
	out := make([]componentSummary, 0, len(r.Order))
	for _, id := range r.Order {
		cr := r.Components[id]
		out = append(out, componentSummary{
			ID:                     id,
			Attrs:                  cr.Attrs,
			Metrics:                cr.Metrics,
			AvailabilityDifference: cr.AvailabilityDifference,
			LastStatus:             cr.LastStatus,
		})
	}
	return out
}

func (s *Server) component(w http.ResponseWriter, r *http.Request) {
	if !s.Reporter.ReportReady() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "report not ready"})
		return
	}
	id := mux.Vars(r)["id"]
	cr, ok := s.Reporter.Report().Components[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown component " + id})
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (s *Server) runPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.Reporter.RunPass(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, source.ErrSourceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		log.Error(err, "on-demand pass failed")
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, passResponse{
		PassID:         report.PassID,
		Now:            report.Now,
		Components:     len(report.Components),
		TotalIncidents: report.Rollup.TotalIncidents,
	})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	if s.Appender == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "source does not accept samples"})
		return
	}
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decoding body: " + err.Error()})
		return
	}
	if req.Timestamp.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing ts"})
		return
	}
	status, ok := records.ParseStatus(string(req.Status))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "status must be 0 or 1"})
		return
	}

	sample := records.Sample{
		ComponentID: mux.Vars(r)["id"],
		Timestamp:   req.Timestamp.UTC().Truncate(time.Second),
		Status:      status,
	}
	if err := s.Appender.Append(r.Context(), sample); err != nil {
		log.Error(err, "failed to append sample", "component", sample.ComponentID)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.V(1).Info("failed to write response", "err", err)
	}
}
