package demo

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nocturne/demo-engine/internal/metrics"
	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/query"
	"github.com/nocturne/demo-engine/internal/store"
)

// UnsupportedHeader lists filter operators that were ignored.
const UnsupportedHeader = "X-Unsupported-Operators"

// MaxCount caps the count parameter of the read endpoints.
const MaxCount = 10000

// Routes mounts the data and control endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/entries", s.ListEntries)
	r.Get("/entries/current", s.CurrentEntry)
	r.Get("/treatments", s.ListTreatments)

	r.Route("/demo", func(r chi.Router) {
		r.Get("/status", s.GetStatus)
		r.Post("/start", s.StartLive)
		r.Post("/stop", s.StopLive)
		r.Post("/regenerate", s.RegenerateData)
		r.Delete("/data", s.DeleteData)
	})
}

// readQuery parses find, count and strict. It writes the error response
// itself and returns ok=false when the request is rejected.
func readQuery(w http.ResponseWriter, r *http.Request) (q query.ParsedQuery, limit int, ok bool) {
	params := r.URL.Query()

	limit = store.DefaultLimit
	if c := params.Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n <= 0 || n > MaxCount {
			writeError(w, "count must be an integer between 1 and "+strconv.Itoa(MaxCount), http.StatusBadRequest)
			return q, 0, false
		}
		limit = n
	}

	q = query.Parse(params.Get("find"))
	if q.HasUnsupported() {
		for _, op := range q.UnsupportedOperators {
			metrics.UnsupportedOperators.WithLabelValues(op).Inc()
		}
		ops := strings.Join(q.UnsupportedOperators, ",")
		if strict, _ := strconv.ParseBool(params.Get("strict")); strict {
			writeError(w, "unsupported filter operators: "+ops, http.StatusBadRequest)
			return q, 0, false
		}
		w.Header().Set(UnsupportedHeader, ops)
	}
	return q, limit, true
}

// ListEntries handles GET /api/v1/entries?find=<json>&count=N
func (s *Service) ListEntries(w http.ResponseWriter, r *http.Request) {
	q, limit, ok := readQuery(w, r)
	if !ok {
		return
	}

	entries, err := s.store.QueryEntries(r.Context(), q, limit)
	if err != nil {
		slog.Error("query entries failed", "err", err)
		writeError(w, "failed to query entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// ListTreatments handles GET /api/v1/treatments?find=<json>&count=N
func (s *Service) ListTreatments(w http.ResponseWriter, r *http.Request) {
	q, limit, ok := readQuery(w, r)
	if !ok {
		return
	}

	treatments, err := s.store.QueryTreatments(r.Context(), q, limit)
	if err != nil {
		slog.Error("query treatments failed", "err", err)
		writeError(w, "failed to query treatments", http.StatusInternalServerError)
		return
	}
	if treatments == nil {
		treatments = []model.Treatment{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(treatments)
}

// CurrentEntry handles GET /api/v1/entries/current
func (s *Service) CurrentEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.LatestEntry(r.Context())
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, "no entries", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load latest entry", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(e)
}

// GetStatus handles GET /api/v1/demo/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeError(w, "failed to load status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// StartLive handles POST /api/v1/demo/start
func (s *Service) StartLive(w http.ResponseWriter, r *http.Request) {
	if err := s.Start(r.Context()); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeState(w, s.State(), http.StatusAccepted)
}

// StopLive handles POST /api/v1/demo/stop
func (s *Service) StopLive(w http.ResponseWriter, r *http.Request) {
	if err := s.Stop(); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeState(w, s.State(), http.StatusOK)
}

// RegenerateData handles POST /api/v1/demo/regenerate
// Runs synchronously and returns the backfill summary.
func (s *Service) RegenerateData(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Regenerate(r.Context())
	if err != nil {
		slog.Error("regenerate failed", "err", err)
		writeLifecycleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sum)
}

// DeleteData handles DELETE /api/v1/demo/data
func (s *Service) DeleteData(w http.ResponseWriter, r *http.Request) {
	ne, nt, err := s.ClearData(r.Context())
	if err != nil {
		writeError(w, "failed to delete demo data", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"entries_deleted":    ne,
		"treatments_deleted": nt,
	})
}

func writeState(w http.ResponseWriter, state State, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]State{"state": state})
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
