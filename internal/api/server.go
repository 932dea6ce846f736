// Package api serves analysis results over HTTP.
// GET endpoints are public (read-only inspection of the loaded batch).
// POST endpoints require a bearer token (they trigger recomputation).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talgya/defect-levels/internal/defect"
	"github.com/talgya/defect-levels/internal/diagram"
	"github.com/talgya/defect-levels/internal/filter"
	"github.com/talgya/defect-levels/internal/persistence"
	"github.com/talgya/defect-levels/internal/uvalue"
)

// Server serves one loaded dataset and its solved diagrams.
type Server struct {
	Dataset   *defect.Dataset
	Filter    filter.Options
	Tolerance float64
	Workers   int
	DB        *persistence.DB // optional archive; nil disables /batches
	Port      int
	AdminKey  string // Bearer token for POST endpoints. Empty = POST disabled.

	mu       sync.RWMutex
	profiles map[string]*diagram.Profile
	removals []filter.Removal
	solvedAt time.Time
}

// Solve (re)runs the filter and diagram pipeline on the current dataset and
// caches the results for the GET endpoints. The filter options are
// snapshotted under the lock, so concurrent solves each work on a
// consistent option set.
func (s *Server) Solve(ctx context.Context) error {
	s.mu.RLock()
	opts := s.Filter
	s.mu.RUnlock()

	view, removals, err := filter.Apply(s.Dataset, opts)
	if err != nil {
		return err
	}
	profiles, err := diagram.BuildAll(ctx, view, diagram.DefaultDomain(view.BandGap), s.Tolerance, s.Workers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles = profiles
	s.removals = removals
	s.solvedAt = time.Now().UTC()
	s.mu.Unlock()

	slog.Info("batch solved", "profiles", len(profiles), "removals", len(removals))
	return nil
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	solveLimiter := NewRateLimiter(30, time.Hour)

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/names", s.handleNames)
	mux.HandleFunc("/api/v1/diagram/", s.handleDiagram)
	mux.HandleFunc("/api/v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/v1/uvalue/", s.handleUValue)
	mux.HandleFunc("/api/v1/batches", s.handleBatches)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/solve", s.adminOnly(RateLimitMiddleware(solveLimiter, s.handleSolve)))

	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no admin key set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := map[string]any{
		"title":         s.Dataset.Title,
		"records":       s.Dataset.Len(),
		"band_gap":      s.Dataset.BandGap(),
		"vbm":           s.Dataset.VBM,
		"cbm":           s.Dataset.CBM,
		"supercell_vbm": s.Dataset.SupercellVBM,
		"supercell_cbm": s.Dataset.SupercellCBM,
		"tolerance":     s.Tolerance,
		"profiles":      len(s.profiles),
		"removals":      len(s.removals),
		"archive":       s.DB != nil,
	}
	if !s.solvedAt.IsZero() {
		status["solved_at"] = s.solvedAt
	}
	writeJSON(w, status)
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	type nameSummary struct {
		Name        string `json:"name"`
		Charges     []int  `json:"charges"`
		Transitions int    `json:"transitions"`
		Solved      bool   `json:"solved"`
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]nameSummary, 0, len(s.Dataset.Energies))
	for _, name := range s.Dataset.Names() {
		entry := nameSummary{Name: name, Charges: s.Dataset.Charges(name)}
		if p, ok := s.profiles[name]; ok {
			entry.Solved = true
			entry.Transitions = len(p.Transitions)
		}
		result = append(result, entry)
	}
	writeJSON(w, result)
}

// handleDiagram serves one solved profile: GET /api/v1/diagram/:name.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/diagram/")
	if name == "" {
		http.Error(w, "missing configuration name", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	p, ok := s.profiles[name]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "configuration not solved or not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	removals := s.removals
	s.mu.RUnlock()

	if removals == nil {
		removals = []filter.Removal{}
	}
	writeJSON(w, removals)
}

// handleUValue computes U on demand: GET /api/v1/uvalue/:name?from=q gives
// the triple (q, q+1, q+2); from defaults to 0.
func (s *Server) handleUValue(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/uvalue/")
	if name == "" {
		http.Error(w, "missing configuration name", http.StatusBadRequest)
		return
	}

	from := 0
	if f := r.URL.Query().Get("from"); f != "" {
		v, err := strconv.Atoi(f)
		if err != nil {
			http.Error(w, "invalid from charge", http.StatusBadRequest)
			return
		}
		from = v
	}

	result, err := uvalue.Compute(s.Dataset, name, []int{from, from + 1, from + 2}, nil)
	if err != nil {
		var notFound *uvalue.ChargeNotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "archive not available", http.StatusServiceUnavailable)
		return
	}
	batches, err := s.DB.RecentBatches(30)
	if err != nil {
		slog.Error("archive listing failed", "error", err)
		http.Error(w, "archive listing failed", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []persistence.BatchSummary{}
	}
	writeJSON(w, batches)
}

// handleSolve re-runs the pipeline, optionally with new filter options from
// the request body.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Keywords        []string `json:"keywords"`
		Include         []string `json:"include"`
		Exclude         []string `json:"exclude"`
		Whitelist       []string `json:"whitelist"`
		DropUnconverged *bool    `json:"drop_unconverged"`
		DropShallow     *bool    `json:"drop_shallow"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		if req.Keywords != nil {
			s.Filter.Keywords = req.Keywords
		}
		if req.Include != nil {
			s.Filter.Include = req.Include
		}
		if req.Exclude != nil {
			s.Filter.Exclude = req.Exclude
		}
		if req.Whitelist != nil {
			s.Filter.Whitelist = req.Whitelist
		}
		if req.DropUnconverged != nil {
			s.Filter.DropUnconverged = *req.DropUnconverged
		}
		if req.DropShallow != nil {
			s.Filter.DropShallow = *req.DropShallow
		}
		s.mu.Unlock()
	}

	if err := s.Solve(r.Context()); err != nil {
		slog.Error("solve failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	n := len(s.profiles)
	s.mu.RUnlock()
	writeJSON(w, map[string]any{"profiles": n})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
