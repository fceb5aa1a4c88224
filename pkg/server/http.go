package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NicolasHaas/typeduel/pkg/leaderboard"
	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/version"
)

type ctxKey struct{}

// userFromContext returns the user id set by requireAuth.
func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Handler returns the HTTP handler serving /ws, /api, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	}).Methods(http.MethodGet)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", s.handleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/sentences/random", s.handleRandomSentence).Methods(http.MethodGet)
	api.HandleFunc("/results", s.handleCreateResult).Methods(http.MethodPost)
	api.HandleFunc("/results", s.handleListResults).Methods(http.MethodGet)
	api.HandleFunc("/competitions/{id}", s.handleGetCompetition).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)

	return r
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifier.Verify(bearerToken(r))
		if err != nil {
			s.metrics.FailedAuths.Add(1)
			writeError(w, UnauthorizedError{Msg: "your token is invalid or expired, please log in again"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleRandomSentence(w http.ResponseWriter, r *http.Request) {
	category := model.DefaultCategory
	if q := r.URL.Query().Get("category"); q != "" {
		c, err := model.ParseCategory(q)
		if err != nil {
			writeError(w, BadRequestError{Msg: err.Error()})
			return
		}
		category = c
	}

	sentence, err := s.store.GetSentence(r.Context(), category)
	if err != nil {
		writeError(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusOK, sentence)
}

// resultRequest is the body of POST /api/results.
type resultRequest struct {
	SentenceID string  `json:"sentenceId"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	RawWPM     float64 `json:"rawWpm"`
	ErrorCount int     `json:"errorCount"`
	TimeTaken  float64 `json:"timeTaken"`
}

// handleCreateResult stores a practice result for the caller.
func (s *Server) handleCreateResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, BadRequestError{Msg: "invalid request body"})
		return
	}

	stored, err := s.store.RecordResult(r.Context(), "", model.Result{
		UserID:     userFromContext(r.Context()),
		SentenceID: req.SentenceID,
		WPM:        req.WPM,
		Accuracy:   req.Accuracy,
		RawWPM:     req.RawWPM,
		ErrorCount: req.ErrorCount,
		TimeTaken:  req.TimeTaken,
	})
	if err != nil {
		writeError(w, storeError(err))
		return
	}
	s.metrics.ResultsRecorded.Add(1)
	if s.board != nil {
		s.board.Observe(r.Context(), *stored)
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleListResults lists the caller's results, newest first.
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.store.ListResults(r.Context(), model.ResultFilters{
		UserID: userFromContext(r.Context()),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, storeError(err))
		return
	}
	if results == nil {
		results = []model.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetCompetition(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.GetCompetitionDetail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, storeError(err))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.board == nil {
		writeError(w, UnavailableError{Msg: "leaderboard is disabled"})
		return
	}
	limit, err := queryInt(r, "limit", leaderboard.DefaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.board.Top(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, BadRequestError{Msg: key + " must be a non-negative integer"}
	}
	return n, nil
}
