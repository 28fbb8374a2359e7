// Package httpapi serves the remote store over HTTP for cardsync clients.
//
// Every write is an idempotent upsert addressed by its natural key, so a
// client may resend a request after a lost response without side effects.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gulfara/cardsync/internal/queue"
	"github.com/gulfara/cardsync/internal/remote"
)

// Backend is the store the server reads from and writes to.
type Backend interface {
	remote.Store
	remote.Reader
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

type Server struct {
	store       Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store Backend) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		now:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}

	// /v1/learners/{learnerId}/{collection}/{id}
	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	if len(parts) != 5 || parts[0] != "v1" || parts[1] != "learners" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	learnerID, err1 := url.PathUnescape(parts[2])
	itemID, err2 := url.PathUnescape(parts[4])
	if err1 != nil || err2 != nil || learnerID == "" || itemID == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case parts[3] == "review-states" && r.Method == http.MethodPut:
		requiredScope = "reviews:write"
		route = "put_review_state"
	case parts[3] == "review-states" && r.Method == http.MethodGet:
		requiredScope = "reviews:read"
		route = "get_review_state"
	case parts[3] == "decks" && r.Method == http.MethodPut:
		requiredScope = "decks:write"
		route = "put_deck"
	case parts[3] == "decks" && r.Method == http.MethodGet:
		requiredScope = "decks:read"
		route = "get_deck"
	case parts[3] == "review-states" || parts[3] == "decks":
		w.Header().Set("Allow", "GET, PUT")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	grant, authErr := verifyToken(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.now().UTC())
	if authErr == nil {
		authErr = grant.permits(learnerID, requiredScope)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := grant.LearnerID + "|" + grant.Subject
		if !s.rateLimiter.allow(key, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "put_review_state":
		s.handlePutReviewState(w, r, learnerID, itemID, correlationID)
	case "get_review_state":
		s.handleGetReviewState(w, r, learnerID, itemID, correlationID)
	case "put_deck":
		s.handlePutDeck(w, r, learnerID, itemID, correlationID)
	case "get_deck":
		s.handleGetDeck(w, r, learnerID, itemID, correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(remote.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logf("health check failed: %v", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable", getCorrelationID(r))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePutReviewState(w http.ResponseWriter, r *http.Request, learnerID, cardID, correlationID string) {
	body, ok := s.readPayload(w, r, queue.KindUpsertReviewState, correlationID)
	if !ok {
		return
	}
	var p queue.UpsertReviewState
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return
	}
	if p.LearnerID != learnerID || p.CardID != cardID {
		writeError(w, http.StatusBadRequest, "path_mismatch", "body learner_id and card_id must match the path", correlationID)
		return
	}
	if err := s.store.UpsertReviewState(r.Context(), p, r.Header.Get("Idempotency-Key")); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	stored, err := s.store.GetReviewState(r.Context(), learnerID, cardID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetReviewState(w http.ResponseWriter, r *http.Request, learnerID, cardID, correlationID string) {
	p, err := s.store.GetReviewState(r.Context(), learnerID, cardID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutDeck(w http.ResponseWriter, r *http.Request, learnerID, deckID, correlationID string) {
	body, ok := s.readPayload(w, r, queue.KindCreateDeck, correlationID)
	if !ok {
		return
	}
	var p queue.CreateDeck
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return
	}
	if p.LearnerID != learnerID || p.DeckID != deckID {
		writeError(w, http.StatusBadRequest, "path_mismatch", "body learner_id and deck_id must match the path", correlationID)
		return
	}
	if err := s.store.CreateDeck(r.Context(), p, r.Header.Get("Idempotency-Key")); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	stored, err := s.store.GetDeck(r.Context(), learnerID, deckID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetDeck(w http.ResponseWriter, r *http.Request, learnerID, deckID, correlationID string) {
	p, err := s.store.GetDeck(r.Context(), learnerID, deckID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// readPayload reads the body and validates it against the action schema of
// kind.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request, kind queue.Kind, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if err := queue.ValidatePayload(kind, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, remote.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled", correlationID)
	default:
		s.logf("store error (%s): %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "store failure", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
