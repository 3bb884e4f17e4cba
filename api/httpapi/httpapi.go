package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"statboard/analytics"
	"statboard/core"
	"statboard/engine"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client address.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// Sessions backs the session-analytics routes. Nil disables them.
	Sessions analytics.SessionStore
	// Activity backs the activity rollup and top-raisers routes. Nil disables them.
	Activity *analytics.AggregationEngine
	// Logger receives request failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewMux builds an http.Handler exposing the leaderboard as JSON.
// Routes:
//   - POST {prefix}/users/{id}/scores?score=N
//   - PUT  {prefix}/users/{id}/statistics
//   - GET  {prefix}/users/{id}/entry
//   - GET  {prefix}/users/{id}/score
//   - GET  {prefix}/users/{id}/position
//   - GET  {prefix}/users/{id}/friends?ids=1,2,3
//   - GET  {prefix}/leaderboard?start=P&count=N (count <= engine.PageSize)
//   - GET  {prefix}/leaderboard/top?n=N (n <= engine.PageSize)
//   - GET  {prefix}/session-analytics
//   - POST {prefix}/session-analytics
//   - POST {prefix}/users/{id}/sessions/start
//   - POST {prefix}/users/{id}/sessions/end
//   - GET  {prefix}/analytics/activity?period=daily
//   - GET  {prefix}/analytics/top-raisers?limit=N
//   - GET  {prefix}/healthz
func NewMux(svc *engine.LeaderboardService, opts Options) http.Handler {
	h := &handlers{svc: svc, sessions: opts.Sessions, activity: opts.Activity, log: opts.Logger}
	if h.log == nil {
		h.log = slog.Default()
	}

	mux := http.NewServeMux()
	route := func(method, path string, fn http.HandlerFunc) {
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), fn)
	}

	route(http.MethodGet, "/healthz", h.health)

	route(http.MethodPost, "/users/{id}/scores", h.submitScore)
	route(http.MethodPut, "/users/{id}/statistics", h.reconcile)
	route(http.MethodGet, "/users/{id}/entry", h.entry)
	route(http.MethodGet, "/users/{id}/score", h.score)
	route(http.MethodGet, "/users/{id}/position", h.position)
	route(http.MethodGet, "/users/{id}/friends", h.friends)

	route(http.MethodGet, "/leaderboard", h.window)
	route(http.MethodGet, "/leaderboard/top", h.top)

	if h.sessions != nil {
		route(http.MethodGet, "/session-analytics", h.listSessions)
		route(http.MethodPost, "/session-analytics", h.appendSession)
		route(http.MethodPost, "/users/{id}/sessions/start", h.startSession)
		route(http.MethodPost, "/users/{id}/sessions/end", h.endSession)
	}
	if h.activity != nil {
		route(http.MethodGet, "/analytics/activity", h.activityRollup)
		route(http.MethodGet, "/analytics/top-raisers", h.topRaisers)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst)
	}
	return withRequestID(handler)
}

type handlers struct {
	svc      *engine.LeaderboardService
	sessions analytics.SessionStore
	activity *analytics.AggregationEngine
	log      *slog.Logger
}

// health probes storage by reading the top of the ranking.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	if _, err := h.svc.GetTop(r.Context(), 1); err != nil {
		h.log.Warn("health check failed", "error", err)
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
		writeJSONStatus(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, status)
}

func (h *handlers) submitScore(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	score, err := strconv.ParseInt(r.URL.Query().Get("score"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "score must be an integer", nil)
		return
	}
	e, err := h.svc.CreateOrTouch(r.Context(), user, score)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, e)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var stats core.Statistics
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&stats); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid statistics body", err.Error())
		return
	}
	e, err := h.svc.ReconcileFromStatistics(r.Context(), user, stats)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, e)
}

func (h *handlers) entry(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	e, err := h.svc.GetEntry(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, e)
}

func (h *handlers) score(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	score, err := h.svc.GetScore(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"user_id": user, "score": score})
}

func (h *handlers) position(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	ranked, err := h.svc.GetPosition(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, ranked)
}

func (h *handlers) friends(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var ids []core.UserID
	for _, part := range split(r.URL.Query().Get("ids"), ',') {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "ids must be a comma-separated list of integers", nil)
			return
		}
		ids = append(ids, core.UserID(id))
	}
	entries, err := h.svc.GetFriendEntries(r.Context(), user, ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, entries)
}

func (h *handlers) window(w http.ResponseWriter, r *http.Request) {
	start, ok := intQuery(w, r, "start", 1)
	if !ok {
		return
	}
	count, ok := pageQuery(w, r, "count", engine.PageSize)
	if !ok {
		return
	}
	entries, err := h.svc.GetRankWindow(r.Context(), start, count)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, entries)
}

func (h *handlers) top(w http.ResponseWriter, r *http.Request) {
	n, ok := pageQuery(w, r, "n", engine.TopTenSize)
	if !ok {
		return
	}
	entries, err := h.svc.GetTop(r.Context(), n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, entries)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.sessions.Sessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, rows)
}

func (h *handlers) appendSession(w http.ResponseWriter, r *http.Request) {
	var rec analytics.SessionRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid session record", err.Error())
		return
	}
	if err := h.sessions.Append(rec); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Start(user, time.Now()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	rec, err := h.sessions.End(user, time.Now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, rec)
}

func (h *handlers) activityRollup(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		raw = string(analytics.PeriodDaily)
	}
	period, err := analytics.ParsePeriod(raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.activity.AggregateNow()
	body, err := h.activity.ExportData(period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *handlers) topRaisers(w http.ResponseWriter, r *http.Request) {
	limit, ok := pageQuery(w, r, "limit", engine.TopTenSize)
	if !ok {
		return
	}
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be >= 0", nil)
		return
	}
	writeJSON(w, h.activity.TopRaisers(int(limit)))
}

// fail maps service errors onto status codes. Anything that is not a domain
// error or a cancelled request came from storage.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request cancelled", nil)
	default:
		h.log.Error("request failed",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "leaderboard storage unavailable", nil)
	}
}

// Helpers

func userParam(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err == nil {
		err = core.ValidateUserID(core.UserID(id))
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "user id must be a positive integer", nil)
		return 0, false
	}
	return core.UserID(id), true
}

func intQuery(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", name+" must be an integer", nil)
		return 0, false
	}
	return v, true
}

// pageQuery is intQuery capped at one page of the ranking.
func pageQuery(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	v, ok := intQuery(w, r, name, def)
	if ok && v > engine.PageSize {
		writeError(w, http.StatusBadRequest, "invalid_argument",
			name+" must be at most "+strconv.Itoa(engine.PageSize), nil)
		return 0, false
	}
	return v, ok
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func split(p string, sep rune) []string {
	var parts []string
	cur := make([]rune, 0, len(p))
	for _, r := range p {
		if r == sep {
			if len(cur) > 0 {
				parts = append(parts, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		parts = append(parts, string(cur))
	}
	return parts
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// APIError is the JSON error body of every failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSONStatus(w, status, APIError{Code: code, Message: msg, Details: details})
}

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the correlation id assigned by the mux, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID reuses a caller-supplied X-Request-ID or mints a new one and
// echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies a simple token-bucket limiter per client address.
func withRateLimit(next http.Handler, rpm int, burst int) http.Handler {
	limiter := newRateLimiter(rpm, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sweepInterval bounds how often idle buckets are dropped.
const sweepInterval = time.Minute

type rateLimiter struct {
	rpm       float64
	burst     float64
	now       func() time.Time
	mu        sync.Mutex
	b         map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int) *rateLimiter {
	return &rateLimiter{
		rpm:   float64(rpm),
		burst: float64(burst),
		now:   time.Now,
		b:     make(map[string]*bucket),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		b.last = now
		return false
	}
	b.tokens--
	b.last = now
	return true
}

// sweep drops buckets that would have refilled to burst by now. A new bucket
// starts full, so dropping them does not change any client's allowance.
func (l *rateLimiter) sweep(now time.Time) {
	for key, b := range l.b {
		if b.tokens+now.Sub(b.last).Minutes()*l.rpm >= l.burst {
			delete(l.b, key)
		}
	}
	l.lastSweep = now
}
