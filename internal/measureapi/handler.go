package measureapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zkhotdog/zkhotdog/internal/artifactstore"
	"github.com/zkhotdog/zkhotdog/internal/measurement"
)

var ErrInvalidConfig = errors.New("measureapi: invalid config")

// Multipart field names expected by the capture client.
const (
	fieldImage      = "image"
	fieldStartPoint = "startPoint"
	fieldEndPoint   = "endPoint"
)

const defaultMaxUploadBytes = 16 << 20

// Starter schedules asynchronous measurement processing.
type Starter interface {
	Start(id string) error
}

type Config struct {
	// PublicBaseURL prefixes the status URL returned on submission.
	PublicBaseURL string

	MaxUploadBytes int64

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	NewID func() string
	Now   func() time.Time
	Log   *slog.Logger
}

func NewHandler(cfg Config, store measurement.Store, artifacts artifactstore.Store, starter Starter) (http.Handler, error) {
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, fmt.Errorf("%w: missing public base url", ErrInvalidConfig)
	}
	if store == nil || artifacts == nil || starter == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &handler{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		starter:   starter,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /measurements", h.handleSubmit)
	mux.HandleFunc("GET /status/{id}", h.handleStatus)
	mux.HandleFunc("GET /img/{id}", h.handleImage)

	return withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	})), nil
}

type handler struct {
	cfg Config

	store     measurement.Store
	artifacts artifactstore.Store
	starter   Starter
	limiter   *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_multipart_form",
		})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	image, err := readImageField(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_image",
		})
		return
	}
	startPoint, err := parsePointField(r, fieldStartPoint)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_start_point",
		})
		return
	}
	endPoint, err := parsePointField(r, fieldEndPoint)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_end_point",
		})
		return
	}

	id := h.cfg.NewID()
	ctx := r.Context()
	if err := h.artifacts.Allocate(ctx, id); err != nil {
		h.cfg.Log.Error("allocate artifact namespace", "measurement_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
		return
	}
	imagePath, err := h.artifacts.WriteImage(ctx, id, image)
	if err != nil {
		h.cfg.Log.Error("write image", "measurement_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
		return
	}

	m := measurement.Measurement{
		ID:         id,
		ImagePath:  imagePath,
		StartPoint: startPoint.Scale(),
		EndPoint:   endPoint.Scale(),
		Status:     measurement.StatusPending,
	}
	if err := h.store.Create(ctx, m); err != nil {
		h.cfg.Log.Error("create measurement", "measurement_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
		return
	}

	if err := h.starter.Start(id); err != nil {
		h.cfg.Log.Error("schedule measurement", "measurement_id", id, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "processing_unavailable",
		})
		return
	}

	h.cfg.Log.Info("measurement accepted", "measurement_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"measurement_id": id,
		"url":            strings.TrimRight(h.cfg.PublicBaseURL, "/") + "/status/" + id,
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	m, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, measurement.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "measurement_not_found",
			})
			return
		}
		h.cfg.Log.Error("load measurement", "measurement_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) handleImage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	data, err := h.artifacts.ReadImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, artifactstore.ErrNotFound) || errors.Is(err, artifactstore.ErrInvalidID) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "image_not_found",
			})
			return
		}
		h.cfg.Log.Error("read image", "measurement_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func readImageField(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile(fieldImage)
	if err != nil {
		return nil, fmt.Errorf("missing image field: %w", err)
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read image field: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

func parsePointField(r *http.Request, name string) (measurement.Point3D, error) {
	values, ok := r.MultipartForm.Value[name]
	if !ok || len(values) == 0 {
		return measurement.Point3D{}, fmt.Errorf("missing %s field", name)
	}
	var p measurement.Point3D
	dec := json.NewDecoder(strings.NewReader(values[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return measurement.Point3D{}, fmt.Errorf("parse %s: %w", name, err)
	}
	if !p.Finite() {
		return measurement.Point3D{}, fmt.Errorf("%s coordinates must be finite", name)
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// withCORS mirrors the permissive policy of the capture client backend. The
// API carries no credentials or cookies.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
