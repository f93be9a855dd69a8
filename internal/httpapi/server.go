package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pagebridge/pagebridge/internal/config"
	"github.com/pagebridge/pagebridge/internal/syncengine"
)

type ServerConfig struct {
	APIToken        string
	WebhookSecret   string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	cfg         ServerConfig
	ingestor    *syncengine.Ingestor
	backfill    *syncengine.BackfillService
	syncLog     *syncengine.SyncLog
	settings    *config.Provider
	factory     syncengine.ProviderClientFactory
	schemas     *schemaSet
	rateLimiter *rateLimiter
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

func NewServer(ingestor *syncengine.Ingestor, backfill *syncengine.BackfillService, syncLog *syncengine.SyncLog, settings *config.Provider, factory syncengine.ProviderClientFactory, cfg ServerConfig) *Server {
	if cfg.APIToken == "" {
		cfg.APIToken = "dev-token"
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "dev-webhook-secret"
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
		cfg:         cfg,
		ingestor:    ingestor,
		backfill:    backfill,
		syncLog:     syncLog,
		settings:    settings,
		factory:     factory,
		schemas:     newSchemaSet(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// Webhook endpoints authenticate through provider signatures, not
	// the API token.
	if r.URL.Path == "/v1/webhooks/notion" && r.Method == http.MethodPost {
		s.handleNotionWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/webhooks/gcal" && r.Method == http.MethodPost {
		s.handleGCalWebhook(w, r)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/setup/field-mapping" && r.Method == http.MethodGet:
		route = "mapping_get"
	case r.URL.Path == "/v1/setup/field-mapping" && r.Method == http.MethodPost:
		route = "mapping_set"
	case r.URL.Path == "/v1/setup/watch" && r.Method == http.MethodPost:
		route = "watch_register"
	case r.URL.Path == "/v1/sync/backfill" && r.Method == http.MethodGet:
		route = "backfill_progress"
	case r.URL.Path == "/v1/sync/backfill" && r.Method == http.MethodPost:
		route = "backfill_start"
	case r.URL.Path == "/v1/sync/log" && r.Method == http.MethodGet:
		route = "sync_log"
	case r.URL.Path == "/v1/sync/log/stream" && r.Method == http.MethodGet:
		route = "sync_log_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
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
	case "mapping_get":
		s.handleMappingGet(w, r, correlationID)
	case "mapping_set":
		s.handleMappingSet(w, r, correlationID)
	case "watch_register":
		s.handleWatchRegister(w, r, correlationID)
	case "backfill_progress":
		s.handleBackfillProgress(w, r, correlationID)
	case "backfill_start":
		s.handleBackfillStart(w, r, correlationID)
	case "sync_log":
		s.handleSyncLog(w, r, correlationID)
	case "sync_log_stream":
		s.handleSyncLogStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleNotionWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}

	// A new subscription is confirmed by echoing the one-off
	// verification token. It arrives before any signing secret exists,
	// so it skips the signature check.
	var handshake struct {
		VerificationToken string `json:"verification_token"`
	}
	if err := json.Unmarshal(body, &handshake); err == nil && handshake.VerificationToken != "" {
		writeJSON(w, http.StatusOK, map[string]string{"verificationToken": handshake.VerificationToken})
		return
	}

	if authErr := verifyNotionSignature(s.cfg.WebhookSecret, r.Header.Get("X-Notion-Signature"), body); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if err := validateBody(s.schemas.notionWebhook, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	var event syncengine.NotionWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.ingestor.IngestNotion(r.Context(), event); err != nil {
		if errors.Is(err, syncengine.ErrDuplicateMessage) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGCalWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	hdr := syncengine.GCalWebhookHeaders{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	}
	if hdr.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Goog-Channel-ID header", correlationID)
		return
	}
	if err := s.ingestor.IngestGCal(r.Context(), hdr); err != nil {
		switch {
		case errors.Is(err, syncengine.ErrUnknownChannel):
			writeError(w, http.StatusNotFound, "unknown_channel", err.Error(), correlationID)
		case errors.Is(err, syncengine.ErrDuplicateMessage):
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	if hdr.ResourceState == "sync" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleMappingGet(w http.ResponseWriter, r *http.Request, correlationID string) {
	mapping, err := s.settings.Mapping(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fieldMapping": mapping,
		"defaults":     syncengine.DefaultFieldMapping(),
	})
}

// handleMappingSet resolves the submitted mapping against the live
// database schema, creates any missing properties, and only then
// commits the mapping. A type conflict rejects the whole request so a
// half-applied mapping can never be stored.
func (s *Server) handleMappingSet(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.fieldMapping, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		FieldMapping syncengine.FieldMapping `json:"fieldMapping"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := req.FieldMapping.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	creds, err := s.settings.Notion(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	client := s.factory.Notion(creds)
	schema, err := client.GetDatabaseSchema(r.Context())
	if err != nil {
		writeProviderError(w, err, correlationID)
		return
	}
	plan, err := syncengine.ResolveMapping(req.FieldMapping, schema)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if len(plan.Conflicts) > 0 {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "mapping_conflict",
			"message":       "existing properties conflict with the requested mapping",
			"correlationId": correlationID,
			"conflicts":     plan.Conflicts,
		})
		return
	}
	for _, p := range plan.ToCreate {
		if err := client.CreateProperty(r.Context(), p.PropertyName, p.PropertyType); err != nil {
			writeProviderError(w, err, correlationID)
			return
		}
	}
	if err := s.settings.SetMapping(r.Context(), req.FieldMapping); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fieldMapping": req.FieldMapping,
		"created":      plan.ToCreate,
	})
}

func (s *Server) handleWatchRegister(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Address string `json:"address"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing address", correlationID)
		return
	}
	channel, err := s.ingestor.RegisterChannel(r.Context(), req.Address)
	if err != nil {
		writeProviderError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request, correlationID string) {
	progress, err := s.backfill.Progress(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		Fields []string `json:"fields"`
	}
	if len(body) > 0 {
		if err := validateBody(s.schemas.backfill, body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	progress, err := s.backfill.Start(r.Context(), req.Fields)
	if err != nil {
		var ve *syncengine.ValidationError
		switch {
		case errors.Is(err, syncengine.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "already_running", "a backfill is already in progress", correlationID)
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, progress)
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	entries, err := s.syncLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if entries == nil {
		entries = []syncengine.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// writeProviderError maps upstream provider failures onto API statuses.
func writeProviderError(w http.ResponseWriter, err error, correlationID string) {
	var rle *syncengine.RateLimitError
	var ve *syncengine.ValidationError
	switch {
	case errors.Is(err, syncengine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), correlationID)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "provider_error", err.Error(), correlationID)
	}
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
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
