// Package api serves the transcript service's HTTP surface: the manual
// acquisition endpoint, health, version and metrics, alongside the webhook
// routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-transcripts/pkg/db"
	"github.com/otherjamesbrown/penf-transcripts/pkg/discovery"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/events"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
)

// Route paths.
const (
	TranscriptsPath = "/v1/transcripts/"
	ValidatePath    = "/webhooks/validate"
	HealthPath      = "/healthz"
	VersionPath     = "/version"
	MetricsPath     = "/metrics"
)

// RequestIDHeader carries the caller's request ID, echoed on the response.
const RequestIDHeader = "X-Request-ID"

const requestKindManual = "manual"

// Fetcher acquires canonical transcripts.
type Fetcher interface {
	FetchWithReport(ctx context.Context, meetingID string, authz discovery.Authorization) (*meeting.CanonicalTranscript, discovery.Report, error)
}

// HealthCheck reports the log database state.
type HealthCheck func(ctx context.Context) *db.HealthStatus

// RouterConfig lists the handlers mounted by NewRouter. Nil handlers are
// not mounted.
type RouterConfig struct {
	WebhookPath string
	Webhook     http.Handler
	Validate    http.Handler
	Transcripts http.Handler
	Metrics     http.Handler
	Health      http.Handler
}

// NewRouter mounts the service routes.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.Webhook != nil && cfg.WebhookPath != "" {
		mux.Handle(cfg.WebhookPath, cfg.Webhook)
	}
	if cfg.Validate != nil {
		mux.Handle(ValidatePath, cfg.Validate)
	}
	if cfg.Transcripts != nil {
		mux.Handle("GET "+TranscriptsPath+"{meetingID}", cfg.Transcripts)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET "+MetricsPath, cfg.Metrics)
	}
	if cfg.Health != nil {
		mux.Handle("GET "+HealthPath, cfg.Health)
	}
	mux.Handle("GET "+VersionPath, buildinfo.Handler())

	return mux
}

// errorBody is the JSON error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TranscriptHandler serves GET /v1/transcripts/{meetingID}. A bearer token
// selects delegated mode; otherwise the owner query parameter selects
// application mode.
type TranscriptHandler struct {
	fetcher Fetcher
	emitter events.Emitter
	metrics *observability.PipelineMetrics
	logger  logging.Logger
}

// TranscriptOption configures a TranscriptHandler.
type TranscriptOption func(*TranscriptHandler)

// WithEmitter publishes lifecycle events for manual acquisitions.
func WithEmitter(e events.Emitter) TranscriptOption {
	return func(h *TranscriptHandler) {
		h.emitter = e
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *observability.PipelineMetrics) TranscriptOption {
	return func(h *TranscriptHandler) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) TranscriptOption {
	return func(h *TranscriptHandler) {
		h.logger = l
	}
}

// NewTranscriptHandler creates a TranscriptHandler.
func NewTranscriptHandler(fetcher Fetcher, opts ...TranscriptOption) *TranscriptHandler {
	h := &TranscriptHandler{
		fetcher: fetcher,
		emitter: events.NopEmitter{},
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logging.F("component", "api"))
	return h
}

func (h *TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set(RequestIDHeader, requestID)

	meetingID := r.PathValue("meetingID")
	ctx := context.WithValue(r.Context(), logging.RequestIDKey, requestID)
	ctx = context.WithValue(ctx, logging.MeetingIDKey, meetingID)
	log := h.logger.WithContext(ctx)

	authz, err := authorizationFrom(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	record, report, err := h.fetcher.FetchWithReport(ctx, meetingID, authz)
	delegated := authz.Mode() == discovery.ModeDelegated
	if err != nil {
		code := pferrors.CodeOf(err)
		log.Warn("Manual acquisition failed",
			logging.F("mode", string(authz.Mode())),
			logging.F("stage", report.Stage),
			logging.F("error_code", string(code)),
			logging.Err(err),
		)
		if pubErr := h.emitter.TranscriptFailed(ctx, events.FailedParams{
			CorrelationID: requestID,
			MeetingID:     meetingID,
			Trigger:       events.TriggerManual,
			Delegated:     delegated,
			ErrorCode:     string(code),
			Stage:         report.Stage,
			PollAttempts:  report.PollAttempts,
			Elapsed:       report.Elapsed,
		}); pubErr != nil {
			log.Warn("Failed to publish failed event", logging.Err(pubErr))
		}
		h.writeError(w, err)
		return
	}

	log.Info("Manual acquisition complete",
		logging.F("mode", string(authz.Mode())),
		logging.F("entries", len(record.Transcript)),
		logging.F("poll_attempts", report.PollAttempts),
	)
	if pubErr := h.emitter.TranscriptAcquired(ctx, events.AcquiredParams{
		CorrelationID:   requestID,
		MeetingID:       meetingID,
		Trigger:         events.TriggerManual,
		Delegated:       delegated,
		MeetingType:     string(record.Type),
		DurationMinutes: record.DurationMinutes,
		EntryCount:      len(record.Transcript),
		AttendeeCount:   len(record.Attendees),
		PollAttempts:    report.PollAttempts,
		Elapsed:         report.Elapsed,
	}); pubErr != nil {
		log.Warn("Failed to publish acquired event", logging.Err(pubErr))
	}

	h.record("ok")
	writeJSON(w, http.StatusOK, record)
}

func (h *TranscriptHandler) writeError(w http.ResponseWriter, err error) {
	code := pferrors.CodeOf(err)
	status := pferrors.HTTPStatus(code)
	message := err.Error()
	if code == pferrors.CodeNotAvailable {
		message = pferrors.TranscriptNotAvailableHint
	}
	h.record(string(code))
	writeJSON(w, status, errorBody{Error: string(code), Message: message})
}

func (h *TranscriptHandler) record(status string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookRequest(requestKindManual, status)
	}
}

// authorizationFrom picks the acquisition mode for a request.
func authorizationFrom(r *http.Request) (discovery.Authorization, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return discovery.Authorization{}, pferrors.NewPipelineError(pferrors.CodeValidation, "", "authorization header must be a bearer token", pferrors.ErrValidation)
		}
		return discovery.Delegated(strings.TrimSpace(token)), nil
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return discovery.Application(owner), nil
	}
	return discovery.Authorization{}, pferrors.NewPipelineError(pferrors.CodeValidation, "", "a bearer token or an owner query parameter is required", pferrors.ErrValidation)
}

// healthBody is the /healthz response.
type healthBody struct {
	Status  string           `json:"status"`
	Service string           `json:"service"`
	Version string           `json:"version"`
	LogDB   *db.HealthStatus `json:"log_db,omitempty"`
}

// HealthHandler reports liveness. With a check it also reports the log
// database and answers 503 when it is unhealthy.
func HealthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := buildinfo.Get()
		body := healthBody{Status: "ok", Service: info.ServiceName, Version: info.Version}
		status := http.StatusOK
		if check != nil {
			body.LogDB = check(r.Context())
			if body.LogDB != nil && !body.LogDB.Healthy {
				body.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
