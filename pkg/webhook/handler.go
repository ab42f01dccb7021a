// Package webhook receives change notifications from the conferencing
// platform and hands each one to a background transcript fetch.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/penf-transcripts/pkg/discovery"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/events"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
	"github.com/otherjamesbrown/penf-transcripts/pkg/retry"
	"github.com/otherjamesbrown/penf-transcripts/pkg/workers"
)

// DefaultSettleDelay is how long a notification waits before the first
// transcript lookup.
const DefaultSettleDelay = 30 * time.Second

// maxBodyBytes bounds a notification batch.
const maxBodyBytes = 1 << 20

// ValidationParam is the query parameter carrying a subscription
// validation token.
const ValidationParam = "validationToken"

// Change types that trigger a fetch.
const (
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// Notification outcomes recorded as metrics.
const (
	outcomeFetched            = "fetched"
	outcomeFailed             = "failed"
	outcomeIgnored            = "ignored"
	outcomeInvalid            = "invalid"
	outcomeClientStateInvalid = "client_state_mismatch"
)

var (
	meetingIDPattern = regexp.MustCompile(`(?i)onlineMeetings(?:\('([^']+)'\)|/([^/?(]+))`)
	ownerIDPattern   = regexp.MustCompile(`(?i)users(?:\('([^']+)'\)|/([^/?(]+))`)
)

// Fetcher acquires a transcript for a meeting.
type Fetcher interface {
	FetchWithReport(ctx context.Context, meetingID string, authz discovery.Authorization) (*meeting.CanonicalTranscript, discovery.Report, error)
}

// Submitter runs detached background work.
type Submitter interface {
	Submit(name string, fn workers.Task) (string, error)
}

// Config configures a Handler.
type Config struct {
	// ClientState, when set, must match each notification's clientState.
	ClientState string
	SettleDelay time.Duration
}

// Notification is a single change notification.
type Notification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ChangeType     string       `json:"changeType"`
	ClientState    string       `json:"clientState"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
	TenantID       string       `json:"tenantId"`
}

// ResourceData identifies the changed resource.
type ResourceData struct {
	ODataID   string `json:"@odata.id"`
	ODataType string `json:"@odata.type"`
	ID        string `json:"id"`
}

type batch struct {
	Value []Notification `json:"value"`
}

// Handler serves the notification endpoint.
type Handler struct {
	fetcher   Fetcher
	submitter Submitter
	cfg       Config
	sleep     retry.Sleeper
	emitter   events.Emitter
	metrics   *observability.PipelineMetrics
	logger    logging.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithSleeper replaces the real-time settle wait.
func WithSleeper(s retry.Sleeper) Option {
	return func(h *Handler) {
		h.sleep = s
	}
}

// WithEmitter publishes lifecycle events.
func WithEmitter(e events.Emitter) Option {
	return func(h *Handler) {
		h.emitter = e
	}
}

// WithMetrics records webhook and notification metrics.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a Handler.
func NewHandler(fetcher Fetcher, submitter Submitter, cfg Config, opts ...Option) *Handler {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	h := &Handler{
		fetcher:   fetcher,
		submitter: submitter,
		cfg:       cfg,
		sleep:     retry.Sleep,
		emitter:   events.NopEmitter{},
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logging.F("component", "webhook"))
	return h
}

// ServeHTTP answers validation handshakes and accepts notification batches.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if values, ok := r.URL.Query()[ValidationParam]; ok {
		h.validate(w, firstOf(values))
		return
	}

	if r.Method != http.MethodPost {
		h.recordRequest("notification", "method_not_allowed")
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body batch
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		h.logger.Warn("Rejected undecodable notification batch", logging.Err(err))
		h.recordRequest("notification", "invalid")
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}
	if len(body.Value) == 0 {
		h.recordRequest("notification", "empty")
		http.Error(w, "no notifications", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.recordRequest("notification", "accepted")

	for _, n := range body.Value {
		notificationID := uuid.New().String()
		_, err := h.submitter.Submit("notification", func(ctx context.Context) error {
			return h.process(ctx, notificationID, n)
		})
		if err != nil {
			h.logger.Error("Failed to schedule notification",
				logging.F("notification_id", notificationID),
				logging.F("subscription_id", n.SubscriptionID),
				logging.Err(err),
			)
		}
	}
}

// ValidateHandler serves a dedicated validation route, where a missing
// token is an error.
func (h *Handler) ValidateHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.validate(w, r.URL.Query().Get(ValidationParam))
	})
}

func (h *Handler) validate(w http.ResponseWriter, token string) {
	if token == "" {
		h.recordRequest("validation", "missing_token")
		http.Error(w, "missing validation token", http.StatusBadRequest)
		return
	}
	h.recordRequest("validation", "ok")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, token)
}

// process handles one notification. Errors are returned to the dispatcher
// for logging only.
func (h *Handler) process(ctx context.Context, notificationID string, n Notification) error {
	ctx = context.WithValue(ctx, logging.NotificationIDKey, notificationID)
	log := h.logger.WithContext(ctx).With(
		logging.F("subscription_id", n.SubscriptionID),
		logging.F("change_type", n.ChangeType),
	)

	if h.cfg.ClientState != "" &&
		subtle.ConstantTimeCompare([]byte(h.cfg.ClientState), []byte(n.ClientState)) != 1 {
		log.Warn("Discarded notification with mismatched client state")
		h.recordNotification(n.ChangeType, outcomeClientStateInvalid)
		return nil
	}

	meetingID := MeetingIDFromResource(n.Resource)
	ownerID := OwnerIDFromODataID(n.ResourceData.ODataID)
	if meetingID == "" || ownerID == "" {
		log.Warn("Abandoned notification without meeting or owner",
			logging.F("resource", n.Resource),
			logging.F("odata_id", n.ResourceData.ODataID),
		)
		h.recordNotification(n.ChangeType, outcomeInvalid)
		return nil
	}

	ctx = context.WithValue(ctx, logging.MeetingIDKey, meetingID)
	log = log.WithContext(ctx).With(logging.F("owner_id", ownerID))

	if err := h.emitter.NotificationReceived(ctx, events.NotificationParams{
		NotificationID: notificationID,
		ChangeType:     n.ChangeType,
		MeetingID:      meetingID,
		OwnerID:        ownerID,
		SubscriptionID: n.SubscriptionID,
	}); err != nil {
		log.Warn("Failed to publish notification event", logging.Err(err))
	}

	if n.ChangeType != ChangeUpdated && n.ChangeType != ChangeDeleted {
		log.Debug("Ignored notification change type")
		h.recordNotification(n.ChangeType, outcomeIgnored)
		return nil
	}

	log.Info("Processing notification", logging.F("settle_delay", h.cfg.SettleDelay))
	if err := h.sleep(ctx, h.cfg.SettleDelay); err != nil {
		h.recordNotification(n.ChangeType, outcomeFailed)
		return err
	}

	record, report, err := h.fetcher.FetchWithReport(ctx, meetingID, discovery.Application(ownerID))
	if err != nil {
		code := pferrors.CodeOf(err)
		log.Error("Transcript acquisition failed",
			logging.F("code", string(code)),
			logging.F("stage", report.Stage),
			logging.F("poll_attempts", report.PollAttempts),
			logging.Err(err),
		)
		h.recordNotification(n.ChangeType, outcomeFailed)
		if pubErr := h.emitter.TranscriptFailed(ctx, events.FailedParams{
			CorrelationID: notificationID,
			MeetingID:     meetingID,
			Trigger:       events.TriggerNotification,
			ErrorCode:     string(code),
			Stage:         report.Stage,
			PollAttempts:  report.PollAttempts,
			Elapsed:       report.Elapsed,
		}); pubErr != nil {
			log.Warn("Failed to publish failure event", logging.Err(pubErr))
		}
		return err
	}

	log.Info("Transcript acquired",
		logging.F("meeting_type", string(record.Type)),
		logging.F("entries", len(record.Transcript)),
		logging.F("attendees", len(record.Attendees)),
		logging.F("duration_minutes", record.DurationMinutes),
		logging.F("poll_attempts", report.PollAttempts),
	)
	h.recordNotification(n.ChangeType, outcomeFetched)
	if err := h.emitter.TranscriptAcquired(ctx, events.AcquiredParams{
		CorrelationID:   notificationID,
		MeetingID:       meetingID,
		Trigger:         events.TriggerNotification,
		MeetingType:     string(record.Type),
		DurationMinutes: record.DurationMinutes,
		EntryCount:      len(record.Transcript),
		AttendeeCount:   len(record.Attendees),
		PollAttempts:    report.PollAttempts,
		Elapsed:         report.Elapsed,
	}); err != nil {
		log.Warn("Failed to publish acquired event", logging.Err(err))
	}
	return nil
}

func (h *Handler) recordRequest(kind, status string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookRequest(kind, status)
	}
}

func (h *Handler) recordNotification(changeType, outcome string) {
	if h.metrics != nil {
		h.metrics.RecordNotification(changeType, outcome)
	}
}

// MeetingIDFromResource extracts the meeting ID from a resource path such as
// "users/u/onlineMeetings/m" or "users('u')/onlineMeetings('m')".
func MeetingIDFromResource(resource string) string {
	return capture(meetingIDPattern, resource)
}

// OwnerIDFromODataID extracts the user ID from a resource's @odata.id.
func OwnerIDFromODataID(odataID string) string {
	return capture(ownerIDPattern, odataID)
}

func capture(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	id := m[1]
	if id == "" {
		id = m[2]
	}
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	return id
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

