// Package discovery resolves a meeting to its canonical transcript: it fetches
// the meeting, polls until a transcript exists, downloads the caption track,
// then parses and normalizes it.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/otherjamesbrown/penf-transcripts/pkg/auth"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/graph"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
	"github.com/otherjamesbrown/penf-transcripts/pkg/retry"
)

// Stages of one acquisition, in order.
const (
	StageFetchingMetadata = "fetching-metadata"
	StagePolling          = "polling-transcripts"
	StageFetchingContent  = "fetching-content"
	StageParsing          = "parsing"
	StageNormalizing      = "normalizing"
	StageDone             = "done"
)

// Transcript selection policies.
const (
	SelectFirst  = "first"
	SelectLatest = "latest"
)

// Mode is the authorization mode of an acquisition.
type Mode string

const (
	ModeApplication Mode = "application"
	ModeDelegated   Mode = "delegated"
)

// Authorization says whose meeting is fetched and with which token.
type Authorization struct {
	mode    Mode
	ownerID string
	token   string
}

// Application fetches ownerID's meeting with the service's own token.
func Application(ownerID string) Authorization {
	return Authorization{mode: ModeApplication, ownerID: ownerID}
}

// Delegated fetches one of the token owner's own meetings.
func Delegated(bearerToken string) Authorization {
	return Authorization{mode: ModeDelegated, token: bearerToken}
}

// Mode returns the authorization mode.
func (a Authorization) Mode() Mode {
	return a.mode
}

// GraphAPI is the remote platform surface used by discovery.
type GraphAPI interface {
	GetMeeting(ctx context.Context, scope graph.Scope, meetingID string) (*meeting.RawMeeting, error)
	ListTranscripts(ctx context.Context, scope graph.Scope, meetingID string) ([]meeting.TranscriptMetadata, error)
	GetTranscriptContent(ctx context.Context, scope graph.Scope, meetingID, transcriptID string) (graph.Content, error)
}

// Config configures discovery.
type Config struct {
	Poll      retry.Policy `yaml:"poll"`
	Selection string       `yaml:"selection"`
}

// DefaultConfig returns three attempts ten seconds apart, first transcript wins.
func DefaultConfig() Config {
	return Config{
		Poll:      retry.DefaultPolicy(),
		Selection: SelectFirst,
	}
}

// Report describes how an acquisition went.
type Report struct {
	Mode         Mode
	Stage        string
	PollAttempts int
	TranscriptID string
	Variant      string
	Elapsed      time.Duration
}

// Service performs transcript acquisitions. It keeps no state between calls
// and is safe for concurrent use.
type Service struct {
	api       GraphAPI
	appTokens auth.TokenProvider
	cfg       Config
	sleep     retry.Sleeper
	metrics   *observability.PipelineMetrics
	tracer    *observability.Tracer
	logger    logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSleeper replaces the real-time wait between polls.
func WithSleeper(s retry.Sleeper) Option {
	return func(svc *Service) {
		svc.sleep = s
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(svc *Service) {
		svc.metrics = m
	}
}

// WithTracer overrides the tracer built from the global provider.
func WithTracer(t *observability.Tracer) Option {
	return func(svc *Service) {
		svc.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(svc *Service) {
		svc.logger = l
	}
}

// NewService creates a Service. appTokens may be nil when only delegated
// acquisitions are made.
func NewService(api GraphAPI, appTokens auth.TokenProvider, cfg Config, opts ...Option) *Service {
	if cfg.Poll.MaxAttempts < 1 {
		cfg.Poll = retry.DefaultPolicy()
	}
	if cfg.Selection == "" {
		cfg.Selection = SelectFirst
	}

	svc := &Service{
		api:       api,
		appTokens: appTokens,
		cfg:       cfg,
		sleep:     retry.Sleep,
		tracer:    observability.NewTracer(),
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.logger = svc.logger.With(logging.F("component", "discovery"))
	return svc
}

// Fetch acquires the canonical transcript of meetingID.
func (s *Service) Fetch(ctx context.Context, meetingID string, authz Authorization) (*meeting.CanonicalTranscript, error) {
	record, _, err := s.FetchWithReport(ctx, meetingID, authz)
	return record, err
}

// FetchWithReport acquires the canonical transcript of meetingID and also
// reports how far the acquisition got. Errors are *errors.PipelineError
// values whose Stage is the stage that failed.
func (s *Service) FetchWithReport(ctx context.Context, meetingID string, authz Authorization) (*meeting.CanonicalTranscript, Report, error) {
	start := time.Now()
	report := Report{Mode: authz.mode, Stage: StageFetchingMetadata}

	ctx = context.WithValue(ctx, logging.MeetingIDKey, meetingID)
	ctx, span := s.tracer.StartFetchSpan(ctx, meetingID, string(authz.mode))
	defer span.End()
	spanHelper := observability.NewSpanHelper(span)
	log := s.logger.WithContext(ctx).With(logging.F("auth_mode", string(authz.mode)))

	record, err := s.fetch(ctx, meetingID, authz, &report, log)
	report.Elapsed = time.Since(start)
	spanHelper.SetPollAttempts(report.PollAttempts)

	if err != nil {
		pe := pferrors.ClassifyError(err, report.Stage)
		spanHelper.SetError(pe, string(pe.Code))
		s.recordFetch(authz.mode, string(pe.Code), report.PollAttempts)
		log.Warn("Transcript acquisition failed",
			logging.F("stage", report.Stage),
			logging.F("code", string(pe.Code)),
			logging.F("poll_attempts", report.PollAttempts),
			logging.Err(err))
		return nil, report, pe
	}

	report.Stage = StageDone
	spanHelper.SetResult(string(record.Type), len(record.Transcript))
	spanHelper.SetSuccess()
	s.recordFetch(authz.mode, "success", report.PollAttempts)
	log.Info("Transcript acquired",
		logging.F("transcript_id", report.TranscriptID),
		logging.F("content_variant", report.Variant),
		logging.F("entries", len(record.Transcript)),
		logging.F("poll_attempts", report.PollAttempts),
		logging.F("duration", report.Elapsed))

	return record, report, nil
}

func (s *Service) fetch(ctx context.Context, meetingID string, authz Authorization, report *Report, log logging.Logger) (*meeting.CanonicalTranscript, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("%w: meeting id is required", pferrors.ErrValidation)
	}

	scope, err := s.scope(ctx, authz)
	if err != nil {
		return nil, err
	}

	// fetching-metadata
	raw, err := timed(ctx, s, StageFetchingMetadata, func(ctx context.Context) (*meeting.RawMeeting, error) {
		return s.api.GetMeeting(ctx, scope, meetingID)
	})
	if err != nil {
		if pferrors.IsNotFound(err) {
			return nil, pferrors.NewPipelineError(pferrors.CodeNotFound, StageFetchingMetadata,
				"meeting not found", fmt.Errorf("%w: %s", pferrors.ErrMeetingNotFound, meetingID))
		}
		return nil, fmt.Errorf("fetch meeting: %w", err)
	}

	// polling-transcripts
	report.Stage = StagePolling
	transcripts, err := timed(ctx, s, StagePolling, func(ctx context.Context) ([]meeting.TranscriptMetadata, error) {
		return s.poll(ctx, scope, meetingID, authz.mode, report, log)
	})
	if err != nil {
		return nil, err
	}

	selected := selectTranscript(transcripts, s.cfg.Selection)
	report.TranscriptID = selected.ID

	// fetching-content
	report.Stage = StageFetchingContent
	text, err := timed(ctx, s, StageFetchingContent, func(ctx context.Context) (string, error) {
		content, err := s.api.GetTranscriptContent(ctx, scope, meetingID, selected.ID)
		if err != nil {
			return "", fmt.Errorf("fetch transcript content: %w", err)
		}
		report.Variant = variantName(content)
		if s.metrics != nil {
			s.metrics.RecordContentVariant(report.Variant)
		}
		return s.readContent(ctx, content, log)
	})
	if err != nil {
		return nil, err
	}

	// parsing
	report.Stage = StageParsing
	entries, err := timed(ctx, s, StageParsing, func(ctx context.Context) ([]meeting.TranscriptEntry, error) {
		return meeting.ParseCaptions(text)
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordEntries(len(entries))
	}

	// normalizing
	report.Stage = StageNormalizing
	return timed(ctx, s, StageNormalizing, func(ctx context.Context) (*meeting.CanonicalTranscript, error) {
		record := meeting.Normalize(raw, entries)
		if record.MeetingID == "" {
			record.MeetingID = meetingID
		}
		return record, nil
	})
}

// scope resolves the request path and token for an authorization.
func (s *Service) scope(ctx context.Context, authz Authorization) (graph.Scope, error) {
	switch authz.mode {
	case ModeApplication:
		if authz.ownerID == "" {
			return graph.Scope{}, fmt.Errorf("%w: resource owner id is required in application mode", pferrors.ErrValidation)
		}
		if s.appTokens == nil {
			return graph.Scope{}, fmt.Errorf("%w: application credentials are not configured", pferrors.ErrUnauthorized)
		}
		token, err := s.appTokens.Token(ctx)
		if err != nil {
			return graph.Scope{}, err
		}
		return graph.AppScope(authz.ownerID, token), nil
	case ModeDelegated:
		token, err := auth.StaticToken(authz.token).Token(ctx)
		if err != nil {
			return graph.Scope{}, err
		}
		return graph.DelegatedScope(token), nil
	default:
		return graph.Scope{}, fmt.Errorf("%w: unknown authorization mode %q", pferrors.ErrValidation, authz.mode)
	}
}

// poll lists transcripts until one exists or the attempts run out. A remote
// not-found while listing counts as an empty list.
func (s *Service) poll(ctx context.Context, scope graph.Scope, meetingID string, mode Mode, report *Report, log logging.Logger) ([]meeting.TranscriptMetadata, error) {
	var found []meeting.TranscriptMetadata

	attempts, err := retry.Poll(ctx, s.cfg.Poll, s.sleep, func(ctx context.Context, attempt int) (bool, error) {
		report.PollAttempts = attempt

		transcripts, err := s.api.ListTranscripts(ctx, scope, meetingID)
		if err != nil && !pferrors.IsNotFound(err) {
			return false, fmt.Errorf("list transcripts: %w", err)
		}

		result := "empty"
		if err != nil {
			result = "not_found"
		} else if len(transcripts) > 0 {
			result = "found"
			found = transcripts
		}
		if s.metrics != nil {
			s.metrics.RecordPollAttempt(string(mode), result)
		}

		if len(found) == 0 {
			log.Debug("No transcript yet",
				logging.F("attempt", attempt),
				logging.F("max_attempts", s.cfg.Poll.MaxAttempts),
				logging.F("result", result))
		}
		return len(found) > 0, nil
	})
	report.PollAttempts = attempts

	if errors.Is(err, retry.ErrExhausted) {
		return nil, pferrors.NewPipelineError(pferrors.CodeNotAvailable, StagePolling,
			pferrors.TranscriptNotAvailableHint, pferrors.ErrTranscriptNotAvailable)
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}

// readContent normalizes every content variant to text. Streams are drained
// completely before decoding.
func (s *Service) readContent(ctx context.Context, content graph.Content, log logging.Logger) (string, error) {
	var (
		data    []byte
		charset string
	)

	switch c := content.(type) {
	case graph.TextContent:
		return c.Text, nil
	case graph.BytesContent:
		data, charset = c.Data, c.Charset
	case graph.StreamContent:
		defer c.Body.Close()
		b, err := io.ReadAll(c.Body)
		if err != nil {
			return "", fmt.Errorf("read transcript stream: %w", err)
		}
		data, charset = b, c.Charset
	case graph.ChunkedContent:
		if c.Stop != nil {
			defer c.Stop()
		}
		b, err := drainChunks(ctx, c.Chunks)
		if err != nil {
			return "", fmt.Errorf("read transcript chunks: %w", err)
		}
		data, charset = b, c.Charset
	default:
		return "", fmt.Errorf("%w: unsupported content type %T", pferrors.ErrMalformedTranscript, content)
	}

	text, err := decodeText(data, charset)
	if err != nil {
		log.Warn("Transcript charset not decoded, using raw bytes",
			logging.F("charset", charset),
			logging.Err(err))
	}
	return text, nil
}

func drainChunks(ctx context.Context, chunks <-chan graph.Chunk) ([]byte, error) {
	var buf bytes.Buffer
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return buf.Bytes(), nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			buf.Write(chunk.Data)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// selectTranscript picks the transcript to download from a non-empty list.
// The default takes the first element as listed; "latest" takes the most
// recently created one, keeping list order for ties and unknown times.
func selectTranscript(transcripts []meeting.TranscriptMetadata, policy string) meeting.TranscriptMetadata {
	selected := transcripts[0]
	if policy != SelectLatest {
		return selected
	}
	for _, t := range transcripts[1:] {
		if t.CreatedDateTime == nil {
			continue
		}
		if selected.CreatedDateTime == nil || t.CreatedDateTime.After(selected.CreatedDateTime.Time) {
			selected = t
		}
	}
	return selected
}

func variantName(c graph.Content) string {
	switch c.(type) {
	case graph.TextContent:
		return "text"
	case graph.BytesContent:
		return "bytes"
	case graph.StreamContent:
		return "stream"
	case graph.ChunkedContent:
		return "chunked"
	default:
		return "unknown"
	}
}

func (s *Service) recordFetch(mode Mode, outcome string, attempts int) {
	if s.metrics != nil {
		s.metrics.RecordFetch(string(mode), outcome, attempts)
	}
}

// timed runs one stage inside its own span and records its latency.
func timed[T any](ctx context.Context, s *Service, stage string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, span := s.tracer.StartStageSpan(ctx, stage)
	defer span.End()

	result, err := fn(ctx)
	if s.metrics != nil {
		s.metrics.RecordStageLatency(stage, time.Since(start).Seconds())
	}
	if err != nil {
		observability.NewSpanHelper(span).SetError(err, string(pferrors.CodeOf(err)))
	}
	return result, err
}
