package discovery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/otherjamesbrown/penf-transcripts/pkg/auth"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/graph"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
	"github.com/otherjamesbrown/penf-transcripts/pkg/retry"
)

const sampleVTT = "WEBVTT\n\n00:00:05.000 --> 00:00:10.000\n<v John Smith>Good morning everyone, let's start the daily standup.</v>\n"

// MockGraphAPI is a mock implementation of GraphAPI.
type MockGraphAPI struct {
	mock.Mock
}

func (m *MockGraphAPI) GetMeeting(ctx context.Context, scope graph.Scope, meetingID string) (*meeting.RawMeeting, error) {
	args := m.Called(ctx, scope, meetingID)
	if v := args.Get(0); v != nil {
		return v.(*meeting.RawMeeting), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGraphAPI) ListTranscripts(ctx context.Context, scope graph.Scope, meetingID string) ([]meeting.TranscriptMetadata, error) {
	args := m.Called(ctx, scope, meetingID)
	if v := args.Get(0); v != nil {
		return v.([]meeting.TranscriptMetadata), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGraphAPI) GetTranscriptContent(ctx context.Context, scope graph.Scope, meetingID, transcriptID string) (graph.Content, error) {
	args := m.Called(ctx, scope, meetingID, transcriptID)
	if v := args.Get(0); v != nil {
		return v.(graph.Content), args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingSleeper records poll waits without sleeping.
type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func rawMeeting() *meeting.RawMeeting {
	start := meeting.GraphTime{Time: time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC)}
	end := meeting.GraphTime{Time: time.Date(2026, 2, 4, 9, 15, 0, 0, time.UTC)}
	return &meeting.RawMeeting{
		ID:            "m-1",
		Subject:       "Daily Standup",
		StartDateTime: &start,
		EndDateTime:   &end,
		Attendees: []meeting.RawAttendee{
			{EmailAddress: &meeting.EmailAddress{Name: "John Smith", Address: "john@example.com"}},
			{EmailAddress: &meeting.EmailAddress{Name: "Guest"}},
		},
	}
}

func transcriptList(ids ...string) []meeting.TranscriptMetadata {
	list := make([]meeting.TranscriptMetadata, 0, len(ids))
	for _, id := range ids {
		list = append(list, meeting.TranscriptMetadata{ID: id})
	}
	return list
}

var appScope = graph.AppScope("owner-1", "app-token")

func newTestService(api GraphAPI, sleeper *recordingSleeper, cfg Config, opts ...Option) *Service {
	opts = append([]Option{
		WithSleeper(sleeper.Sleep),
		WithTracer(observability.NewTracerFromProvider(noop.NewTracerProvider())),
	}, opts...)
	return NewService(api, auth.StaticToken("app-token"), cfg, opts...)
}

func TestFetch_SucceedsOnThirdPoll(t *testing.T) {
	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(transcriptList(), nil).Twice()
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(transcriptList("t-1"), nil).Once()
	api.On("GetTranscriptContent", mock.Anything, appScope, "m-1", "t-1").Return(graph.TextContent{Text: sampleVTT}, nil)

	sleeper := &recordingSleeper{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewPipelineMetrics(reg)
	svc := newTestService(api, sleeper, DefaultConfig(), WithMetrics(metrics))

	record, report, err := svc.FetchWithReport(context.Background(), "m-1", Application("owner-1"))
	require.NoError(t, err)

	api.AssertNumberOfCalls(t, "ListTranscripts", 3)
	api.AssertExpectations(t)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeper.waits)

	assert.Equal(t, 3, report.PollAttempts)
	assert.Equal(t, StageDone, report.Stage)
	assert.Equal(t, "t-1", report.TranscriptID)
	assert.Equal(t, "text", report.Variant)

	assert.Equal(t, "m-1", record.MeetingID)
	assert.Equal(t, meeting.MeetingTypeDaily, record.Type)
	assert.Equal(t, 15, record.DurationMinutes)
	assert.Equal(t, []meeting.Attendee{
		{Name: "John Smith", Email: "john@example.com"},
		{Name: "Guest", Email: meeting.UnknownEmail},
	}, record.Attendees)
	require.Len(t, record.Transcript, 1)
	assert.Equal(t, meeting.TranscriptEntry{
		Timestamp: "00:00:05.000",
		Speaker:   "John Smith",
		Text:      "Good morning everyone, let's start the daily standup.",
	}, record.Transcript[0])

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PollAttemptsTotal.WithLabelValues("application", "empty")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FetchesTotal.WithLabelValues("application", "success")))
}

func TestFetch_NotAvailableAfterConfiguredAttempts(t *testing.T) {
	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(transcriptList(), nil)

	sleeper := &recordingSleeper{}
	cfg := Config{Poll: retry.FixedDelay(4, 2*time.Second)}
	svc := newTestService(api, sleeper, cfg)

	record, report, err := svc.FetchWithReport(context.Background(), "m-1", Application("owner-1"))
	require.Error(t, err)
	assert.Nil(t, record)

	api.AssertNumberOfCalls(t, "ListTranscripts", 4)
	api.AssertNotCalled(t, "GetTranscriptContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Len(t, sleeper.waits, 3)
	assert.Equal(t, 4, report.PollAttempts)

	assert.True(t, pferrors.IsNotAvailable(err))
	var pe *pferrors.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, pferrors.CodeNotAvailable, pe.Code)
	assert.Equal(t, StagePolling, pe.Stage)
	assert.Contains(t, pe.Message, "not enabled")
	assert.Contains(t, pe.Message, "still being processed")
	assert.Contains(t, pe.Message, "lacks permission")
}

func TestFetch_ListNotFoundCountsAsEmpty(t *testing.T) {
	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(nil, &graph.APIError{StatusCode: http.StatusNotFound}).Once()
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(transcriptList("t-1"), nil).Once()
	api.On("GetTranscriptContent", mock.Anything, appScope, "m-1", "t-1").Return(graph.TextContent{Text: sampleVTT}, nil)

	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())

	record, err := svc.Fetch(context.Background(), "m-1", Application("owner-1"))
	require.NoError(t, err)
	assert.Len(t, record.Transcript, 1)
	api.AssertNumberOfCalls(t, "ListTranscripts", 2)
}

func TestFetch_ListErrorStopsPolling(t *testing.T) {
	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(nil, &graph.APIError{StatusCode: http.StatusForbidden, Message: "denied"})

	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())

	_, err := svc.Fetch(context.Background(), "m-1", Application("owner-1"))
	require.Error(t, err)
	assert.True(t, pferrors.IsForbidden(err))
	assert.Equal(t, pferrors.CodeForbidden, pferrors.CodeOf(err))
	api.AssertNumberOfCalls(t, "ListTranscripts", 1)
}

func TestFetch_MeetingNotFound(t *testing.T) {
	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, graph.DelegatedScope("user-token"), "missing").
		Return(nil, &graph.APIError{StatusCode: http.StatusNotFound, Code: "NotFound", Message: "raw transport text"})

	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())

	_, err := svc.Fetch(context.Background(), "missing", Delegated("user-token"))
	require.Error(t, err)

	assert.ErrorIs(t, err, pferrors.ErrMeetingNotFound)
	assert.NotContains(t, err.Error(), "raw transport text")

	var pe *pferrors.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, pferrors.CodeNotFound, pe.Code)
	assert.Equal(t, StageFetchingMetadata, pe.Stage)
	api.AssertNotCalled(t, "ListTranscripts", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_MetadataTransportErrorPropagates(t *testing.T) {
	api := new(MockGraphAPI)
	upstream := &graph.APIError{StatusCode: http.StatusBadGateway, Message: "upstream"}
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(nil, upstream)

	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())

	_, err := svc.Fetch(context.Background(), "m-1", Application("owner-1"))
	require.Error(t, err)

	var apiErr *graph.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Same(t, upstream, apiErr)
	assert.Equal(t, pferrors.CodeTransport, pferrors.CodeOf(err))
}

func TestFetch_AuthorizationValidation(t *testing.T) {
	api := new(MockGraphAPI)
	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())

	_, err := svc.Fetch(context.Background(), "m-1", Application(""))
	assert.True(t, pferrors.IsValidation(err))

	_, err = svc.Fetch(context.Background(), "m-1", Delegated(""))
	assert.True(t, pferrors.IsUnauthorized(err))

	_, err = svc.Fetch(context.Background(), "", Delegated("tok"))
	assert.True(t, pferrors.IsValidation(err))

	noApp := NewService(api, nil, DefaultConfig())
	_, err = noApp.Fetch(context.Background(), "m-1", Application("owner-1"))
	assert.True(t, pferrors.IsUnauthorized(err))

	api.AssertNotCalled(t, "GetMeeting", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_ContentVariantsProduceSameRecord(t *testing.T) {
	chunked := func() graph.Content {
		ch := make(chan graph.Chunk, 3)
		ch <- graph.Chunk{Data: []byte(sampleVTT[:10])}
		ch <- graph.Chunk{Data: []byte(sampleVTT[10:40])}
		ch <- graph.Chunk{Data: []byte(sampleVTT[40:])}
		close(ch)
		return graph.ChunkedContent{Chunks: ch, Stop: func() {}}
	}

	variants := map[string]func() graph.Content{
		"text":    func() graph.Content { return graph.TextContent{Text: sampleVTT} },
		"bytes":   func() graph.Content { return graph.BytesContent{Data: append([]byte{0xEF, 0xBB, 0xBF}, sampleVTT...)} },
		"stream":  func() graph.Content { return graph.StreamContent{Body: io.NopCloser(strings.NewReader(sampleVTT))} },
		"chunked": chunked,
	}

	var baseline *meeting.CanonicalTranscript
	for name, content := range variants {
		t.Run(name, func(t *testing.T) {
			api := new(MockGraphAPI)
			api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
			api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(transcriptList("t-1"), nil)
			api.On("GetTranscriptContent", mock.Anything, appScope, "m-1", "t-1").Return(content(), nil)

			svc := newTestService(api, &recordingSleeper{}, DefaultConfig())
			record, report, err := svc.FetchWithReport(context.Background(), "m-1", Application("owner-1"))
			require.NoError(t, err)
			assert.Equal(t, name, report.Variant)
			require.Len(t, record.Transcript, 1)
			assert.Equal(t, "John Smith", record.Transcript[0].Speaker)

			if baseline == nil {
				baseline = record
			} else {
				assert.Equal(t, baseline, record)
			}
		})
	}
}

func TestFetch_ChunkErrorIsTransport(t *testing.T) {
	ch := make(chan graph.Chunk, 2)
	ch <- graph.Chunk{Data: []byte("WEBVTT\n")}
	ch <- graph.Chunk{Err: errors.New("connection reset")}
	close(ch)

	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return(transcriptList("t-1"), nil)
	api.On("GetTranscriptContent", mock.Anything, appScope, "m-1", "t-1").Return(graph.ChunkedContent{Chunks: ch}, nil)

	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())
	_, err := svc.Fetch(context.Background(), "m-1", Application("owner-1"))
	require.Error(t, err)

	var pe *pferrors.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, pferrors.CodeTransport, pe.Code)
	assert.Equal(t, StageFetchingContent, pe.Stage)
}

func TestFetch_DelegatedAndApplicationShapesMatch(t *testing.T) {
	delegated := graph.DelegatedScope("user-token")

	api := new(MockGraphAPI)
	for _, scope := range []graph.Scope{appScope, delegated} {
		api.On("GetMeeting", mock.Anything, scope, "m-1").Return(rawMeeting(), nil)
		api.On("ListTranscripts", mock.Anything, scope, "m-1").Return(transcriptList("t-1"), nil)
	}
	api.On("GetTranscriptContent", mock.Anything, appScope, "m-1", "t-1").Return(graph.TextContent{Text: sampleVTT}, nil)
	api.On("GetTranscriptContent", mock.Anything, delegated, "m-1", "t-1").
		Return(graph.StreamContent{Body: io.NopCloser(strings.NewReader(sampleVTT))}, nil)

	svc := newTestService(api, &recordingSleeper{}, DefaultConfig())

	appRecord, err := svc.Fetch(context.Background(), "m-1", Application("owner-1"))
	require.NoError(t, err)
	userRecord, err := svc.Fetch(context.Background(), "m-1", Delegated("user-token"))
	require.NoError(t, err)

	assert.Equal(t, appRecord, userRecord)
	api.AssertExpectations(t)
}

func TestFetch_LatestSelection(t *testing.T) {
	older := meeting.GraphTime{Time: time.Date(2026, 2, 4, 9, 20, 0, 0, time.UTC)}
	newer := meeting.GraphTime{Time: time.Date(2026, 2, 4, 9, 40, 0, 0, time.UTC)}

	api := new(MockGraphAPI)
	api.On("GetMeeting", mock.Anything, appScope, "m-1").Return(rawMeeting(), nil)
	api.On("ListTranscripts", mock.Anything, appScope, "m-1").Return([]meeting.TranscriptMetadata{
		{ID: "t-old", CreatedDateTime: &older},
		{ID: "t-new", CreatedDateTime: &newer},
		{ID: "t-unknown"},
	}, nil)
	api.On("GetTranscriptContent", mock.Anything, appScope, "m-1", "t-new").Return(graph.TextContent{Text: sampleVTT}, nil)

	svc := newTestService(api, &recordingSleeper{}, Config{Poll: retry.DefaultPolicy(), Selection: SelectLatest})

	_, report, err := svc.FetchWithReport(context.Background(), "m-1", Application("owner-1"))
	require.NoError(t, err)
	assert.Equal(t, "t-new", report.TranscriptID)
}

func TestSelectTranscript_FirstByDefault(t *testing.T) {
	newer := meeting.GraphTime{Time: time.Now()}
	list := []meeting.TranscriptMetadata{{ID: "a"}, {ID: "b", CreatedDateTime: &newer}}

	assert.Equal(t, "a", selectTranscript(list, SelectFirst).ID)
	assert.Equal(t, "a", selectTranscript(list, "").ID)
	assert.Equal(t, "b", selectTranscript(list, SelectLatest).ID)
}

func TestDecodeText(t *testing.T) {
	text, err := decodeText([]byte{'c', 'a', 'f', 0xe9}, "ISO-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	text, err = decodeText([]byte{0xFF, 0xFE, 'h', 0, 'i', 0}, "utf-16")
	require.NoError(t, err)
	assert.Equal(t, "hi", text)

	text, err = decodeText([]byte("\xEF\xBB\xBFWEBVTT"), "")
	require.NoError(t, err)
	assert.Equal(t, "WEBVTT", text)

	text, err = decodeText([]byte("WEBVTT"), "x-made-up")
	assert.Error(t, err)
	assert.Equal(t, "WEBVTT", text)
}
