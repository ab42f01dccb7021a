package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-transcripts/pkg/discovery"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/events"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
	"github.com/otherjamesbrown/penf-transcripts/pkg/workers"
)

// MockFetcher is a mock implementation of Fetcher.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchWithReport(ctx context.Context, meetingID string, authz discovery.Authorization) (*meeting.CanonicalTranscript, discovery.Report, error) {
	args := m.Called(ctx, meetingID, authz)
	var record *meeting.CanonicalTranscript
	if v := args.Get(0); v != nil {
		record = v.(*meeting.CanonicalTranscript)
	}
	return record, args.Get(1).(discovery.Report), args.Error(2)
}

// queueSubmitter collects tasks so tests can run them explicitly.
type queueSubmitter struct {
	mu    sync.Mutex
	tasks []workers.Task
	err   error
}

func (q *queueSubmitter) Submit(name string, fn workers.Task) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, fn)
	return "task", nil
}

func (q *queueSubmitter) runAll(t *testing.T) []error {
	t.Helper()
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	errs := make([]error, 0, len(tasks))
	for _, task := range tasks {
		errs = append(errs, task(context.Background()))
	}
	return errs
}

// recordingEmitter captures published lifecycle events.
type recordingEmitter struct {
	mu       sync.Mutex
	received []events.NotificationParams
	acquired []events.AcquiredParams
	failed   []events.FailedParams
}

func (e *recordingEmitter) NotificationReceived(_ context.Context, p events.NotificationParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, p)
	return nil
}

func (e *recordingEmitter) TranscriptAcquired(_ context.Context, p events.AcquiredParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquired = append(e.acquired, p)
	return nil
}

func (e *recordingEmitter) TranscriptFailed(_ context.Context, p events.FailedParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, p)
	return nil
}

func (e *recordingEmitter) Close() error { return nil }

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

const notificationBody = `{"value":[{
	"subscriptionId":"sub-1",
	"changeType":"updated",
	"clientState":"secret",
	"resource":"users/owner-1/onlineMeetings/meeting-1",
	"resourceData":{"@odata.id":"users/owner-1/onlineMeetings/meeting-1","@odata.type":"#Microsoft.Graph.onlineMeeting","id":"meeting-1"},
	"tenantId":"tenant-1"
}]}`

func sampleRecord() *meeting.CanonicalTranscript {
	return &meeting.CanonicalTranscript{
		MeetingID:       "meeting-1",
		Title:           "Daily Standup",
		Type:            meeting.MeetingTypeDaily,
		DurationMinutes: 15,
		Attendees:       []meeting.Attendee{{Name: "Ann", Email: "ann@example.com"}},
		Transcript:      []meeting.TranscriptEntry{{Timestamp: "00:00:05.000", Speaker: "John Smith", Text: "Good morning everyone."}},
	}
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/transcripts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_Validation(t *testing.T) {
	h := NewHandler(&MockFetcher{}, &queueSubmitter{}, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/transcripts?validationToken=abc%20123", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "abc 123", rec.Body.String())
}

func TestServeHTTP_EmptyValidationToken(t *testing.T) {
	h := NewHandler(&MockFetcher{}, &queueSubmitter{}, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/transcripts?validationToken=", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateHandler_MissingToken(t *testing.T) {
	h := NewHandler(&MockFetcher{}, &queueSubmitter{}, Config{})

	rec := httptest.NewRecorder()
	h.ValidateHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/validate", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ValidateHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/validate?validationToken=tok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok", rec.Body.String())
}

func TestServeHTTP_RejectsBadBatches(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "value=1"},
		{"missing value", `{}`},
		{"empty value", `{"value":[]}`},
		{"wrong shape", `{"value":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			submitter := &queueSubmitter{}
			h := NewHandler(&MockFetcher{}, submitter, Config{})

			rec := post(h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, submitter.tasks)
		})
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h := NewHandler(&MockFetcher{}, &queueSubmitter{}, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/transcripts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// blockingFetcher holds every fetch until release is closed.
type blockingFetcher struct {
	started chan string
	release chan struct{}
}

func (f *blockingFetcher) FetchWithReport(ctx context.Context, meetingID string, _ discovery.Authorization) (*meeting.CanonicalTranscript, discovery.Report, error) {
	f.started <- meetingID
	<-f.release
	return sampleRecord(), discovery.Report{PollAttempts: 1}, nil
}

func TestServeHTTP_AcknowledgesBeforeFetching(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan string, 1), release: make(chan struct{})}
	dispatcher := workers.NewDispatcher(nil, logging.NewNopLogger())
	sleeper := &sleepRecorder{}
	h := NewHandler(fetcher, dispatcher, Config{SettleDelay: time.Minute}, WithSleeper(sleeper.sleep))

	rec := post(h, notificationBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case id := <-fetcher.started:
		assert.Equal(t, "meeting-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch was never started")
	}

	close(fetcher.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Shutdown(ctx))
	assert.Equal(t, int64(1), dispatcher.Stats().Processed)
}

func TestProcess_FetchesInApplicationMode(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "meeting-1", discovery.Application("owner-1")).
		Return(sampleRecord(), discovery.Report{Mode: discovery.ModeApplication, PollAttempts: 2}, nil).Once()

	submitter := &queueSubmitter{}
	sleeper := &sleepRecorder{}
	emitter := &recordingEmitter{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewPipelineMetrics(reg)

	h := NewHandler(fetcher, submitter, Config{ClientState: "secret", SettleDelay: DefaultSettleDelay},
		WithSleeper(sleeper.sleep), WithEmitter(emitter), WithMetrics(metrics))

	require.Equal(t, http.StatusAccepted, post(h, notificationBody).Code)
	errs := submitter.runAll(t)
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0])

	fetcher.AssertExpectations(t)
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, sleeper.waits)

	require.Len(t, emitter.received, 1)
	assert.Equal(t, "owner-1", emitter.received[0].OwnerID)
	require.Len(t, emitter.acquired, 1)
	assert.Equal(t, "meeting-1", emitter.acquired[0].MeetingID)
	assert.Equal(t, events.TriggerNotification, emitter.acquired[0].Trigger)
	assert.Equal(t, 1, emitter.acquired[0].EntryCount)
	assert.Equal(t, 2, emitter.acquired[0].PollAttempts)
	assert.Equal(t, emitter.received[0].NotificationID, emitter.acquired[0].CorrelationID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("updated", outcomeFetched)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WebhookRequestsTotal.WithLabelValues("notification", "accepted")))
}

func TestProcess_ClientStateMismatch(t *testing.T) {
	fetcher := &MockFetcher{}
	submitter := &queueSubmitter{}
	emitter := &recordingEmitter{}
	metrics := observability.NewPipelineMetrics(prometheus.NewRegistry())

	h := NewHandler(fetcher, submitter, Config{ClientState: "other"},
		WithSleeper((&sleepRecorder{}).sleep), WithEmitter(emitter), WithMetrics(metrics))

	require.Equal(t, http.StatusAccepted, post(h, notificationBody).Code)
	errs := submitter.runAll(t)
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0])

	fetcher.AssertNotCalled(t, "FetchWithReport", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, emitter.received)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("updated", outcomeClientStateInvalid)))
}

func TestProcess_NoClientStateConfigured(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "meeting-1", mock.Anything).
		Return(sampleRecord(), discovery.Report{}, nil).Once()
	submitter := &queueSubmitter{}

	h := NewHandler(fetcher, submitter, Config{}, WithSleeper((&sleepRecorder{}).sleep))

	require.Equal(t, http.StatusAccepted, post(h, notificationBody).Code)
	submitter.runAll(t)
	fetcher.AssertExpectations(t)
}

func TestProcess_ChangeTypeFilter(t *testing.T) {
	tests := []struct {
		changeType string
		fetch      bool
	}{
		{"updated", true},
		{"deleted", true},
		{"created", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.changeType, func(t *testing.T) {
			fetcher := &MockFetcher{}
			if tt.fetch {
				fetcher.On("FetchWithReport", mock.Anything, "meeting-1", mock.Anything).
					Return(sampleRecord(), discovery.Report{}, nil).Once()
			}
			submitter := &queueSubmitter{}
			h := NewHandler(fetcher, submitter, Config{}, WithSleeper((&sleepRecorder{}).sleep))

			body := strings.Replace(notificationBody, `"changeType":"updated"`, `"changeType":"`+tt.changeType+`"`, 1)
			require.Equal(t, http.StatusAccepted, post(h, body).Code)
			submitter.runAll(t)

			if tt.fetch {
				fetcher.AssertExpectations(t)
			} else {
				fetcher.AssertNotCalled(t, "FetchWithReport", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestProcess_MissingIdentifiersAbandoned(t *testing.T) {
	fetcher := &MockFetcher{}
	submitter := &queueSubmitter{}
	metrics := observability.NewPipelineMetrics(prometheus.NewRegistry())
	h := NewHandler(fetcher, submitter, Config{}, WithSleeper((&sleepRecorder{}).sleep), WithMetrics(metrics))

	body := `{"value":[
		{"changeType":"updated","resource":"users/owner-1/events/e-1","resourceData":{"@odata.id":"users/owner-1"}},
		{"changeType":"updated","resource":"onlineMeetings/m-1","resourceData":{}}
	]}`
	require.Equal(t, http.StatusAccepted, post(h, body).Code)

	errs := submitter.runAll(t)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	fetcher.AssertNotCalled(t, "FetchWithReport", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("updated", outcomeInvalid)))
}

func TestProcess_FailureIsReportedNotPropagated(t *testing.T) {
	fetcher := &MockFetcher{}
	notAvailable := pferrors.NewPipelineError(pferrors.CodeNotAvailable, discovery.StagePolling,
		pferrors.TranscriptNotAvailableHint, pferrors.ErrTranscriptNotAvailable)
	fetcher.On("FetchWithReport", mock.Anything, "meeting-1", mock.Anything).
		Return(nil, discovery.Report{Stage: discovery.StagePolling, PollAttempts: 3}, notAvailable).Once()

	submitter := &queueSubmitter{}
	emitter := &recordingEmitter{}
	h := NewHandler(fetcher, submitter, Config{}, WithSleeper((&sleepRecorder{}).sleep), WithEmitter(emitter))

	rec := post(h, notificationBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	errs := submitter.runAll(t)
	require.Len(t, errs, 1)
	assert.True(t, pferrors.IsNotAvailable(errs[0]))

	require.Len(t, emitter.failed, 1)
	assert.Equal(t, string(pferrors.CodeNotAvailable), emitter.failed[0].ErrorCode)
	assert.Equal(t, discovery.StagePolling, emitter.failed[0].Stage)
	assert.Equal(t, 3, emitter.failed[0].PollAttempts)
	assert.Empty(t, emitter.acquired)
}

func TestProcess_OneTaskPerNotification(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "m-1", discovery.Application("u-1")).
		Return(sampleRecord(), discovery.Report{}, nil).Once()
	fetcher.On("FetchWithReport", mock.Anything, "m-2", discovery.Application("u-2")).
		Return(sampleRecord(), discovery.Report{}, nil).Once()

	submitter := &queueSubmitter{}
	h := NewHandler(fetcher, submitter, Config{}, WithSleeper((&sleepRecorder{}).sleep))

	body := `{"value":[
		{"changeType":"updated","resource":"users/u-1/onlineMeetings/m-1","resourceData":{"@odata.id":"users/u-1/onlineMeetings/m-1"}},
		{"changeType":"deleted","resource":"users('u-2')/onlineMeetings('m-2')","resourceData":{"@odata.id":"users('u-2')/onlineMeetings('m-2')"}}
	]}`
	require.Equal(t, http.StatusAccepted, post(h, body).Code)
	require.Len(t, submitter.tasks, 2)

	submitter.runAll(t)
	fetcher.AssertExpectations(t)
}

func TestServeHTTP_SubmitFailureStillAccepted(t *testing.T) {
	submitter := &queueSubmitter{err: errors.New("dispatcher is shutting down")}
	h := NewHandler(&MockFetcher{}, submitter, Config{})

	assert.Equal(t, http.StatusAccepted, post(h, notificationBody).Code)
}

func TestIdentifierExtraction(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		meeting string
		owner   string
	}{
		{"slash form", "users/owner-1/onlineMeetings/meeting-1", "meeting-1", "owner-1"},
		{"paren form", "users('owner-1')/onlineMeetings('meeting-1')", "meeting-1", "owner-1"},
		{"leading slash", "/users/owner-1/onlineMeetings/meeting-1/transcripts", "meeting-1", "owner-1"},
		{"case insensitive", "Users/Owner-1/OnlineMeetings/M-1", "M-1", "Owner-1"},
		{"escaped", "users/owner-1/onlineMeetings/MSo1%3D", "MSo1=", "owner-1"},
		{"query", "communications/onlineMeetings/m-1?$select=id", "m-1", ""},
		{"missing", "users/owner-1/events/e-1", "", "owner-1"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.meeting, MeetingIDFromResource(tt.in))
			assert.Equal(t, tt.owner, OwnerIDFromODataID(tt.in))
		})
	}
}
