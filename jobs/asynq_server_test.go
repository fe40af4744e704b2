package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func getHealth(t *testing.T, inspector QueueInspector) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rr
}

func TestHealthReportsQueueCounts(t *testing.T) {
	rr := getHealth(t, fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Retry: 1, Scheduled: 2}})
	require.Equal(t, http.StatusOK, rr.Code)
	var body QueueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, QueueHealth{Queue: QueueDefault, Pending: 4, Retry: 1, Scheduled: 2}, body)
}

func TestHealthWithoutInspectorOrQueue(t *testing.T) {
	for name, inspector := range map[string]QueueInspector{
		"nil inspector":   nil,
		"queue not found": fakeInspector{err: asynq.ErrQueueNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			rr := getHealth(t, inspector)
			require.Equal(t, http.StatusOK, rr.Code)
			assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":0,"archived":0,"paused":false}`, rr.Body.String())
		})
	}
}

func TestHealthUnavailable(t *testing.T) {
	rr := getHealth(t, fakeInspector{err: errors.New("dial tcp: connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestTaskConstructors(t *testing.T) {
	task, err := NewLedgerCloseTask(LedgerClosePayload{Month: 3, Year: 2025})
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerClose, task.Type())
	assert.JSONEq(t, `{"month":3,"year":2025}`, string(task.Payload()))

	task, err = NewObligationGenerateTask(ObligationGeneratePayload{ObligationID: 9})
	require.NoError(t, err)
	assert.Equal(t, TaskObligationGenerate, task.Type())
	assert.JSONEq(t, `{"obligation_id":9}`, string(task.Payload()))
}

func TestNewWorkerSkipsIncompleteEntries(t *testing.T) {
	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Handlers:  []TaskHandler{{Type: TaskLedgerClose}},
	})
	require.NoError(t, err)
	assert.Nil(t, w.scheduler)

	var nilWorker *Worker
	require.Error(t, nilWorker.Run(t.Context()))
}
