package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/pipeline"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
	"github.com/scriptfactory/script-factory-be/internal/scheduler"
	"github.com/scriptfactory/script-factory-be/internal/templates"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// noopRunner completes every job with a single output.
type noopRunner struct{}

func (noopRunner) RunJob(ctx context.Context, job *domain.Job) error {
	job.Outputs[domain.StepDiscovery] = "done"
	return nil
}

type fixture struct {
	handler   *FactoryHandler
	scheduler *scheduler.Scheduler
}

func newFixture(t *testing.T, keys int) *fixture {
	t.Helper()

	registry, err := templates.Load("testdata/templates.yaml")
	require.NoError(t, err)

	sched := scheduler.New(
		func() int { return keys },
		func(schedule.Config, pipeline.Options, pipeline.ProgressFunc) scheduler.JobRunner {
			return noopRunner{}
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	h := NewFactoryHandler(&Dependencies{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Scheduler: sched,
		Registry:  registry,
		Capacity:  func() int { return keys },
		Defaults: RunDefaults{
			SceneCount:       45,
			MinWordsPerScene: 40,
			MaxWordsPerScene: 80,
		},
	})

	return &fixture{handler: h, scheduler: sched}
}

func performJSON(t *testing.T, handlerFunc gin.HandlerFunc, method string, body any, params ...gin.Param) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	c.Request = httptest.NewRequest(method, "/", reader)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params

	handlerFunc(c)
	// Flush a status set via c.Status; gin only writes it lazily.
	c.Writer.WriteHeaderNow()
	return w
}

func performQuery(t *testing.T, handlerFunc gin.HandlerFunc, rawQuery string) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?"+rawQuery, nil)

	handlerFunc(c)
	c.Writer.WriteHeaderNow()
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestEnqueue(t *testing.T) {
	t.Run("splits input into jobs", func(t *testing.T) {
		f := newFixture(t, 2)

		w := performJSON(t, f.handler.Enqueue, http.MethodPost,
			map[string]string{"input": "Topic A\n\nTopic B"})

		require.Equal(t, http.StatusCreated, w.Code)

		var resp struct {
			Jobs        []map[string]any `json:"jobs"`
			QueueLength int              `json:"queue_length"`
		}
		decodeBody(t, w, &resp)

		assert.Len(t, resp.Jobs, 2)
		assert.Equal(t, 2, resp.QueueLength)
		assert.Equal(t, "Topic A", resp.Jobs[0]["input"])
		assert.Equal(t, domain.JobStatusPending, resp.Jobs[0]["status"])
	})

	t.Run("missing input field", func(t *testing.T) {
		f := newFixture(t, 2)

		w := performJSON(t, f.handler.Enqueue, http.MethodPost, map[string]string{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("whitespace-only input", func(t *testing.T) {
		f := newFixture(t, 2)

		w := performJSON(t, f.handler.Enqueue, http.MethodPost,
			map[string]string{"input": "   \n\n  "})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("queue overflow is rejected wholesale", func(t *testing.T) {
		f := newFixture(t, 2)

		var bulk string
		for i := 0; i < scheduler.MaxQueueSize; i++ {
			bulk += fmt.Sprintf("Topic %d\n\n", i)
		}
		w := performJSON(t, f.handler.Enqueue, http.MethodPost,
			map[string]string{"input": bulk})
		require.Equal(t, http.StatusCreated, w.Code)

		w = performJSON(t, f.handler.Enqueue, http.MethodPost,
			map[string]string{"input": "One more"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Len(t, f.scheduler.QueueSnapshot(), scheduler.MaxQueueSize)
	})
}

func TestGetQueue(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.scheduler.Enqueue("Topic A")
	require.NoError(t, err)

	w := performJSON(t, f.handler.GetQueue, http.MethodGet, nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	decodeBody(t, w, &resp)
	assert.Len(t, resp.Jobs, 1)
}

func TestClearQueue(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.scheduler.Enqueue("Topic A")
	require.NoError(t, err)

	w := performJSON(t, f.handler.ClearQueue, http.MethodDelete, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, f.scheduler.QueueSnapshot())
}

func TestRun(t *testing.T) {
	t.Run("empty queue is a no-op", func(t *testing.T) {
		f := newFixture(t, 2)

		w := performJSON(t, f.handler.Run, http.MethodPost, map[string]any{})

		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Started bool `json:"started"`
		}
		decodeBody(t, w, &resp)
		assert.False(t, resp.Started)
	})

	t.Run("starts a drain and reports the derived config", func(t *testing.T) {
		f := newFixture(t, 2)
		_, err := f.scheduler.Enqueue("Topic A")
		require.NoError(t, err)

		w := performJSON(t, f.handler.Run, http.MethodPost,
			map[string]any{"scene_count": 45})

		require.Equal(t, http.StatusAccepted, w.Code)

		var resp struct {
			Started bool `json:"started"`
			Jobs    int  `json:"jobs"`
			Config  struct {
				ScenesPerBatch int `json:"scenes_per_batch"`
				MaxRetries     int `json:"max_retries"`
			} `json:"config"`
		}
		decodeBody(t, w, &resp)

		assert.True(t, resp.Started)
		assert.Equal(t, 1, resp.Jobs)
		assert.Equal(t, 3, resp.Config.ScenesPerBatch)
		assert.Equal(t, 5, resp.Config.MaxRetries)
	})

	t.Run("no API keys", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.scheduler.Enqueue("Topic A")
		require.NoError(t, err)

		w := performJSON(t, f.handler.Run, http.MethodPost, map[string]any{})

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("unknown template step", func(t *testing.T) {
		f := newFixture(t, 2)
		_, err := f.scheduler.Enqueue("Topic A")
		require.NoError(t, err)

		w := performJSON(t, f.handler.Run, http.MethodPost,
			map[string]any{"templates": map[string]string{"storyboard": "x"}})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown template id", func(t *testing.T) {
		f := newFixture(t, 2)
		_, err := f.scheduler.Enqueue("Topic A")
		require.NoError(t, err)

		w := performJSON(t, f.handler.Run, http.MethodPost,
			map[string]any{"templates": map[string]string{"discovery": "missing"}})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 2)

	w := performJSON(t, f.handler.Cancel, http.MethodPost, nil)

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Running bool `json:"running"`
	}
	decodeBody(t, w, &resp)
	assert.False(t, resp.Running)
}

func TestGetJob(t *testing.T) {
	t.Run("invalid id", func(t *testing.T) {
		f := newFixture(t, 2)

		w := performJSON(t, f.handler.GetJob, http.MethodGet, nil,
			gin.Param{Key: "job_id", Value: "not-a-uuid"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("queued job found", func(t *testing.T) {
		f := newFixture(t, 2)
		jobs, err := f.scheduler.Enqueue("Topic A")
		require.NoError(t, err)

		w := performJSON(t, f.handler.GetJob, http.MethodGet, nil,
			gin.Param{Key: "job_id", Value: jobs[0].ID})

		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		decodeBody(t, w, &resp)
		assert.Equal(t, jobs[0].ID, resp["job_id"])
	})

	t.Run("unknown id without archive", func(t *testing.T) {
		f := newFixture(t, 2)

		w := performJSON(t, f.handler.GetJob, http.MethodGet, nil,
			gin.Param{Key: "job_id", Value: "a2f1c5ce-9d5d-4ef1-b3e8-2f1a73f9c111"})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, 2)

	w := performQuery(t, f.handler.Estimate, "jobs=2&scenes=45")

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs       int `json:"jobs"`
		Scenes     int `json:"scenes"`
		TotalCalls int `json:"total_calls"`
		Config     struct {
			ScenesPerBatch int `json:"scenes_per_batch"`
		} `json:"config"`
	}
	decodeBody(t, w, &resp)

	assert.Equal(t, 2, resp.Jobs)
	assert.Equal(t, 45, resp.Scenes)
	// 45 scenes at 3 per batch: 3*15+2 = 47 calls per job.
	assert.Equal(t, 94, resp.TotalCalls)
	assert.Equal(t, 3, resp.Config.ScenesPerBatch)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t, 2)

	w := performJSON(t, f.handler.Templates, http.MethodGet, nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Steps []struct {
			Step      int    `json:"step"`
			StepName  string `json:"step_name"`
			Templates []struct {
				ID      string `json:"id"`
				Default bool   `json:"default"`
			} `json:"templates"`
		} `json:"steps"`
	}
	decodeBody(t, w, &resp)

	require.Len(t, resp.Steps, domain.StepCount)
	assert.Equal(t, "discovery", resp.Steps[0].StepName)
	assert.Len(t, resp.Steps[0].Templates, 2)
	assert.True(t, resp.Steps[0].Templates[0].Default)
}

func TestListArchive_Disabled(t *testing.T) {
	f := newFixture(t, 2)

	w := performQuery(t, f.handler.ListArchive, "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
