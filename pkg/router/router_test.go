package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/backend"
	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
	"github.com/lemonade-sdk/lemonade-router/pkg/pool"
)

func testLogger() logging.Logger {
	return logging.NewLogrusAdapter(logrus.New())
}

// fakeRunner stands in for a live backend.Process, recording the request it
// was asked to forward.
type fakeRunner struct {
	forwarded bool
	fail      bool
}

func (f *fakeRunner) Forward(w http.ResponseWriter, r *http.Request) error {
	f.forwarded = true
	if f.fail {
		return apierrors.New(apierrors.BackendGone, "backend gone")
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (f *fakeRunner) Stop(ctx context.Context, timeout time.Duration) error { return nil }
func (f *fakeRunner) IsAlive() bool                                        { return true }

type fakeLoader struct {
	runner *fakeRunner
}

func (f *fakeLoader) Load(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, port int, effective options.RecipeOptions, log logging.Logger) (pool.Runner, error) {
	return f.runner, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeRunner) {
	t.Helper()
	log := testLogger()
	tracker := NewTracker(metrics.NewRecorder())
	p := pool.New(map[catalog.Class]int{catalog.ClassLLM: 2, catalog.ClassEmbedding: 1}, log, tracker)

	cat, err := catalog.New(t.TempDir(), log, p)
	require.NoError(t, err)
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name: "org/chat-model", Class: catalog.ClassLLM, Recipe: options.RecipeLlamaCpp, Location: "/models/chat",
	}))
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name: "org/embed-model", Class: catalog.ClassEmbedding, Recipe: options.RecipeLlamaCpp, Location: "/models/embed",
		Labels: []catalog.Label{catalog.LabelEmbeddings},
	}))

	runner := &fakeRunner{}
	r := NewWithLoader(cat, p, tracker, nil, log, &fakeLoader{runner: runner})
	return r, runner
}

func TestForwardUnknownModelFails(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := r.Chat(context.Background(), "org/missing", nil, rec, req)
	require.Error(t, err)
	assert.Equal(t, apierrors.UnknownModel, apierrors.KindFor(err))
}

func TestForwardWrongClassFails(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := r.Chat(context.Background(), "org/embed-model", nil, rec, req)
	require.Error(t, err)
	assert.Equal(t, apierrors.WrongClass, apierrors.KindFor(err))
}

func TestForwardSuccessReachesBackend(t *testing.T) {
	r, runner := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := r.Chat(context.Background(), "org/chat-model", nil, rec, req)
	require.NoError(t, err)
	assert.True(t, runner.forwarded)
	assert.Equal(t, http.StatusOK, rec.Code)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.RequestsTotal["org/chat-model"])
	assert.Equal(t, int64(1), stats.LoadsTotal["org/chat-model"])
}

func TestForwardBackendGoneEvictsDeadSlotAndRespawns(t *testing.T) {
	r, runner := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	runner.fail = true
	err := r.Chat(context.Background(), "org/chat-model", nil, rec, req)
	require.Error(t, err)
	assert.Equal(t, apierrors.BackendGone, apierrors.KindFor(err))
	assert.Empty(t, r.ListRunning(), "a BackendGone slot must not be left around to fail forever")

	runner.fail = false
	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec2 := httptest.NewRecorder()
	require.NoError(t, r.Chat(context.Background(), "org/chat-model", nil, rec2, req2))
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestListRunningReflectsAcquiredSlot(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, r.Chat(context.Background(), "org/chat-model", nil, rec, req))

	running := r.ListRunning()
	require.Len(t, running, 1)
	assert.Equal(t, "org/chat-model", running[0].Name)
}

func TestUnloadStopsRunningModel(t *testing.T) {
	r, runner := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, r.Chat(context.Background(), "org/chat-model", nil, rec, req))

	require.NoError(t, r.Unload("org/chat-model"))
	assert.Empty(t, r.ListRunning())
	_ = runner
}

func TestShutdownDrainsEveryModel(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, r.Chat(context.Background(), "org/chat-model", nil, rec, req))

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Empty(t, r.ListRunning())
}
