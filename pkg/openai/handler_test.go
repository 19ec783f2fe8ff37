package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-router/pkg/backend"
	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
	"github.com/lemonade-sdk/lemonade-router/pkg/pool"
	"github.com/lemonade-sdk/lemonade-router/pkg/router"
)

type fakeRunner struct{ lastBody string }

func (f *fakeRunner) Forward(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
	return nil
}
func (f *fakeRunner) Stop(ctx context.Context, timeout time.Duration) error { return nil }
func (f *fakeRunner) IsAlive() bool                                        { return true }

type fakeLoader struct{ runner *fakeRunner }

func (f *fakeLoader) Load(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, port int, effective options.RecipeOptions, log logging.Logger) (pool.Runner, error) {
	return f.runner, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	log := logging.NewLogrusAdapter(logrus.New())
	tracker := router.NewTracker(metrics.NewRecorder())
	p := pool.New(map[catalog.Class]int{catalog.ClassLLM: 1}, log, tracker)
	cat, err := catalog.New(t.TempDir(), log, p)
	require.NoError(t, err)
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name: "org/chat-model", Class: catalog.ClassLLM, Recipe: options.RecipeLlamaCpp, Location: "/models/chat",
	}))
	rtr := router.NewWithLoader(cat, p, tracker, nil, log, &fakeLoader{runner: &fakeRunner{}})
	return New(rtr, log)
}

func TestHandleChatForwardsToBackend(t *testing.T) {
	h := newTestHandler(t)
	body := `{"model":"org/chat-model","messages":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes()["POST /v1/chat/completions"](rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHandleChatMissingModelFails(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	h.Routes()["POST /v1/chat/completions"](rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
}

func TestHandleChatUnknownModelFails(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"nope"}`))
	rec := httptest.NewRecorder()

	h.Routes()["POST /v1/chat/completions"](rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleModelsListsCatalog(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	h.Routes()["GET /v1/models"](rec, req)

	var list modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "org/chat-model", list.Data[0].ID)
}
