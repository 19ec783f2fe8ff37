package ollama

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

// scriptedRunner writes a canned OpenAI-shaped body (JSON or SSE) regardless
// of what it is asked to forward, standing in for a live backend.Process.
type scriptedRunner struct {
	status int
	body   string
}

func (r *scriptedRunner) Forward(w http.ResponseWriter, req *http.Request) error {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(r.body))
	return nil
}
func (r *scriptedRunner) Stop(ctx context.Context, timeout time.Duration) error { return nil }
func (r *scriptedRunner) IsAlive() bool                                        { return true }

type scriptedLoader struct{ runner *scriptedRunner }

func (l *scriptedLoader) Load(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, port int, effective options.RecipeOptions, log logging.Logger) (pool.Runner, error) {
	return l.runner, nil
}

func newTestHandler(t *testing.T, runner *scriptedRunner) *Handler {
	t.Helper()
	log := logging.NewLogrusAdapter(logrus.New())
	tracker := router.NewTracker(metrics.NewRecorder())
	p := pool.New(map[catalog.Class]int{catalog.ClassLLM: 1, catalog.ClassEmbedding: 1}, log, tracker)
	cat, err := catalog.New(t.TempDir(), log, p)
	require.NoError(t, err)
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name: "org/chat-model", Class: catalog.ClassLLM, Recipe: options.RecipeLlamaCpp, Location: "/models/chat",
	}))
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name: "org/embed-model", Class: catalog.ClassEmbedding, Recipe: options.RecipeLlamaCpp, Location: "/models/embed",
		Labels: []catalog.Label{catalog.LabelEmbeddings},
	}))
	rtr := router.NewWithLoader(cat, p, tracker, nil, log, &scriptedLoader{runner: runner})
	return New(rtr, log)
}

func TestHandleChatNonStreamingTranslatesOpenAIResponse(t *testing.T) {
	runner := &scriptedRunner{body: `{"choices":[{"message":{"content":"hello there"}}]}`}
	h := newTestHandler(t, runner)

	body := `{"model":"org/chat-model","messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes()["POST "+APIPrefix+"/chat"](rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Message.Content)
	assert.True(t, resp.Done)
}

func TestHandleChatStreamingTranslatesSSEToNDJSON(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n" +
		"data: [DONE]\n"
	runner := &scriptedRunner{body: sse}
	h := newTestHandler(t, runner)

	body := `{"model":"org/chat-model","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes()["POST "+APIPrefix+"/chat"](rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)

	var first ChatResponse
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "hel", first.Message.Content)
	assert.False(t, first.Done)

	var last ChatResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.True(t, last.Done)
}

func TestHandleGenerateNonStreaming(t *testing.T) {
	runner := &scriptedRunner{body: `{"choices":[{"message":{"content":"a response"}}]}`}
	h := newTestHandler(t, runner)

	body := `{"model":"org/chat-model","prompt":"hi","stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes()["POST "+APIPrefix+"/generate"](rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a response", resp.Response)
	assert.True(t, resp.Done)
}

func TestHandleEmbedBatchedInput(t *testing.T) {
	runner := &scriptedRunner{body: `{"data":[{"embedding":[0.1,0.2],"index":0},{"embedding":[0.3,0.4],"index":1}]}`}
	h := newTestHandler(t, runner)

	body := `{"model":"org/embed-model","input":["a","b"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/embed", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes()["POST "+APIPrefix+"/embed"](rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	embeddings, ok := resp["embeddings"].([]interface{})
	require.True(t, ok)
	require.Len(t, embeddings, 2)
}

func TestHandleEmbeddingsLegacySinglePrompt(t *testing.T) {
	runner := &scriptedRunner{body: `{"data":[{"embedding":[0.5,0.6],"index":0}]}`}
	h := newTestHandler(t, runner)

	body := `{"model":"org/embed-model","prompt":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/embeddings", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Routes()["POST "+APIPrefix+"/embeddings"](rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	_, ok := resp["embedding"]
	require.True(t, ok)
}

func TestHandleListModelsReflectsCatalog(t *testing.T) {
	h := newTestHandler(t, &scriptedRunner{})
	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()

	h.Routes()["GET "+APIPrefix+"/tags"](rec, req)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Models, 2)
}

func TestHandleShowUnknownModelFails(t *testing.T) {
	h := newTestHandler(t, &scriptedRunner{})
	req := httptest.NewRequest(http.MethodPost, "/api/show", strings.NewReader(`{"name":"nope"}`))
	rec := httptest.NewRecorder()

	h.Routes()["POST "+APIPrefix+"/show"](rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnsupportedEndpointsReturn501(t *testing.T) {
	h := newTestHandler(t, &scriptedRunner{})
	for _, route := range []string{"POST " + APIPrefix + "/create", "POST " + APIPrefix + "/copy", "POST " + APIPrefix + "/push"} {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		rec := httptest.NewRecorder()
		h.Routes()[route](rec, req)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, route)
		assert.Contains(t, rec.Body.String(), "not supported")
	}
}
