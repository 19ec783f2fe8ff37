package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
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

type noopRunner struct{}

func (noopRunner) Forward(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
func (noopRunner) Stop(ctx context.Context, timeout time.Duration) error { return nil }
func (noopRunner) IsAlive() bool                                        { return true }

type noopLoader struct{}

func (noopLoader) Load(ctx context.Context, desc catalog.Descriptor, mode backend.Mode, port int, effective options.RecipeOptions, log logging.Logger) (pool.Runner, error) {
	return noopRunner{}, nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *logrus.Logger) {
	t.Helper()
	rootLogger := logrus.New()
	log := logging.NewLogrusAdapter(rootLogger)
	tracker := router.NewTracker(metrics.NewRecorder())
	p := pool.New(map[catalog.Class]int{catalog.ClassLLM: 1}, log, tracker)
	cat, err := catalog.New(t.TempDir(), log, p)
	require.NoError(t, err)
	rtr := router.NewWithLoader(cat, p, tracker, nil, log, noopLoader{})

	s := New(cfg, rtr, rootLogger, log, map[string]http.HandlerFunc{
		"GET /v1/models": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
		},
	})
	return s, rootLogger
}

func TestAdapterRoutesAreMounted(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"object":"list"`)
}

func TestHeadOnGetEndpointReturnsHeadersOnly(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodHead, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandleStats(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats router.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
}

func TestHandleSystemInfo(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/system-info?verbose=true", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var info systemInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.NotEmpty(t, info.OS)
	assert.Greater(t, info.NumGoroutine, 0)
}

func TestHandleLogLevelChangesRootLogger(t *testing.T) {
	s, rootLogger := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/log-level", strings.NewReader(`{"level":"debug"}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, logrus.DebugLevel, rootLogger.GetLevel())
}

func TestHandleLogLevelRejectsUnknownLevel(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/log-level", strings.NewReader(`{"level":"bogus"}`))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleShutdownRespondsBeforeExit(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	var mu sync.Mutex
	exited := false
	done := make(chan struct{})
	s.exitFunc = func(code int) {
		mu.Lock()
		exited = true
		mu.Unlock()
		close(done)
	}

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")

	mu.Lock()
	wasExited := exited
	mu.Unlock()
	assert.False(t, wasExited, "exitFunc must not run before the response is written")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exitFunc was never called")
	}
}

func TestLogsStreamReturns404WithoutConfiguredLogFile(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/logs/stream", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsStreamHeadReturnsImmediately(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello\n"), 0o644))
	s, _ := newTestServer(t, Config{LogFilePath: logPath})

	req := httptest.NewRequest(http.MethodHead, "/logs/stream", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.httpServer.Handler.ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HEAD /logs/stream did not return promptly")
	}
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAcquireLockRefusesSecondInstance(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lemonade-router.lock")
	s1, _ := newTestServer(t, Config{LockPath: lockPath})
	require.NoError(t, s1.AcquireLock())
	defer s1.ReleaseLock()

	s2, _ := newTestServer(t, Config{LockPath: lockPath})
	err := s2.AcquireLock()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
