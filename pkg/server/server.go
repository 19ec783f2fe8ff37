// Package server implements the HTTP frontend: a single mux merging the
// OpenAI and Ollama ProtocolAdapters with the management surface
// (/stats, /system-info, /log-level, /shutdown, /logs/stream, /metrics),
// plus the graceful shutdown sequencing and single-instance lock that guard
// the process's lifetime. Grounded on the teacher's main.go bootstrap
// (signal.NotifyContext, a buffered serverErrors channel, select over
// serverErrors/ctx.Done, server.Close() then await background drain) for
// the overall shape, and on original_source's server/main.cpp and
// lemonade_router/endpoints/system_handlers.cpp for the management
// endpoints' exact semantics, which the teacher never implemented.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-router/pkg/router"
)

// Config holds the frontend's own settings, independent of Router
// construction (which cmd/lemonade-router owns).
type Config struct {
	Host        string
	Port        int
	LogFilePath string // consumed by /logs/stream; streaming 404s when empty
	LockPath    string // single-instance lock file path
}

// Server is the HTTP frontend described by §4.7: route dispatch, a
// management surface layered over Router, and the shutdown sequencing that
// answers /shutdown before tearing the pool down.
type Server struct {
	cfg        Config
	router     *router.Router
	rootLogger *logrus.Logger
	log        logging.Logger
	startedAt  time.Time

	httpServer *http.Server
	lockFile   *os.File
	exitFunc   func(int)
}

// New wires a Server's mux from the adapters' route tables plus the
// management handlers, and binds the CORS wrapper over the whole thing the
// way the teacher wraps its scheduler handler.
func New(cfg Config, rtr *router.Router, rootLogger *logrus.Logger, log logging.Logger, adapterRoutes ...map[string]http.HandlerFunc) *Server {
	s := &Server{
		cfg:        cfg,
		router:     rtr,
		rootLogger: rootLogger,
		log:        log,
		startedAt:  time.Now(),
		exitFunc:   os.Exit,
	}

	mux := http.NewServeMux()
	for _, routes := range adapterRoutes {
		for pattern, handler := range routes {
			mux.Handle(pattern, withHead(handler))
		}
	}
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /system-info", s.handleSystemInfo)
	mux.HandleFunc("POST /log-level", s.handleLogLevel)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /logs/stream", s.handleLogsStream)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.addr(),
		Handler:           middleware.CorsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (c Config) addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	return host + ":" + itoa(c.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// withHead lets every GET handler also answer HEAD by discarding the body,
// per §4.6's "HEAD on any GET endpoint returns headers only, status 200".
func withHead(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next(w, r)
			return
		}
		next(&headOnlyWriter{ResponseWriter: w}, r)
	}
}

// headOnlyWriter swallows the body of the wrapped response, leaving only
// headers and status for a HEAD request.
type headOnlyWriter struct {
	http.ResponseWriter
}

func (h *headOnlyWriter) Write(data []byte) (int, error) {
	return len(data), nil
}

// AcquireLock creates the single-instance lock file exclusively, reporting
// ErrAlreadyRunning if a peer already holds it. Grounded on original
// source's SingleInstance::IsAnotherInstanceRunning, implemented here with
// an O_EXCL file create rather than a platform-specific mutex/named-pipe
// check, since Go has no portable equivalent of that API.
func (s *Server) AcquireLock() error {
	if s.cfg.LockPath == "" {
		return nil
	}
	f, err := os.OpenFile(s.cfg.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyRunning
		}
		return err
	}
	_, _ = f.WriteString(itoa(os.Getpid()))
	s.lockFile = f
	return nil
}

// ReleaseLock removes the single-instance lock file, if one was acquired.
func (s *Server) ReleaseLock() {
	if s.lockFile == nil {
		return
	}
	_ = s.lockFile.Close()
	_ = os.Remove(s.cfg.LockPath)
}

// ErrAlreadyRunning is returned by AcquireLock when another instance already
// holds the lock file, mapping to CLI exit code 2.
var ErrAlreadyRunning = errors.New("another instance of lemonade-router is already running")

// Run serves until ctx is canceled (typically by a SIGINT/SIGTERM-derived
// context), then tears down the HTTP server and the backend pool with
// bounded grace. Mirrors the teacher's select-over-serverErrors/ctx.Done
// shape, minus the TLS listener branch this spec doesn't carry.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.log.Infof("shutdown signal received")
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warnf("http server shutdown did not complete cleanly")
	}
	return s.router.Shutdown(context.Background())
}

// handleStats serves GET /stats from Router's Tracker snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, s.router.Stats())
}

// systemInfo is the GET /system-info payload. The original's exhaustive
// GPU-vendor/WMI detection (system_info.cpp) is Windows-specific hardware
// enumeration with no portable Go equivalent in the example pack; this
// reports what the Go runtime itself can see, which is what every other
// example repo's health/info endpoint does.
type systemInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	CPUs         int    `json:"cpu_count"`
	GoVersion    string `json:"go_version"`
	UptimeSecs   int64  `json:"uptime_seconds"`
	NumGoroutine int    `json:"goroutines,omitempty"`
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true" || r.URL.Query().Get("verbose") == "1"
	info := systemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
	}
	if verbose {
		info.NumGoroutine = runtime.NumGoroutine()
	}
	writeJSON(w, s.log, info)
}

type logLevelRequest struct {
	Level string `json:"level"`
}

// handleLogLevel reconfigures the root logger's level at runtime, per
// original source's handle_log_level.
func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	level, err := logrus.ParseLevel(req.Level)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "unrecognized log level: "+req.Level)
		return
	}
	s.rootLogger.SetLevel(level)
	s.router.SetLogLevel(req.Level)
	writeJSON(w, s.log, map[string]string{"status": "success", "level": req.Level})
}

// handleShutdown answers before tearing anything down, then exits the
// process asynchronously so the client observes a clean response — the
// ordering §5 and §7 both require. Grounded on original source's
// handle_shutdown (response flushed, then a detached thread sleeps 100ms,
// stops the server, unloads models, and calls exit(0)).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, map[string]string{"status": "shutting down"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.log.Infof("shutting down on /shutdown request")
		_ = s.shutdown()
		s.exitFunc(0)
	}()
}

// handleLogsStream tails the configured log file as SSE, polling for new
// bytes. Every connection's file handle and read offset live in this
// closure's locals, not thread-local storage — the bug the original's
// implementation has (see Design Notes Open Question 2) is structurally
// impossible here, not just avoided, since Go hands each request its own
// goroutine and stack rather than reusing a pooled OS thread.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.cfg.LogFilePath == "" {
		writeErrorStatus(w, http.StatusNotFound, "log file not configured; log streaming requires the server to be launched with a log file path")
		return
	}
	f, err := os.Open(s.cfg.LogFilePath)
	if err != nil {
		writeErrorStatus(w, http.StatusNotFound, "log file not found: "+err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sentData := false
			for {
				n, readErr := f.Read(buf)
				if n > 0 {
					sentData = true
					if !writeSSELines(w, buf[:n]) {
						return
					}
				}
				if readErr != nil {
					break
				}
			}
			if !sentData {
				if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
					return
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// writeSSELines frames raw log bytes as "data: <line>\n\n" records, split on
// '\n', matching the original's per-line SSE framing.
func writeSSELines(w http.ResponseWriter, chunk []byte) bool {
	start := 0
	for i, b := range chunk {
		if b != '\n' {
			continue
		}
		line := chunk[start:i]
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(line); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		start = i + 1
	}
	return true
}

func writeJSON(w http.ResponseWriter, log logging.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Errorf("failed to encode server response")
	}
}

func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
