package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

const (
	healthPollInterval = 100 * time.Millisecond // ≤10Hz per §4.3
	defaultReadyTimeout = 60 * time.Second
	defaultStopTimeout   = 10 * time.Second
)

// Process is the BackendProcess implementation: one subprocess speaking
// HTTP on 127.0.0.1:Port, grounded on the teacher's llamaCpp.Run (spawn
// shape) and dmrlet's health.WaitForReady (polling shape).
type Process struct {
	Descriptor Descriptor
	Mode       Mode
	Port       int

	log    logging.Logger
	cmd    *exec.Cmd
	proxy  *httputil.ReverseProxy
	client *http.Client

	mu      sync.Mutex
	started bool
}

// NewProcess constructs a Process for desc/mode bound to port, using the
// launcher for desc.Recipe to compute its argv. It does not spawn anything
// yet — call Start.
func NewProcess(desc Descriptor, mode Mode, port int, effective options.RecipeOptions, log logging.Logger) (*Process, error) {
	launcher := LauncherFor(desc.Recipe)
	if launcher == nil {
		return nil, apierrors.New(apierrors.Internal, "no launcher registered for recipe %q", desc.Recipe)
	}
	args, err := launcher.Args(desc, mode, port, effective)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.LoadFailed, err, "build launch args for %q", desc.Name)
	}

	binary, err := exec.LookPath(launcher.BinaryName())
	if err != nil {
		return nil, apierrors.Wrap(apierrors.LoadFailed, err, "locate backend binary %q", launcher.BinaryName())
	}

	cmd := exec.Command(binary, args...)
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}

	p := &Process{
		Descriptor: desc,
		Mode:       mode,
		Port:       port,
		log:        log.WithField("model", desc.Name).WithField("recipe", string(desc.Recipe)),
		cmd:        cmd,
		proxy:      httputil.NewSingleHostReverseProxy(target),
		client:     &http.Client{},
	}
	return p, nil
}

// Start spawns the backend subprocess, wiring its stdout/stderr into the
// logger via logging.Logger.Writer (the teacher's ServerLogWriter pattern).
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logWriter := p.log.Writer()
	p.cmd.Stdout = logWriter
	p.cmd.Stderr = logWriter

	if err := p.cmd.Start(); err != nil {
		return apierrors.Wrap(apierrors.LoadFailed, err, "spawn backend %q", p.Descriptor.Name)
	}
	p.started = true
	p.log.Infof("spawned backend pid=%d port=%d", p.cmd.Process.Pid, p.Port)
	return nil
}

// WaitReady polls GET /health at the local port at ≤10Hz until 2xx or the
// timeout expires.
func (p *Process) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", p.Port)

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		if !p.IsAlive() {
			return apierrors.New(apierrors.LoadFailed, "backend %q exited before becoming ready", p.Descriptor.Name)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err == nil {
			resp, err := p.client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return apierrors.New(apierrors.Timeout, "backend %q did not become ready within %s", p.Descriptor.Name, timeout)
		}
		select {
		case <-ctx.Done():
			return apierrors.Wrap(apierrors.Timeout, ctx.Err(), "wait_ready cancelled for %q", p.Descriptor.Name)
		case <-ticker.C:
		}
	}
}

// Forward proxies an HTTP request/response to the backend, streaming both
// directions without buffering the whole payload. It returns BackendGone if
// the process is no longer alive.
func (p *Process) Forward(w http.ResponseWriter, r *http.Request) error {
	if !p.IsAlive() {
		return apierrors.New(apierrors.BackendGone, "backend %q is no longer running", p.Descriptor.Name)
	}

	errCh := make(chan error, 1)
	proxy := *p.proxy
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		errCh <- err
	}
	proxy.ServeHTTP(w, r)

	select {
	case err := <-errCh:
		return apierrors.Wrap(apierrors.BackendGone, err, "forward to backend %q failed", p.Descriptor.Name)
	default:
		return nil
	}
}

// Stop sends signalGraceful (SIGTERM on POSIX), escalates to signalHard after
// half the timeout, and force-kills after the other half.
func (p *Process) Stop(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	_ = signalGraceful(cmd.Process)
	select {
	case <-done:
		return nil
	case <-time.After(timeout / 2):
	}

	_ = signalHard(cmd.Process)
	select {
	case <-done:
		return nil
	case <-time.After(timeout / 2):
	}

	_ = cmd.Process.Kill()
	<-done
	return nil
}

// IsAlive distinguishes "process exists and is running" from "zombie or
// exited", per the mandatory POSIX /proc/<pid>/stat check in §9 of the spec.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	cmd := p.cmd
	started := p.started
	p.mu.Unlock()

	if !started || cmd == nil || cmd.Process == nil {
		return false
	}
	if cmd.ProcessState != nil {
		return false // Wait() already observed exit
	}
	if runtime.GOOS == "windows" {
		return isAliveWindows(cmd.Process.Pid)
	}
	return isAlivePOSIX(cmd.Process.Pid)
}

// isAlivePOSIX reads /proc/<pid>/stat and checks the process state field is
// not 'Z' (zombie) or 'X' (dead).
func isAlivePOSIX(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Fields: pid (comm) state ... — comm may contain spaces/parens, so
	// locate the state field after the last ')'.
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 || idx+2 >= len(data) {
		return false
	}
	state := data[idx+2]
	return state != 'Z' && state != 'X'
}

// isAliveWindows has no zombie concept; process existence alone suffices.
func isAliveWindows(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil || proc == nil {
		return false
	}
	return true
}

