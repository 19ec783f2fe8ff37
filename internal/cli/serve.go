package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/ollama"
	"github.com/lemonade-sdk/lemonade-router/pkg/openai"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
	"github.com/lemonade-sdk/lemonade-router/pkg/pool"
	"github.com/lemonade-sdk/lemonade-router/pkg/router"
	"github.com/lemonade-sdk/lemonade-router/pkg/server"
)

var serveFlags serverConfig

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "localhost", "host to listen on")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 8000, "port to listen on")
	serveCmd.Flags().StringVar(&serveFlags.LogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	serveCmd.Flags().IntVar(&serveFlags.CtxSize, "ctx-size", 0, "default context size passed to every recipe that supports one")
	serveCmd.Flags().StringVar(&serveFlags.LlamaCppBackend, "llamacpp-backend", "", "llama.cpp execution backend (e.g. vulkan, cpu)")
	serveCmd.Flags().StringVar(&serveFlags.LlamaCppArgs, "llamacpp-args", "", "extra arguments forwarded to the llama.cpp server binary")
	serveCmd.Flags().String("max-loaded-models", "", "per-class slot quotas, e.g. llm=2,embedding=1,reranking=1,audio=1")
	serveCmd.Flags().StringVar(&serveFlags.ExtraModelsDir, "extra-models-dir", "", "secondary directory scanned for local model files")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the router's HTTP server",
	RunE:  runServe,
}

// alreadyRunningError carries exit code 2: another instance holds the
// single-instance lock file.
type alreadyRunningError struct{ err error }

func (e alreadyRunningError) Error() string { return e.err.Error() }
func (e alreadyRunningError) ExitCode() int  { return 2 }

// startupError carries exit code 1: anything that fails before the server
// starts accepting connections.
type startupError struct{ err error }

func (e startupError) Error() string { return e.err.Error() }
func (e startupError) ExitCode() int  { return 1 }

func runServe(cmd *cobra.Command, args []string) error {
	maxLoadedModelsRaw, _ := cmd.Flags().GetString("max-loaded-models")
	quotas, err := parseMaxLoadedModels(maxLoadedModelsRaw)
	if err != nil {
		return startupError{err}
	}
	serveFlags.MaxLoadedModels = quotas

	cacheRoot, err := resolveCacheRoot()
	if err != nil {
		return startupError{fmt.Errorf("resolve cache root: %w", err)}
	}
	serveFlags.CacheRoot = cacheRoot

	logPath := filepath.Join(cacheRoot, "logs", "server.log")
	rotating, err := logging.NewRotatingWriter(logging.DefaultRotationConfig(logPath))
	if err != nil {
		return startupError{fmt.Errorf("open log file: %w", err)}
	}
	rootLogger := logging.NewServerLogger(logging.ParseLevel(serveFlags.LogLevel), rotating)
	log := logging.NewLogrusAdapter(rootLogger)

	log.Infof("starting lemonade-router on %s:%d (log level %s, cache root %s)", serveFlags.Host, serveFlags.Port, serveFlags.LogLevel, cacheRoot)

	tracker := router.NewTracker(metrics.NewRecorder())
	p := pool.New(serveFlags.MaxLoadedModels, log, tracker)
	cat, err := catalog.New(cacheRoot, log, p)
	if err != nil {
		return startupError{fmt.Errorf("open model catalog: %w", err)}
	}
	rtr := router.New(cat, p, tracker, buildServerDefaults(serveFlags), log)

	openaiHandler := openai.New(rtr, log)
	ollamaHandler := ollama.New(rtr, log)

	srv := server.New(server.Config{
		Host:        serveFlags.Host,
		Port:        serveFlags.Port,
		LogFilePath: logPath,
		LockPath:    filepath.Join(cacheRoot, "lemonade-router.lock"),
	}, rtr, rootLogger, log, openaiHandler.Routes(), ollamaHandler.Routes())

	if err := srv.AcquireLock(); err != nil {
		if err == server.ErrAlreadyRunning {
			return alreadyRunningError{err}
		}
		return startupError{err}
	}
	defer srv.ReleaseLock()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if serveFlags.ExtraModelsDir != "" {
		g.Go(func() error {
			if err := cat.ScanExtraDir(serveFlags.ExtraModelsDir, options.RecipeLlamaCpp, catalog.ClassLLM, nil); err != nil {
				log.WithError(err).Warnf("extra models dir scan failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return startupError{err}
	}
	log.Infof("lemonade-router stopped")
	return nil
}

func resolveCacheRoot() (string, error) {
	if root := os.Getenv("LEMONADE_ROUTER_CACHE_ROOT"); root != "" {
		return root, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "lemonade-router"), nil
}
