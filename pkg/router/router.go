// Package router implements Router: the component that resolves a model
// name through ModelCatalog, composes effective RecipeOptions, acquires a
// BackendSlotPool handle, and forwards the HTTP request, grounded on the
// teacher's scheduling.HTTPHandler.handleOpenAIInference request lifecycle
// (resolve → load/acquire → forward → release, deferred unconditionally).
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/backend"
	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
	"github.com/lemonade-sdk/lemonade-router/pkg/pool"
)

// defaultAcquireTimeout bounds how long a request waits for pool capacity or
// a same-name load in flight, per §5's "server-default maximum".
const defaultAcquireTimeout = 10 * time.Minute

// Router is the model router and backend lifecycle manager's public face:
// every ProtocolAdapter operation funnels through one of its methods.
type Router struct {
	catalog *catalog.Catalog
	pool    *pool.Pool
	log     logging.Logger

	// serverDefaults holds the --ctx-size/--llamacpp-backend/--llamacpp-args
	// style server-scope flags, one RecipeOptions per recipe, lowest
	// priority in the inheritance chain.
	serverDefaults map[options.Recipe]options.RecipeOptions

	stats  *Tracker
	loader pool.Loader
}

// New constructs a Router around an already-built ModelCatalog and
// BackendSlotPool. The pool must be constructed first (with tracker as its
// pool.Recorder) because the catalog's own constructor needs the pool as its
// InUseChecker — see cmd/lemonade-router's wiring order: Tracker, then Pool,
// then Catalog, then Router. serverDefaults may be nil, in which case every
// recipe falls back to its built-in defaults only.
func New(cat *catalog.Catalog, p *pool.Pool, tracker *Tracker, serverDefaults map[options.Recipe]options.RecipeOptions, log logging.Logger) *Router {
	return NewWithLoader(cat, p, tracker, serverDefaults, log, nil)
}

// NewWithLoader is New with an explicit pool.Loader, letting tests substitute
// a fake backend instead of spawning a real subprocess.
func NewWithLoader(cat *catalog.Catalog, p *pool.Pool, tracker *Tracker, serverDefaults map[options.Recipe]options.RecipeOptions, log logging.Logger, loader pool.Loader) *Router {
	return &Router{
		catalog:        cat,
		pool:           p,
		log:            log,
		serverDefaults: serverDefaults,
		stats:          tracker,
		loader:         loader,
	}
}

func (r *Router) serverDefaultsFor(recipe options.Recipe) options.RecipeOptions {
	if o, ok := r.serverDefaults[recipe]; ok {
		return o
	}
	return options.New(recipe, nil)
}

// classForMode maps a backend.Mode to the ModelClass it requires, for the
// WrongClass check in step 2 of §4.5's request path.
func classForMode(mode backend.Mode) catalog.Class {
	switch mode {
	case backend.ModeEmbedding:
		return catalog.ClassEmbedding
	case backend.ModeReranking:
		return catalog.ClassReranking
	case backend.ModeAudio:
		return catalog.ClassAudio
	default:
		return catalog.ClassLLM
	}
}

// Forward implements steps 1-4 and 6-7 of §4.5's request path for every
// operation (chat/complete/embed/rerank/transcribe all share this shape;
// only mode and the request body differ, and the body is opaque to Router —
// ProtocolAdapter owns wire-format translation). requestOptions are the
// caller-supplied recipe options parsed from the request body, at the
// highest-priority layer of the merge.
func (r *Router) Forward(ctx context.Context, modelName string, mode backend.Mode, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error {
	desc, err := r.catalog.Lookup(modelName)
	if err != nil {
		return err
	}
	if desc.Class != classForMode(mode) {
		return apierrors.New(apierrors.WrongClass, "model %q is class %q, not valid for this operation", modelName, desc.Class)
	}

	effective := options.New(desc.Recipe, requestOptions).
		Inherit(options.New(desc.Recipe, desc.RecipeOptionsValues())).
		Inherit(r.serverDefaultsFor(desc.Recipe))

	acquireCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, defaultAcquireTimeout)
		defer cancel()
	}

	handle, err := r.pool.Acquire(acquireCtx, desc, mode, effective, r.loader)
	if err != nil {
		return err
	}
	defer func() { r.pool.ReleaseWithError(handle, err) }()

	start := time.Now()
	err = handle.Process().Forward(w, req.WithContext(ctx))
	r.stats.recordRequest(modelName, time.Since(start), err == nil)
	return err
}

// Chat forwards a chat-completion request.
func (r *Router) Chat(ctx context.Context, modelName string, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error {
	return r.Forward(ctx, modelName, backend.ModeCompletion, requestOptions, w, req)
}

// Complete forwards a text-completion request.
func (r *Router) Complete(ctx context.Context, modelName string, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error {
	return r.Forward(ctx, modelName, backend.ModeCompletion, requestOptions, w, req)
}

// Embed forwards an embedding request.
func (r *Router) Embed(ctx context.Context, modelName string, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error {
	return r.Forward(ctx, modelName, backend.ModeEmbedding, requestOptions, w, req)
}

// Rerank forwards a reranking request.
func (r *Router) Rerank(ctx context.Context, modelName string, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error {
	return r.Forward(ctx, modelName, backend.ModeReranking, requestOptions, w, req)
}

// Transcribe forwards an audio transcription request — the audio class's
// analogue of Complete, needed by the /v1/audio/* routes that §4.6 assigns
// to the whispercpp recipe.
func (r *Router) Transcribe(ctx context.Context, modelName string, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error {
	return r.Forward(ctx, modelName, backend.ModeAudio, requestOptions, w, req)
}

// ListRunning returns a snapshot of every live slot, for GET /api/ps and
// the Ollama/OpenAI running-models surfaces.
func (r *Router) ListRunning() []pool.Info {
	return r.pool.List()
}

// Stats returns the requests/loads/evictions/latency snapshot for GET
// /stats.
func (r *Router) Stats() Stats {
	return r.stats.snapshot()
}

// SetLogLevel records a log-level change in the router's log. It does not
// change any logger's level; the HTTP server's POST /log-level handler does
// that before calling it.
func (r *Router) SetLogLevel(level string) {
	r.log.Infof("log level changed to %s", level)
}

// Unload stops the named running model (or every running model if name is
// empty), for the Ollama adapter's delete and keep_alive=0 requests.
func (r *Router) Unload(name string) error {
	return r.pool.Unload(name)
}

// Shutdown quiesces the pool: stops accepting new acquisitions implicitly
// (callers are expected to stop routing before calling this) and tears
// down every running backend with bounded grace.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.pool.Unload("")
}

// Catalog exposes the underlying ModelCatalog for ProtocolAdapter handlers
// that need direct catalog operations (list/install/pull/delete).
func (r *Router) Catalog() *catalog.Catalog { return r.catalog }
