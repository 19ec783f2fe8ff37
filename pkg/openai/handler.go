// Package openai implements the OpenAI-compatible ProtocolAdapter: it
// inspects just enough of each request body to resolve a model name and any
// per-request recipe-option overrides, then hands off to Router, which owns
// acquisition and streaming. Grounded on the teacher's
// scheduling.HTTPHandler.handleOpenAIInference (read body once, re-wrap it
// for the upstream forward, never buffer the response).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
	"github.com/lemonade-sdk/lemonade-router/pkg/router"
)

// maxInferenceBodyBytes bounds how much of a request body is read into
// memory before rejecting it, mirroring the teacher's MaxBytesReader guard.
const maxInferenceBodyBytes = 64 << 20

// Handler is the OpenAI ProtocolAdapter: a thin translation layer in front
// of Router.
type Handler struct {
	router *router.Router
	log    logging.Logger
}

// New constructs a Handler around an already-wired Router.
func New(r *router.Router, log logging.Logger) *Handler {
	return &Handler{router: r, log: log}
}

// Routes returns the adapter's route table, keyed the way net/http's
// ServeMux 1.22+ pattern syntax expects ("METHOD /path"), for pkg/server to
// merge into its single mux.
func (h *Handler) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /v1/chat/completions":     h.handleChat,
		"POST /v1/completions":          h.handleComplete,
		"POST /v1/embeddings":           h.handleEmbed,
		"POST /v1/reranking":            h.handleRerank,
		"GET /v1/models":                h.handleModels,
		"POST /v1/audio/transcriptions": h.handleAudio,
		"POST /v1/audio/translations":   h.handleAudio,
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	h.forwardJSON(w, r, h.router.Chat)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.forwardJSON(w, r, h.router.Complete)
}

func (h *Handler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	h.forwardJSON(w, r, h.router.Embed)
}

func (h *Handler) handleRerank(w http.ResponseWriter, r *http.Request) {
	h.forwardJSON(w, r, h.router.Rerank)
}

// operation is the shape shared by Router.Chat/Complete/Embed/Rerank.
type operation func(ctx context.Context, modelName string, requestOptions map[string]options.Value, w http.ResponseWriter, req *http.Request) error

// forwardJSON reads a JSON body once, extracts the model name and any
// request-level option overrides, re-wraps the body for the upstream
// forward (the backend still needs the full original payload), and hands
// off to op.
func (h *Handler) forwardJSON(w http.ResponseWriter, r *http.Request, op operation) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInferenceBodyBytes))
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	var parsed modelRequest
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if parsed.Model == "" {
		writeError(w, apierrors.New(apierrors.UnknownModel, "request is missing required field \"model\""))
		return
	}

	upstream := r.Clone(r.Context())
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.ContentLength = int64(len(body))

	if err := op(upstream.Context(), parsed.Model, requestOptionsFrom(parsed), w, upstream); err != nil {
		writeError(w, err)
	}
}

func requestOptionsFrom(req modelRequest) map[string]options.Value {
	out := make(map[string]options.Value, 3)
	if req.CtxSize != nil {
		out["ctx_size"] = options.IntValue(*req.CtxSize)
	}
	if req.LlamaCppBackend != nil {
		out["llamacpp_backend"] = options.StrValue(*req.LlamaCppBackend)
	}
	if req.LlamaCppArgs != nil {
		out["llamacpp_args"] = options.StrValue(*req.LlamaCppArgs)
	}
	return out
}

// handleAudio handles both /v1/audio/transcriptions and .../translations: a
// multipart/form-data body whose "model" field names the target backend.
// The original body is re-wrapped byte-for-byte so the backend still
// receives the full multipart payload, including the audio file.
func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInferenceBodyBytes))
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	model, err := multipartModelField(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}
	if model == "" {
		writeError(w, apierrors.New(apierrors.UnknownModel, "request is missing required field \"model\""))
		return
	}

	upstream := r.Clone(r.Context())
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.ContentLength = int64(len(body))

	if err := h.router.Transcribe(upstream.Context(), model, nil, w, upstream); err != nil {
		writeError(w, err)
	}
}

func multipartModelField(contentType string, body []byte) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	if mediaType != "multipart/form-data" {
		return "", apierrors.New(apierrors.Internal, "expected multipart/form-data, got %q", mediaType)
	}
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if part.FormName() == "model" {
			value, err := io.ReadAll(part)
			if err != nil {
				return "", err
			}
			return string(value), nil
		}
	}
}

// handleModels serves GET /v1/models from the ModelCatalog.
func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	descriptors := h.router.Catalog().List()
	out := modelList{Object: "list", Data: make([]modelInfo, 0, len(descriptors))}
	for _, d := range descriptors {
		out.Data = append(out.Data, modelInfo{ID: d.Name, Object: "model", OwnedBy: string(d.Recipe)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// writeError maps an apierrors.Error (or any other error) to the uniform
// {"error": "..."} JSON body and its documented HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, apierrors.StatusFor(err), err.Error())
}

// writeErrorStatus writes the uniform {"error": "..."} JSON body for
// transport-level failures (oversized body, malformed JSON) that have no
// corresponding apierrors.Kind.
func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}
