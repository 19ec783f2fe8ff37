// Package ollama implements the Ollama-compatible ProtocolAdapter.
//
// Unlike the OpenAI adapter, which hands the backend's raw bytes straight
// through because the backend already speaks OpenAI's wire format, this
// adapter has to translate both directions: it builds an OpenAI-shaped chat
// or completion request from the incoming Ollama request, invokes Router
// against an internal response writer instead of the real client, and
// translates the OpenAI response — streamed SSE chunks included — into
// Ollama's newline-delimited JSON before it ever reaches the caller.
// Grounded on the teacher's ollama.HTTPHandler, whose
// streamingChatResponseWriter/responseRecorder pair performs the same
// translation in front of its own scheduler.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/apierrors"
	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
	"github.com/lemonade-sdk/lemonade-router/pkg/router"
)

const maxRequestBodyBytes = 64 << 20

// Handler is the Ollama ProtocolAdapter: a translation layer in front of
// Router that also answers the catalog-introspection surface (/api/tags,
// /api/show, /api/ps, /api/delete, /api/pull) directly from ModelCatalog.
type Handler struct {
	router *router.Router
	log    logging.Logger
}

// New constructs a Handler around an already-wired Router.
func New(r *router.Router, log logging.Logger) *Handler {
	return &Handler{router: r, log: log}
}

// Routes returns the adapter's route table for pkg/server to merge into its
// single mux. The three unimplemented management endpoints and the blob
// store answer 501, matching Ollama's own response for a server that has no
// local build/push support.
func (h *Handler) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET " + APIPrefix + "/version":     h.handleVersion,
		"GET " + APIPrefix + "/tags":        h.handleListModels,
		"GET " + APIPrefix + "/ps":          h.handlePS,
		"POST " + APIPrefix + "/show":       h.handleShow,
		"POST " + APIPrefix + "/chat":       h.handleChat,
		"POST " + APIPrefix + "/generate":   h.handleGenerate,
		"POST " + APIPrefix + "/embed":      h.handleEmbed,
		"POST " + APIPrefix + "/embeddings": h.handleEmbed,
		"POST " + APIPrefix + "/pull":       h.handlePull,
		"DELETE " + APIPrefix + "/delete":   h.handleDelete,
		"GET /":                             h.handleRoot,
		"POST " + APIPrefix + "/create":     handleNotSupported,
		"POST " + APIPrefix + "/copy":       handleNotSupported,
		"POST " + APIPrefix + "/push":       handleNotSupported,
		"POST " + APIPrefix + "/blobs/{digest...}": handleNotSupported,
		"HEAD " + APIPrefix + "/blobs/{digest...}": handleNotSupported,
	}
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("Ollama is running"))
}

func handleNotSupported(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "not supported"})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": "0.1.0"})
}

// handleListModels handles GET /api/tags from the catalog directly; no
// backend round trip is involved.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	descriptors := h.router.Catalog().List()
	resp := ListResponse{Models: make([]ModelResponse, 0, len(descriptors))}
	for _, d := range descriptors {
		resp.Models = append(resp.Models, modelResponseFor(d))
	}
	writeJSON(w, h.log, resp)
}

func modelResponseFor(d catalog.Descriptor) ModelResponse {
	return ModelResponse{
		Name:    d.Name,
		Model:   d.Name,
		Digest:  d.Name,
		Details: modelDetailsFor(d),
	}
}

func modelDetailsFor(d catalog.Descriptor) ModelDetails {
	return ModelDetails{
		Format:   "gguf",
		Family:   string(d.Recipe),
		Families: []string{string(d.Recipe)},
	}
}

// handlePS handles GET /api/ps from the pool's live-slot snapshot.
func (h *Handler) handlePS(w http.ResponseWriter, r *http.Request) {
	running := h.router.ListRunning()
	models := make([]PSModel, 0, len(running))
	for _, info := range running {
		models = append(models, PSModel{Name: info.Name, Model: info.Name, Digest: info.Name})
	}
	writeJSON(w, h.log, map[string]interface{}{"models": models})
}

// handleShow handles POST /api/show from the catalog; there is no modelfile
// or license to report since models are installed, not built.
func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	var req ShowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	name := firstNonEmpty(req.Name, req.Model)
	desc, err := h.router.Catalog().Lookup(name)
	if err != nil {
		writeOllamaError(w, err)
		return
	}
	writeJSON(w, h.log, ShowResponse{Details: modelDetailsFor(desc)})
}

// handleDelete handles DELETE /api/delete: unload the running slot (if any),
// then remove the descriptor and its cached files from the catalog.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	name := firstNonEmpty(req.Name, req.Model)

	if err := h.router.Unload(name); err != nil && apierrors.KindFor(err) != apierrors.UnknownModel {
		writeOllamaError(w, err)
		return
	}
	if err := h.router.Catalog().Delete(name); err != nil {
		writeOllamaError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}

// handlePull handles POST /api/pull, relaying ModelCatalog.Pull's progress
// events as Ollama-format NDJSON lines.
func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	name := firstNonEmpty(req.Name, req.Model)

	// Ollama's pull API carries no recipe field; every model it names is a
	// GGUF checkpoint, so llamacpp is the only sensible default here.
	events, err := h.router.Catalog().Pull(name, options.RecipeLlamaCpp, nil)
	if err != nil {
		writeOllamaError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for ev := range events {
		status := ollamaPullStatus{Status: ev.Status, Total: uint64(ev.TotalBytes), Completed: uint64(ev.CompletedBytes), Error: ev.Error}
		if data, err := json.Marshal(status); err == nil {
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n"))
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleChat handles POST /api/chat.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	modelName := firstNonEmpty(req.Name, req.Model)

	if isUnloadKeepAlive(req.KeepAlive) {
		h.unloadAndAcknowledge(w, modelName)
		return
	}

	stream := req.Stream == nil || *req.Stream
	openAIReq := map[string]interface{}{
		"model":    modelName,
		"messages": convertMessages(req.Messages),
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		openAIReq["tools"] = req.Tools
	}
	if req.ToolChoice != nil {
		openAIReq["tool_choice"] = req.ToolChoice
	}
	mapOllamaOptionsToOpenAI(req.Options, openAIReq)

	h.roundTripChat(w, r.Context(), openAIReq, modelName, stream)
}

// handleGenerate handles POST /api/generate, implemented on top of the same
// chat-completion path as handleChat (a single user-role message).
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	modelName := firstNonEmpty(req.Name, req.Model)

	if isUnloadKeepAlive(req.KeepAlive) {
		h.unloadAndAcknowledge(w, modelName)
		return
	}

	stream := req.Stream == nil || *req.Stream
	openAIReq := map[string]interface{}{
		"model":    modelName,
		"messages": convertMessages([]Message{{Role: "user", Content: req.Prompt}}),
		"stream":   stream,
	}
	mapOllamaOptionsToOpenAI(req.Options, openAIReq)

	h.roundTripGenerate(w, r.Context(), openAIReq, modelName, stream)
}

func isUnloadKeepAlive(keepAlive string) bool {
	return keepAlive == "0" || keepAlive == "0s" || keepAlive == "0m"
}

func (h *Handler) unloadAndAcknowledge(w http.ResponseWriter, modelName string) {
	if err := h.router.Unload(modelName); err != nil && apierrors.KindFor(err) != apierrors.UnknownModel {
		writeOllamaError(w, err)
		return
	}
	writeJSON(w, h.log, ChatResponse{Model: modelName, CreatedAt: time.Now(), Done: true})
}

// roundTripChat sends openAIReq to Router.Chat and translates the response
// (streaming or not) into Ollama's ChatResponse wire format.
func (h *Handler) roundTripChat(w http.ResponseWriter, ctx context.Context, openAIReq map[string]interface{}, modelName string, stream bool) {
	upstream, err := h.buildUpstreamRequest(ctx, openAIReq)
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}

	if stream {
		sw := &chatStreamWriter{w: w, modelName: modelName, log: h.log}
		if err := h.router.Chat(ctx, modelName, nil, sw, upstream); err != nil {
			h.writeStreamOrHeaderError(w, sw.headersSent, err)
		}
		return
	}

	rec := newResponseRecorder()
	if err := h.router.Chat(ctx, modelName, nil, rec, upstream); err != nil {
		writeOllamaError(w, err)
		return
	}
	h.finishChatResponse(w, rec, modelName)
}

func (h *Handler) roundTripGenerate(w http.ResponseWriter, ctx context.Context, openAIReq map[string]interface{}, modelName string, stream bool) {
	upstream, err := h.buildUpstreamRequest(ctx, openAIReq)
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}

	if stream {
		sw := &generateStreamWriter{w: w, modelName: modelName, log: h.log}
		if err := h.router.Chat(ctx, modelName, nil, sw, upstream); err != nil {
			h.writeStreamOrHeaderError(w, sw.headersSent, err)
		}
		return
	}

	rec := newResponseRecorder()
	if err := h.router.Chat(ctx, modelName, nil, rec, upstream); err != nil {
		writeOllamaError(w, err)
		return
	}
	h.finishGenerateResponse(w, rec, modelName)
}

func (h *Handler) writeStreamOrHeaderError(w http.ResponseWriter, headersSent bool, err error) {
	if headersSent {
		// The stream already started; there is no clean way to retarget the
		// status line, so the failure simply ends the stream here.
		h.log.WithError(err).Warnf("ollama stream aborted mid-flight")
		return
	}
	writeOllamaError(w, err)
}

// buildUpstreamRequest marshals an OpenAI-shaped request body and wraps it
// in an *http.Request addressed at the chat-completions path the backend
// answers on, ready to hand to Router.
func (h *Handler) buildUpstreamRequest(ctx context.Context, openAIReq map[string]interface{}) (*http.Request, error) {
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))
	return req, nil
}

// handleEmbed handles both POST /api/embed and the legacy POST
// /api/embeddings, distinguished by whether the body carries "input" or
// "prompt".
func (h *Handler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	var req embedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeOllamaErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	modelName := firstNonEmpty(req.Name, req.Model)
	inputs, legacy := req.inputs()
	if len(inputs) == 0 {
		writeOllamaErrorStatus(w, http.StatusBadRequest, "request is missing \"input\" or \"prompt\"")
		return
	}

	openAIReq := map[string]interface{}{"model": modelName, "input": inputs}
	reqBody, err := json.Marshal(openAIReq)
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	upstream.Header.Set("Content-Type", "application/json")
	upstream.ContentLength = int64(len(reqBody))

	rec := newResponseRecorder()
	if err := h.router.Embed(r.Context(), modelName, nil, rec, upstream); err != nil {
		writeOllamaError(w, err)
		return
	}
	h.finishEmbedResponse(w, rec, modelName, legacy)
}

func (h *Handler) finishChatResponse(w http.ResponseWriter, rec *responseRecorder, modelName string) {
	if rec.statusCode != http.StatusOK {
		forwardOpenAIError(w, rec)
		return
	}
	var openAIResp openAIChatResponse
	if err := json.Unmarshal(rec.body.Bytes(), &openAIResp); err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, "failed to parse upstream response")
		return
	}
	message := Message{Role: "assistant"}
	if len(openAIResp.Choices) > 0 {
		message.Content = openAIResp.Choices[0].Message.Content
		if len(openAIResp.Choices[0].Message.ToolCalls) > 0 {
			message.ToolCalls = openAIResp.Choices[0].Message.ToolCalls
		}
	}
	writeJSON(w, h.log, ChatResponse{Model: modelName, CreatedAt: time.Now(), Message: message, Done: true})
}

func (h *Handler) finishGenerateResponse(w http.ResponseWriter, rec *responseRecorder, modelName string) {
	if rec.statusCode != http.StatusOK {
		forwardOpenAIError(w, rec)
		return
	}
	var openAIResp openAIChatResponse
	if err := json.Unmarshal(rec.body.Bytes(), &openAIResp); err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, "failed to parse upstream response")
		return
	}
	var content string
	if len(openAIResp.Choices) > 0 {
		content = openAIResp.Choices[0].Message.Content
	}
	writeJSON(w, h.log, GenerateResponse{Model: modelName, CreatedAt: time.Now(), Response: content, Done: true})
}

func (h *Handler) finishEmbedResponse(w http.ResponseWriter, rec *responseRecorder, modelName string, legacy bool) {
	if rec.statusCode != http.StatusOK {
		forwardOpenAIError(w, rec)
		return
	}
	var openAIResp openAIEmbeddingResponse
	if err := json.Unmarshal(rec.body.Bytes(), &openAIResp); err != nil {
		writeOllamaErrorStatus(w, http.StatusInternalServerError, "failed to parse upstream response")
		return
	}
	embeddings := make([][]float64, len(openAIResp.Data))
	for _, d := range openAIResp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	if legacy {
		var single []float64
		if len(embeddings) > 0 {
			single = embeddings[0]
		}
		writeJSON(w, h.log, map[string]interface{}{"embedding": single})
		return
	}
	writeJSON(w, h.log, map[string]interface{}{"model": modelName, "embeddings": embeddings})
}

// forwardOpenAIError translates the backend's OpenAI-shaped error body into
// Ollama's flat {"error": "..."} shape, falling back to the raw body when it
// doesn't parse.
func forwardOpenAIError(w http.ResponseWriter, rec *responseRecorder) {
	w.WriteHeader(rec.statusCode)
	var openAIErr openAIErrorResponse
	if err := json.Unmarshal(rec.body.Bytes(), &openAIErr); err == nil && openAIErr.Error.Message != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"error": openAIErr.Error.Message})
		return
	}
	_, _ = w.Write(rec.body.Bytes())
}

func writeOllamaError(w http.ResponseWriter, err error) {
	writeOllamaErrorStatus(w, apierrors.StatusFor(err), err.Error())
}

func writeOllamaErrorStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, log logging.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Errorf("failed to encode ollama response")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// mapOllamaOptionsToOpenAI maps the subset of Ollama generation options with
// direct OpenAI equivalents, passing unmapped backend-specific knobs through
// as-is and letting the backend decide whether to honor them.
func mapOllamaOptionsToOpenAI(ollamaOpts map[string]interface{}, openAIReq map[string]interface{}) {
	direct := map[string]string{
		"temperature":       "temperature",
		"top_p":             "top_p",
		"top_k":             "top_k",
		"num_predict":       "max_tokens",
		"stop":              "stop",
		"seed":              "seed",
		"presence_penalty":  "presence_penalty",
		"frequency_penalty": "frequency_penalty",
	}
	for ollamaKey, openAIKey := range direct {
		if val, ok := ollamaOpts[ollamaKey]; ok {
			openAIReq[openAIKey] = val
		}
	}
	passthrough := []string{"repeat_last_n", "typical_p", "min_p", "num_keep", "num_batch", "num_gpu", "main_gpu", "use_mmap", "num_thread"}
	for _, key := range passthrough {
		if val, ok := ollamaOpts[key]; ok {
			openAIReq[key] = val
		}
	}
}

// convertMessages converts Ollama chat messages to the OpenAI message shape.
func convertMessages(messages []Message) []map[string]interface{} {
	result := make([]map[string]interface{}, len(messages))
	for i, msg := range messages {
		m := map[string]interface{}{"role": msg.Role, "content": msg.Content}
		if len(msg.ToolCalls) > 0 {
			m["tool_calls"] = msg.ToolCalls
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.Images) > 0 {
			m["images"] = msg.Images
		}
		result[i] = m
	}
	return result
}

// responseRecorder is a minimal http.ResponseWriter that buffers a
// non-streaming upstream response for translation.
type responseRecorder struct {
	statusCode int
	headers    http.Header
	body       *bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{statusCode: http.StatusOK, headers: make(http.Header), body: &bytes.Buffer{}}
}

func (rr *responseRecorder) Header() http.Header         { return rr.headers }
func (rr *responseRecorder) Write(data []byte) (int, error) { return rr.body.Write(data) }
func (rr *responseRecorder) WriteHeader(statusCode int)   { rr.statusCode = statusCode }

// chatStreamWriter translates an OpenAI chat-completion SSE stream into
// Ollama NDJSON ChatResponse frames as bytes arrive, never buffering the
// full response.
type chatStreamWriter struct {
	w           http.ResponseWriter
	modelName   string
	log         logging.Logger
	buffer      bytes.Buffer
	headersSent bool
	failed      bool
}

func (s *chatStreamWriter) Header() http.Header { return s.w.Header() }

func (s *chatStreamWriter) WriteHeader(statusCode int) {
	s.headersSent = true
	if statusCode != http.StatusOK {
		s.failed = true
		s.w.WriteHeader(statusCode)
		return
	}
	s.w.Header().Set("Content-Type", "application/x-ndjson")
	s.w.WriteHeader(statusCode)
}

func (s *chatStreamWriter) Write(data []byte) (int, error) {
	if !s.headersSent {
		s.WriteHeader(http.StatusOK)
	}
	if s.failed {
		return s.w.Write(data)
	}

	s.buffer.Write(data)
	for {
		line, ok := nextLine(&s.buffer)
		if !ok {
			break
		}
		s.translateLine(line)
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return len(data), nil
}

func (s *chatStreamWriter) translateLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	payload := strings.TrimPrefix(line, "data: ")
	if payload == "[DONE]" {
		s.writeFrame(ChatResponse{Model: s.modelName, CreatedAt: time.Now(), Done: true})
		return
	}
	var chunk openAIChatStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.log.WithError(err).Warnf("failed to parse upstream chat stream chunk")
		return
	}
	message := Message{Role: "assistant"}
	if len(chunk.Choices) > 0 {
		message.Content = chunk.Choices[0].Delta.Content
		if len(chunk.Choices[0].Delta.ToolCalls) > 0 {
			message.ToolCalls = chunk.Choices[0].Delta.ToolCalls
		}
	}
	s.writeFrame(ChatResponse{Model: s.modelName, CreatedAt: time.Now(), Message: message, Done: false})
}

func (s *chatStreamWriter) writeFrame(resp ChatResponse) {
	if data, err := json.Marshal(resp); err == nil {
		_, _ = s.w.Write(data)
		_, _ = s.w.Write([]byte("\n"))
	}
}

// generateStreamWriter is chatStreamWriter's counterpart for /api/generate.
type generateStreamWriter struct {
	w           http.ResponseWriter
	modelName   string
	log         logging.Logger
	buffer      bytes.Buffer
	headersSent bool
	failed      bool
}

func (s *generateStreamWriter) Header() http.Header { return s.w.Header() }

func (s *generateStreamWriter) WriteHeader(statusCode int) {
	s.headersSent = true
	if statusCode != http.StatusOK {
		s.failed = true
		s.w.WriteHeader(statusCode)
		return
	}
	s.w.Header().Set("Content-Type", "application/x-ndjson")
	s.w.WriteHeader(statusCode)
}

func (s *generateStreamWriter) Write(data []byte) (int, error) {
	if !s.headersSent {
		s.WriteHeader(http.StatusOK)
	}
	if s.failed {
		return s.w.Write(data)
	}

	s.buffer.Write(data)
	for {
		line, ok := nextLine(&s.buffer)
		if !ok {
			break
		}
		s.translateLine(line)
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return len(data), nil
}

func (s *generateStreamWriter) translateLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	payload := strings.TrimPrefix(line, "data: ")
	if payload == "[DONE]" {
		s.writeFrame(GenerateResponse{Model: s.modelName, CreatedAt: time.Now(), Done: true})
		return
	}
	var chunk openAIChatStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.log.WithError(err).Warnf("failed to parse upstream completion stream chunk")
		return
	}
	var content string
	if len(chunk.Choices) > 0 {
		content = chunk.Choices[0].Delta.Content
	}
	s.writeFrame(GenerateResponse{Model: s.modelName, CreatedAt: time.Now(), Response: content, Done: false})
}

func (s *generateStreamWriter) writeFrame(resp GenerateResponse) {
	if data, err := json.Marshal(resp); err == nil {
		_, _ = s.w.Write(data)
		_, _ = s.w.Write([]byte("\n"))
	}
}

// nextLine pops one complete newline-terminated line off buf, leaving any
// trailing partial line in place for the next Write.
func nextLine(buf *bytes.Buffer) (string, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	buf.Next(idx + 1)
	return line, true
}
