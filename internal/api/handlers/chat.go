package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/KiroGateway/internal/api/middleware"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
	"github.com/router-for-me/KiroGateway/internal/runtime/executor"
)

// ChatCompletions serves POST /v1/chat/completions, streaming or not per
// the request's "stream" flag.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}
	if !gjson.ValidBytes(body) {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if gjson.GetBytes(body, "model").String() == "" {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "missing required field: model")
		return
	}
	if !gjson.GetBytes(body, "messages").IsArray() {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "missing required field: messages")
		return
	}

	cred, err := h.Resolver.Resolve(c)
	if err != nil {
		switch {
		case errors.Is(err, middleware.ErrMissingBearer):
			authErrorJSON(c, http.StatusUnauthorized, "missing_token", "Authorization header must carry a Kiro refresh token")
		case errors.Is(err, middleware.ErrNoCredential):
			errorJSON(c, http.StatusServiceUnavailable, "no_credential", "no Kiro credential is configured")
		default:
			authErrorJSON(c, http.StatusUnauthorized, "invalid_token", "credential validation failed: "+err.Error())
		}
		return
	}

	payload, model, err := executor.BuildPayload(body, cred)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	middleware.RecordChatRequest(model, stream)

	cfg := h.Cfg()
	opts := executor.StreamOptions{
		FirstTokenTimeout:    cfg.FirstTokenTimeoutDuration(),
		FirstTokenMaxRetries: cfg.FirstTokenMaxRetries,
		ReadTimeout:          cfg.StreamingReadTimeoutDuration(),
	}

	if stream {
		h.streamCompletion(c, cred, payload, model, opts)
		return
	}
	h.collectCompletion(c, cred, payload, body, model, opts)
}

// writeChatError maps executor failures onto downstream error responses.
// When the upstream rejects a per-request credential that came from the
// resolver cache, the entry is dropped so the next request revalidates.
func (h *Handler) writeChatError(c *gin.Context, err error) {
	if errors.Is(err, executor.ErrFirstTokenTimeout) {
		errorJSON(c, http.StatusInternalServerError, "first_token_timeout", "upstream produced no output within the first-token timeout")
		return
	}
	status := executor.HTTPStatusFrom(err)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		h.Resolver.InvalidateBearer(c)
		authErrorJSON(c, status, "invalid_token", err.Error())
		return
	}
	errorJSON(c, status, "upstream_error", err.Error())
}

type chunkWriter struct {
	c       *gin.Context
	id      string
	model   string
	created int64
	sent    bool
}

// write emits one SSE chunk with the given delta JSON fragment applied at
// choices.0.
func (w *chunkWriter) write(set func(chunk []byte) ([]byte, error)) error {
	chunk := []byte(`{}`)
	var err error
	step := func(path string, value any) {
		if err != nil {
			return
		}
		chunk, err = sjson.SetBytes(chunk, path, value)
	}
	step("id", w.id)
	step("object", "chat.completion.chunk")
	step("created", w.created)
	step("model", w.model)
	step("choices.0.index", 0)
	if err != nil {
		return err
	}
	if chunk, err = set(chunk); err != nil {
		return err
	}
	if _, err = w.c.Writer.WriteString("data: " + string(chunk) + "\n\n"); err != nil {
		return err
	}
	w.c.Writer.Flush()
	w.sent = true
	return nil
}

func (w *chunkWriter) delta(content string) error {
	return w.write(func(chunk []byte) ([]byte, error) {
		chunk, err := sjson.SetBytes(chunk, "choices.0.delta.role", "assistant")
		if err != nil {
			return nil, err
		}
		chunk, err = sjson.SetBytes(chunk, "choices.0.delta.content", content)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(chunk, "choices.0.finish_reason", []byte("null"))
	})
}

func (w *chunkWriter) toolCalls(calls []executor.ToolCall) error {
	return w.write(func(chunk []byte) ([]byte, error) {
		for i, tc := range calls {
			indexed := struct {
				Index int `json:"index"`
				executor.ToolCall
			}{Index: i, ToolCall: tc}
			var err error
			chunk, err = sjson.SetBytes(chunk, "choices.0.delta.tool_calls.-1", indexed)
			if err != nil {
				return nil, err
			}
		}
		return sjson.SetRawBytes(chunk, "choices.0.finish_reason", []byte("null"))
	})
}

func (w *chunkWriter) finish(reason string) error {
	return w.write(func(chunk []byte) ([]byte, error) {
		chunk, err := sjson.SetBytes(chunk, "choices.0.delta", struct{}{})
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(chunk, "choices.0.finish_reason", reason)
	})
}

func (w *chunkWriter) done() {
	if _, err := w.c.Writer.WriteString("data: [DONE]\n\n"); err == nil {
		w.c.Writer.Flush()
	}
}

func (h *Handler) streamCompletion(c *gin.Context, cred kiro.Credential, payload []byte, model string, opts executor.StreamOptions) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	w := &chunkWriter{
		c:       c,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}

	result, err := h.Client.Stream(c.Request.Context(), cred, payload, opts, func(ev executor.Event) error {
		if ev.Kind == executor.EventContent && ev.Content != "" {
			return w.delta(ev.Content)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away mid-stream.
			log.Debug("client disconnected during streaming")
			return
		}
		if w.sent {
			// Headers are out; the best we can do is log and close.
			log.Errorf("stream failed after first delta: %v", err)
			w.done()
			return
		}
		h.writeChatError(c, err)
		return
	}

	if len(result.ToolCalls) > 0 {
		if err := w.toolCalls(result.ToolCalls); err != nil {
			log.Debugf("write tool call chunk: %v", err)
			return
		}
	}
	if err := w.finish(result.FinishReason()); err != nil {
		log.Debugf("write finish chunk: %v", err)
		return
	}
	w.done()
}

func (h *Handler) collectCompletion(c *gin.Context, cred kiro.Credential, payload, openaiBody []byte, model string, opts executor.StreamOptions) {
	result, err := h.Client.Stream(c.Request.Context(), cred, payload, opts, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.writeChatError(c, err)
		return
	}

	promptTokens := executor.CountTokens(executor.PromptText(openaiBody))
	completionTokens := int(result.Usage)
	if completionTokens == 0 {
		completionTokens = executor.CountTokens(result.Content)
	}

	message := gin.H{
		"role":    "assistant",
		"content": result.Content,
	}
	if len(result.ToolCalls) > 0 {
		message["tool_calls"] = result.ToolCalls
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"message":       message,
			"finish_reason": result.FinishReason(),
		}},
		"usage": gin.H{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
}
