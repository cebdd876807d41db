package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tensorforge/forge/internal/domain"
)

// ─── OpenAI-compatible API (/v1/chat/completions) ──────────────────────────
// Mimics the OpenAI chat completions schema so any client built for that
// API can talk to this engine, with one extension: an optional
// context_id field binding the request to a previously ingested KV
// context.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	Stop        []string      `json:"stop,omitempty"`
	ContextID   string        `json:"context_id,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	genReq := domain.GenerationRequest{
		ModelID:   req.Model,
		ContextID: req.ContextID,
		History:   toMessages(req.Messages),
		Params:    decodingParamsFromChat(req),
		Stream:    req.Stream,
	}

	completionID := "chatcmpl-" + uuid.New().String()[:8]
	if req.Stream {
		s.streamChatCompletion(w, r, genReq, req.Model, completionID)
		return
	}
	s.nonStreamChatCompletion(w, r, genReq, req.Model, completionID)
}

func toMessages(in []chatMessage) []domain.Message {
	out := make([]domain.Message, len(in))
	for i, m := range in {
		out[i] = domain.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func decodingParamsFromChat(req chatRequest) domain.DecodingParams {
	params := domain.DecodingParams{MaxTokens: 2048, Temperature: 0.7, TopP: 0.9}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

func (s *Server) nonStreamChatCompletion(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest, model, completionID string) {
	result, err := s.coordinator.Execute(r.Context(), req, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": result.Text,
				},
				"finish_reason": openAIFinishReason(result.Finish),
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     result.ContextTokens + result.QueryTokens,
			"completion_tokens": result.GeneratedTokens,
			"total_tokens":      result.ContextTokens + result.QueryTokens + result.GeneratedTokens,
		},
		"cache_hit": result.CacheHit,
	})
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest, model, completionID string) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	result, err := s.coordinator.Execute(r.Context(), req, func(tok domain.Token) {
		sw.writeEvent("", map[string]interface{}{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]interface{}{
				{"index": 0, "delta": map[string]interface{}{"content": tok.Text}, "finish_reason": nil},
			},
		})
	})
	if err != nil {
		sw.writeEvent("", map[string]interface{}{"error": map[string]interface{}{
			"code": domain.Classify(err).String(), "message": err.Error(),
		}})
		sw.writeRaw("data: [DONE]")
		return
	}

	sw.writeEvent("", map[string]interface{}{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{"index": 0, "delta": map[string]interface{}{}, "finish_reason": openAIFinishReason(result.Finish)},
		},
	})
	sw.writeRaw("data: [DONE]")
}

func openAIFinishReason(f domain.FinishReason) string {
	switch f {
	case domain.FinishStop:
		return "stop"
	case domain.FinishLength:
		return "length"
	case domain.FinishToolCall:
		return "tool_calls"
	case domain.FinishCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
