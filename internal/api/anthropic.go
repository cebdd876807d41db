package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/tensorforge/forge/internal/domain"
)

// ─── Anthropic-compatible API (/v1/messages) ───────────────────────────────
// Mirrors the other popular chat schema: named SSE events instead of
// OpenAI's single "data:"-only stream, an optional thinking block, and a
// tools list. Tool execution itself is out of scope here — Tools is
// threaded through to GenerationRequest only so a future backend variant
// can act on it; this engine's mock/subprocess backends never emit
// FinishToolCall.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []anthropicMessage  `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop_sequences,omitempty"`
	Stream      bool                `json:"stream"`
	ContextID   string              `json:"context_id,omitempty"`
	Thinking    *anthropicThinking  `json:"thinking,omitempty"`
	Tools       []anthropicToolSpec `json:"tools,omitempty"`
}

type anthropicThinking struct {
	Type string `json:"type"`
}

type anthropicToolSpec struct {
	Name string `json:"name"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	history := make([]domain.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		history = append(history, domain.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		history = append(history, domain.Message{Role: m.Role, Content: m.Content})
	}

	params := domain.DecodingParams{MaxTokens: req.MaxTokens, Temperature: 0.7, TopP: 0.9, StopSequences: req.Stop}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 2048
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}

	tools := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = t.Name
	}

	genReq := domain.GenerationRequest{
		ModelID:         req.Model,
		ContextID:       req.ContextID,
		History:         history,
		Params:          params,
		Stream:          req.Stream,
		ThinkingEnabled: req.Thinking != nil,
		Tools:           tools,
	}

	messageID := "msg-" + uuid.New().String()[:8]
	if req.Stream {
		s.streamMessage(w, r, genReq, req.Model, messageID)
		return
	}
	s.nonStreamMessage(w, r, genReq, req.Model, messageID)
}

func (s *Server) nonStreamMessage(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest, model, messageID string) {
	result, err := s.coordinator.Execute(r.Context(), req, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    messageID,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]interface{}{
			{"type": "text", "text": result.Text},
		},
		"stop_reason": anthropicStopReason(result.Finish),
		"usage": map[string]interface{}{
			"input_tokens":  result.ContextTokens + result.QueryTokens,
			"output_tokens": result.GeneratedTokens,
		},
	})
}

// streamMessage frames the named-event SSE sequence the Anthropic
// schema uses: message_start, one content_block_start/delta*/stop, then
// message_delta and message_stop.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest, model, messageID string) {
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sw.writeEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id": messageID, "type": "message", "role": "assistant", "model": model,
			"content": []interface{}{}, "usage": map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
		},
	})
	sw.writeEvent("content_block_start", map[string]interface{}{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})

	result, err := s.coordinator.Execute(r.Context(), req, func(tok domain.Token) {
		sw.writeEvent("content_block_delta", map[string]interface{}{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]interface{}{"type": "text_delta", "text": tok.Text},
		})
	})
	if err != nil {
		sw.writeEvent("error", map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type": domain.Classify(err).String(), "message": err.Error(),
			},
		})
		return
	}

	sw.writeEvent("content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": 0})
	sw.writeEvent("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": anthropicStopReason(result.Finish)},
		"usage": map[string]interface{}{"output_tokens": result.GeneratedTokens},
	})
	sw.writeEvent("message_stop", map[string]interface{}{"type": "message_stop"})
}

func anthropicStopReason(f domain.FinishReason) string {
	switch f {
	case domain.FinishStop:
		return "stop_sequence"
	case domain.FinishLength:
		return "max_tokens"
	case domain.FinishToolCall:
		return "tool_use"
	case domain.FinishCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
