package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tensorforge/forge/internal/domain"
)

// ─── Models ─────────────────────────────────────────────────────────────────

type modelInfo struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Tier       string `json:"tier"`
	QuantLabel string `json:"quant_label"`
	Active     bool   `json:"active"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	handles := s.models.List()
	active, hasActive := s.models.Active()

	out := make([]modelInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, modelInfo{
			ID:         h.ID,
			Role:       h.Role.String(),
			Tier:       h.Tier.String(),
			QuantLabel: h.QuantLabel,
			Active:     hasActive && active.ID == h.ID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": out})
}

type loadModelRequest struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	QuantLabel string `json:"quant_label"`
	Role       string `json:"role"`
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID == "" || req.SourcePath == "" {
		writeError(w, http.StatusBadRequest, "id and source_path are required")
		return
	}

	opts := domain.LoadOptions{QuantLabel: req.QuantLabel, Role: parseRole(req.Role)}
	handle, err := s.models.Load(r.Context(), req.ID, req.SourcePath, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelInfo{
		ID: handle.ID, Role: handle.Role.String(), Tier: handle.Tier.String(), QuantLabel: handle.QuantLabel,
	})
}

type modelIDRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	var req modelIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result, err := s.models.Switch(req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":        result.Active,
		"previous":      result.Previous,
		"elapsed_nanos": result.Elapsed.Nanoseconds(),
	})
}

func (s *Server) handleUnloadModel(w http.ResponseWriter, r *http.Request) {
	var req modelIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.models.Unload(req.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tierStatsJSON(s.memory.Stats()))
}

func parseRole(role string) domain.ModelRole {
	switch role {
	case "vision":
		return domain.RoleVision
	case "diffusion":
		return domain.RoleDiffusion
	default:
		return domain.RoleText
	}
}

func tierStatsJSON[K interface{ String() string }](stats map[K]domain.TierStats) map[string]interface{} {
	out := make(map[string]interface{}, len(stats))
	for tier, s := range stats {
		out[tier.String()] = map[string]interface{}{
			"capacity":    s.Capacity,
			"used":        s.Used,
			"allocations": s.Allocations,
			"hits":        s.Hits,
			"misses":      s.Misses,
			"promotions":  s.Promotions,
			"demotions":   s.Demotions,
		}
	}
	return out
}

// ─── Contexts ───────────────────────────────────────────────────────────────

type ingestContextRequest struct {
	ModelID    string `json:"model_id"`
	Text       string `json:"text"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func contextJSON(c domain.CachedContext) map[string]interface{} {
	return map[string]interface{}{
		"id":           c.ID,
		"model_id":     c.ModelID,
		"token_count":  c.TokenCount,
		"tier":         c.Tier.String(),
		"byte_size":    c.ByteSize,
		"created_at":   c.CreatedAt,
		"last_access":  c.LastAccess,
		"access_count": c.AccessCount,
		"checksum":     c.Checksum,
	}
}

func (s *Server) handleIngestContext(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	var req ingestContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}

	cc, err := s.contexts.Ingest(r.Context(), req.ModelID, req.Text, req.TTLSeconds, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contextJSON(*cc))
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": []interface{}{}})
		return
	}
	list := s.contexts.List()
	out := make([]map[string]interface{}, 0, len(list))
	for _, c := range list {
		out = append(out, contextJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": out})
}

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tierStatsJSON(s.contexts.Stats()))
}

type queryContextRequest struct {
	Query  string                `json:"query"`
	Stream bool                  `json:"stream"`
	Params domain.DecodingParams `json:"params"`
}

func (s *Server) handleQueryContext(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	id := chi.URLParam(r, "id")
	var req queryContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	_, meta, err := s.contexts.View(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	genReq := domain.GenerationRequest{
		ModelID:   meta.ModelID,
		ContextID: id,
		History:   []domain.Message{{Role: "user", Content: req.Query}},
		Params:    req.Params,
		Stream:    req.Stream,
	}
	executeAndRespond(s.coordinator, w, r.Context(), genReq)
}

func (s *Server) handlePromoteContext(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	if err := s.contexts.Promote(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
}

func (s *Server) handleDemoteContext(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	if err := s.contexts.Demote(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "demoted"})
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	if s.contexts == nil {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	if err := s.contexts.Delete(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// executeAndRespond runs one generation through the coordinator,
// streaming over SSE if requested. The native context-query endpoint is
// its only caller; the OpenAI/Anthropic-compatible endpoints frame their
// own responses.
func executeAndRespond(coordinator domain.Coordinator, w http.ResponseWriter, ctx context.Context, req domain.GenerationRequest) {
	if !req.Stream {
		result, err := coordinator.Execute(ctx, req, nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"text":             result.Text,
			"context_tokens":   result.ContextTokens,
			"query_tokens":     result.QueryTokens,
			"generated_tokens": result.GeneratedTokens,
			"cache_hit":        result.CacheHit,
			"finish_reason":    result.Finish.String(),
		})
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	_, err := coordinator.Execute(ctx, req, func(tok domain.Token) {
		sw.writeEvent("", map[string]interface{}{"text": tok.Text, "done": tok.Done})
	})
	if err != nil {
		sw.writeEvent("error", map[string]interface{}{
			"code":    domain.Classify(err).String(),
			"message": err.Error(),
		})
		return
	}
	sw.writeRaw("data: [DONE]")
}
