package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tensorforge/forge/internal/domain"
)

type fakeCoordinator struct {
	result domain.GenerationResult
	err    error
	tokens []domain.Token
}

func (f *fakeCoordinator) Execute(ctx context.Context, req domain.GenerationRequest, onToken func(domain.Token)) (domain.GenerationResult, error) {
	if f.err != nil {
		return domain.GenerationResult{}, f.err
	}
	if onToken != nil {
		for _, tok := range f.tokens {
			onToken(tok)
		}
	}
	return f.result, nil
}

type fakeModels struct {
	handles []domain.ModelHandle
	active  *domain.ModelHandle
	err     error
}

func (f *fakeModels) Load(ctx context.Context, id, sourcePath string, opts domain.LoadOptions) (*domain.ModelHandle, error) {
	return nil, f.err
}
func (f *fakeModels) Unload(id string) error                      { return f.err }
func (f *fakeModels) Switch(id string) (domain.SwitchResult, error) {
	if f.err != nil {
		return domain.SwitchResult{}, f.err
	}
	return domain.SwitchResult{Active: id}, nil
}
func (f *fakeModels) Get(id string) (*domain.ModelHandle, bool) { return nil, false }
func (f *fakeModels) List() []domain.ModelHandle                { return f.handles }
func (f *fakeModels) IsLoaded(id string) bool                   { return false }
func (f *fakeModels) Active() (*domain.ModelHandle, bool) {
	if f.active == nil {
		return nil, false
	}
	return f.active, true
}

func newTestServer(coord domain.Coordinator, models domain.ModelManager) *Server {
	return NewServer(coord, models, nil, nil)
}

func TestHealthReturnsOK(t *testing.T) {
	srv := newTestServer(&fakeCoordinator{}, &fakeModels{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	coord := &fakeCoordinator{result: domain.GenerationResult{Text: "hello there", Finish: domain.FinishStop}}
	srv := newTestServer(coord, &fakeModels{})

	body, _ := json.Marshal(chatRequest{Model: "model-a", Messages: []chatMessage{{Role: "user", Content: "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	choices, _ := resp["choices"].([]interface{})
	if len(choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(choices))
	}
}

func TestChatCompletionsMissingModelIsBadRequest(t *testing.T) {
	srv := newTestServer(&fakeCoordinator{}, &fakeModels{})
	body, _ := json.Marshal(chatRequest{Messages: []chatMessage{{Role: "user", Content: "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionsDomainErrorMapsToStatus(t *testing.T) {
	coord := &fakeCoordinator{err: domain.ErrModelNotLoaded}
	srv := newTestServer(coord, &fakeModels{})
	body, _ := json.Marshal(chatRequest{Model: "model-a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for ErrModelNotLoaded", rec.Code)
	}
}

func TestMessagesNonStreaming(t *testing.T) {
	coord := &fakeCoordinator{result: domain.GenerationResult{Text: "ack", Finish: domain.FinishStop}}
	srv := newTestServer(coord, &fakeModels{})

	body, _ := json.Marshal(anthropicRequest{Model: "model-a", Messages: []anthropicMessage{{Role: "user", Content: "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["stop_reason"] != "stop_sequence" {
		t.Errorf("stop_reason = %v, want stop_sequence", resp["stop_reason"])
	}
}

func TestListModels(t *testing.T) {
	handle := domain.ModelHandle{ID: "model-a", Role: domain.RoleText}
	models := &fakeModels{handles: []domain.ModelHandle{handle}, active: &handle}
	srv := newTestServer(&fakeCoordinator{}, models)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Models []modelInfo `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || !resp.Models[0].Active {
		t.Errorf("models = %+v, want one active model", resp.Models)
	}
}

func TestSwitchModelUnknownIDIsNotFound(t *testing.T) {
	models := &fakeModels{err: domain.ErrModelNotLoaded}
	srv := newTestServer(&fakeCoordinator{}, models)

	body, _ := json.Marshal(modelIDRequest{ID: "nope"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/models/switch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestContextsRoutesWithoutCacheReturnNotFound(t *testing.T) {
	srv := newTestServer(&fakeCoordinator{}, &fakeModels{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/contexts/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no context cache is wired", rec.Code)
	}
}
