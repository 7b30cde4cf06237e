// Package pipelinecfg 流水线配置 - Handler 单元测试
//
// 测试类型：Unit Test（使用 Mock 隔离存储层，校验器用真实 Loader）
package pipelinecfg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskpilot/internal/pipeline"
	"taskpilot/internal/shared/model"
	"taskpilot/internal/shared/storage"
)

// ============================================================================
// Mock 实现（实现 PipelineStore 接口）
// ============================================================================

type mockPipelineStore struct {
	pipelines map[string]*model.Pipeline
}

func newMockStore() *mockPipelineStore {
	return &mockPipelineStore{pipelines: make(map[string]*model.Pipeline)}
}

func (m *mockPipelineStore) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	if _, ok := m.pipelines[p.ID]; ok {
		return storage.ErrDuplicate
	}
	m.pipelines[p.ID] = p
	return nil
}

func (m *mockPipelineStore) UpdatePipeline(ctx context.Context, p *model.Pipeline) error {
	m.pipelines[p.ID] = p
	return nil
}

func (m *mockPipelineStore) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	return m.pipelines[id], nil
}

func (m *mockPipelineStore) ListPipelines(ctx context.Context) ([]*model.Pipeline, error) {
	var result []*model.Pipeline
	for _, p := range m.pipelines {
		result = append(result, p)
	}
	return result, nil
}

// newTestMux 组装测试路由。校验器用真实 Loader：配置校验是本
// 接口的核心语义，mock 掉就什么都没测。
func newTestMux(store PipelineStore) *http.ServeMux {
	guards := pipeline.NewGuardRegistry(nil, 3)
	hooks := pipeline.NewHookRegistry(nil, nil, nil)
	loader := pipeline.NewLoader(guards, hooks)

	mux := http.NewServeMux()
	NewHandlerWithInterfaces(store, loader).RegisterRoutes(mux)
	return mux
}

func validPipelineJSON() string {
	return `{
		"id": "pipe-1",
		"name": "dev pipeline",
		"statuses": [
			{"name": "backlog", "category": "ready"},
			{"name": "done", "category": "terminal", "is_final": true}
		],
		"transitions": [
			{"from": "backlog", "to": "done", "trigger": "manual", "guards": [{"name": "has_pr"}]}
		]
	}`
}

// ============================================================================
// 创建流水线
// ============================================================================

func TestCreate_Valid(t *testing.T) {
	store := newMockStore()
	mux := newTestMux(store)

	req := httptest.NewRequest("POST", "/api/v1/pipelines", strings.NewReader(validPipelineJSON()))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("HTTP 状态码 = %d, 期望 201, 响应: %s", w.Code, w.Body.String())
	}
	if _, ok := store.pipelines["pipe-1"]; !ok {
		t.Error("流水线未写入存储")
	}
}

func TestCreate_UnknownGuard(t *testing.T) {
	mux := newTestMux(newMockStore())

	body := `{
		"id": "pipe-bad",
		"name": "bad",
		"statuses": [{"name": "a", "category": "ready"}, {"name": "b", "category": "terminal"}],
		"transitions": [{"from": "a", "to": "b", "trigger": "manual", "guards": [{"name": "no_such_guard"}]}]
	}`
	req := httptest.NewRequest("POST", "/api/v1/pipelines", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	// 配置错误在保存时报告，绝不推迟到转换执行时
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("HTTP 状态码 = %d, 期望 422, 响应: %s", w.Code, w.Body.String())
	}

	var result map[string]string
	json.NewDecoder(w.Body).Decode(&result)
	if !strings.Contains(result["error"], "no_such_guard") {
		t.Errorf("错误信息 = %q, 期望包含 no_such_guard", result["error"])
	}
}

func TestCreate_UnknownStatusRef(t *testing.T) {
	mux := newTestMux(newMockStore())

	body := `{
		"id": "pipe-bad",
		"name": "bad",
		"statuses": [{"name": "a", "category": "ready"}],
		"transitions": [{"from": "a", "to": "ghost", "trigger": "manual"}]
	}`
	req := httptest.NewRequest("POST", "/api/v1/pipelines", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("HTTP 状态码 = %d, 期望 422", w.Code)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	store := newMockStore()
	mux := newTestMux(store)

	req := httptest.NewRequest("POST", "/api/v1/pipelines", strings.NewReader(validPipelineJSON()))
	mux.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("POST", "/api/v1/pipelines", strings.NewReader(validPipelineJSON()))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("HTTP 状态码 = %d, 期望 409", w.Code)
	}
}

// ============================================================================
// 更新流水线
// ============================================================================

func TestUpdate_NotFound(t *testing.T) {
	mux := newTestMux(newMockStore())

	req := httptest.NewRequest("PUT", "/api/v1/pipelines/pipe-1", strings.NewReader(validPipelineJSON()))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("HTTP 状态码 = %d, 期望 404", w.Code)
	}
}

func TestUpdate_ValidatesBeforeWrite(t *testing.T) {
	store := newMockStore()
	store.pipelines["pipe-1"] = &model.Pipeline{ID: "pipe-1", Name: "old"}
	mux := newTestMux(store)

	body := `{"name": "broken", "statuses": []}`
	req := httptest.NewRequest("PUT", "/api/v1/pipelines/pipe-1", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("HTTP 状态码 = %d, 期望 422", w.Code)
	}
	if store.pipelines["pipe-1"].Name != "old" {
		t.Error("校验失败的更新不应写入存储")
	}
}

func TestGet_NotFound(t *testing.T) {
	mux := newTestMux(newMockStore())

	req := httptest.NewRequest("GET", "/api/v1/pipelines/missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("HTTP 状态码 = %d, 期望 404", w.Code)
	}
}
