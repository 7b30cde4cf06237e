// Package pipeline 流水线定义加载器
package pipeline

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskpilot/internal/shared/model"
)

// ============================================================================
// YAML 定义文件格式
// ============================================================================

// pipelineFile 流水线定义文件
type pipelineFile struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	TaskType    string           `yaml:"task_type"`
	Statuses    []statusFile     `yaml:"statuses"`
	Transitions []transitionFile `yaml:"transitions"`
}

type statusFile struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	IsFinal  bool   `yaml:"is_final"`
}

type transitionFile struct {
	From         string         `yaml:"from"`
	To           string         `yaml:"to"`
	Trigger      string         `yaml:"trigger"`
	Guards       []guardRefFile `yaml:"guards"`
	Hooks        []hookRefFile  `yaml:"hooks"`
	AgentOutcome string         `yaml:"agent_outcome"`
}

type guardRefFile struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
}

type hookRefFile struct {
	Name   string                 `yaml:"name"`
	Policy string                 `yaml:"policy"`
	Params map[string]interface{} `yaml:"params"`
}

// ============================================================================
// Loader - 加载与校验
// ============================================================================

// Loader 流水线定义加载器
//
// 校验发生在加载/入库时，而不是转换时：一条配置错误的流水线
// 根本进不了引擎。
type Loader struct {
	guards *GuardRegistry
	hooks  *HookRegistry
}

// NewLoader 创建加载器
func NewLoader(guards *GuardRegistry, hooks *HookRegistry) *Loader {
	return &Loader{guards: guards, hooks: hooks}
}

// LoadDir 加载目录下所有 YAML 流水线定义（按文件名排序）
func (l *Loader) LoadDir(dir string) ([]*model.Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	pipelines := make([]*model.Pipeline, 0, len(files))
	for _, name := range files {
		p, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// LoadFile 加载单个流水线定义文件
func (l *Loader) LoadFile(path string) (*model.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %s: %w", path, err)
	}

	var pf pipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, &ConfigError{Pipeline: path, Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}

	p := pf.toModel()
	if err := l.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// toModel 转换为领域模型
func (pf *pipelineFile) toModel() *model.Pipeline {
	now := time.Now().UTC()
	p := &model.Pipeline{
		ID:        pf.ID,
		Name:      pf.Name,
		TaskType:  pf.TaskType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, s := range pf.Statuses {
		p.Statuses = append(p.Statuses, model.Status{
			Name:     s.Name,
			Category: model.StatusCategory(s.Category),
			IsFinal:  s.IsFinal,
		})
	}
	for _, t := range pf.Transitions {
		tr := model.Transition{
			From:         t.From,
			To:           t.To,
			Trigger:      model.TriggerType(t.Trigger),
			AgentOutcome: t.AgentOutcome,
		}
		for _, g := range t.Guards {
			tr.Guards = append(tr.Guards, model.GuardRef{
				Name:   model.GuardKind(g.Name),
				Params: mapToJSON(g.Params),
			})
		}
		for _, h := range t.Hooks {
			tr.Hooks = append(tr.Hooks, model.HookRef{
				Name:   model.HookKind(h.Name),
				Policy: model.HookPolicy(h.Policy),
				Params: mapToJSON(h.Params),
			})
		}
		p.Transitions = append(p.Transitions, tr)
	}
	return p
}

func mapToJSON(m map[string]interface{}) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// ============================================================================
// 校验
// ============================================================================

var validCategories = map[model.StatusCategory]bool{
	model.StatusCategoryReady:           true,
	model.StatusCategoryAgentRunning:    true,
	model.StatusCategoryHumanReview:     true,
	model.StatusCategoryWaitingForInput: true,
	model.StatusCategoryTerminal:        true,
}

var validTriggers = map[model.TriggerType]bool{
	model.TriggerManual: true,
	model.TriggerAgent:  true,
	model.TriggerSystem: true,
}

var validPolicies = map[model.HookPolicy]bool{
	model.HookPolicyRequired:      true,
	model.HookPolicyBestEffort:    true,
	model.HookPolicyFireAndForget: true,
}

// Validate 校验流水线定义
//
// 拦截所有配置错误：状态名重复、转换边引用未知状态、未知守卫/
// 钩子名、非法枚举值、agent_outcome 出现在非 agent 边上。
// 重复的 (from, to, trigger) 边不是错误，首条生效，留告警日志。
func (l *Loader) Validate(p *model.Pipeline) error {
	fail := func(format string, args ...interface{}) error {
		return &ConfigError{Pipeline: p.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if p.ID == "" {
		return fail("missing id")
	}
	if p.Name == "" {
		return fail("missing name")
	}
	if len(p.Statuses) == 0 {
		return fail("no statuses defined")
	}

	seen := make(map[string]bool, len(p.Statuses))
	for _, s := range p.Statuses {
		if s.Name == "" {
			return fail("status with empty name")
		}
		if seen[s.Name] {
			return fail("duplicate status %q", s.Name)
		}
		seen[s.Name] = true
		if s.Category != "" && !validCategories[s.Category] {
			return fail("status %q: unknown category %q", s.Name, s.Category)
		}
	}

	edges := make(map[string]bool, len(p.Transitions))
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if !seen[t.From] {
			return fail("transition references unknown status %q", t.From)
		}
		if !seen[t.To] {
			return fail("transition references unknown status %q", t.To)
		}
		trigger := t.EffectiveTrigger()
		if !validTriggers[trigger] {
			return fail("transition %s -> %s: unknown trigger %q", t.From, t.To, t.Trigger)
		}
		if t.AgentOutcome != "" && trigger != model.TriggerAgent {
			return fail("transition %s -> %s: agent_outcome requires trigger=agent", t.From, t.To)
		}

		for _, g := range t.Guards {
			if !l.guards.Known(g.Name) {
				return fail("transition %s -> %s: unknown guard %q", t.From, t.To, g.Name)
			}
		}
		for _, h := range t.Hooks {
			if !l.hooks.Known(h.Name) {
				return fail("transition %s -> %s: unknown hook %q", t.From, t.To, h.Name)
			}
			if h.Policy != "" && !validPolicies[h.Policy] {
				return fail("transition %s -> %s: hook %s has unknown policy %q", t.From, t.To, h.Name, h.Policy)
			}
		}

		// 重复边不拦截：首条生效，告警提示配置歧义
		key := fmt.Sprintf("%s|%s|%s", t.From, t.To, trigger)
		if edges[key] {
			log.Printf("[pipeline] config %s: duplicate transition %s -> %s (trigger=%s), first declaration wins",
				p.ID, t.From, t.To, trigger)
		}
		edges[key] = true
	}

	return nil
}
