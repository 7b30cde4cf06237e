// Package pipeline 加载器测试
package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"taskpilot/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader() *Loader {
	guards := NewGuardRegistry(nil, 3)
	hooks := NewHookRegistry(nil, nil, nil)
	return NewLoader(guards, hooks)
}

func writePipelineFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validPipelineYAML = `
id: dev
name: Development
task_type: development
statuses:
  - name: open
    category: ready
  - name: in_progress
    category: agent_running
  - name: done
    category: terminal
    is_final: true
transitions:
  - from: open
    to: in_progress
    trigger: manual
    guards:
      - name: no_running_agent
    hooks:
      - name: start_agent
        policy: required
        params:
          mode: implement
  - from: in_progress
    to: done
    trigger: agent
    agent_outcome: pr_ready
`

func TestLoadFileValid(t *testing.T) {
	l := newTestLoader()
	path := writePipelineFile(t, t.TempDir(), "dev.yaml", validPipelineYAML)

	p, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", p.ID)
	require.Len(t, p.Statuses, 3)
	assert.True(t, p.Statuses[2].IsFinal)
	require.Len(t, p.Transitions, 2)
	assert.Equal(t, model.TriggerAgent, p.Transitions[1].Trigger)
	assert.Equal(t, "pr_ready", p.Transitions[1].AgentOutcome)

	// 钩子参数被编码为 JSON
	require.Len(t, p.Transitions[0].Hooks, 1)
	assert.Equal(t, model.HookPolicyRequired, p.Transitions[0].Hooks[0].Policy)
	assert.JSONEq(t, `{"mode":"implement"}`, string(p.Transitions[0].Hooks[0].Params))
}

func TestLoadDirSortsByFilename(t *testing.T) {
	l := newTestLoader()
	dir := t.TempDir()
	writePipelineFile(t, dir, "b.yaml", `
id: second
name: Second
statuses: [{name: open}]
`)
	writePipelineFile(t, dir, "a.yaml", `
id: first
name: First
statuses: [{name: open}]
`)
	writePipelineFile(t, dir, "notes.txt", "not a pipeline")

	pipelines, err := l.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, "first", pipelines[0].ID)
	assert.Equal(t, "second", pipelines[1].ID)
}

func TestValidateRejectsUnknownGuard(t *testing.T) {
	l := newTestLoader()
	path := writePipelineFile(t, t.TempDir(), "bad.yaml", `
id: bad
name: Bad
statuses: [{name: open}, {name: done, is_final: true}]
transitions:
  - from: open
    to: done
    guards:
      - name: approved_by_manager
`)

	_, err := l.LoadFile(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "unknown guard")
}

func TestValidateRejectsUnknownHook(t *testing.T) {
	l := newTestLoader()
	err := l.Validate(&model.Pipeline{
		ID: "bad", Name: "Bad",
		Statuses: []model.Status{{Name: "open"}, {Name: "done"}},
		Transitions: []model.Transition{
			{From: "open", To: "done", Hooks: []model.HookRef{{Name: "send_fax"}}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown hook")
}

func TestValidateRejectsUnknownStatusReference(t *testing.T) {
	l := newTestLoader()
	err := l.Validate(&model.Pipeline{
		ID: "bad", Name: "Bad",
		Statuses:    []model.Status{{Name: "open"}},
		Transitions: []model.Transition{{From: "open", To: "ghost"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestValidateRejectsDuplicateStatus(t *testing.T) {
	l := newTestLoader()
	err := l.Validate(&model.Pipeline{
		ID: "bad", Name: "Bad",
		Statuses: []model.Status{{Name: "open"}, {Name: "open"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate status")
}

func TestValidateRejectsAgentOutcomeOnManualEdge(t *testing.T) {
	l := newTestLoader()
	err := l.Validate(&model.Pipeline{
		ID: "bad", Name: "Bad",
		Statuses: []model.Status{{Name: "open"}, {Name: "done"}},
		Transitions: []model.Transition{
			{From: "open", To: "done", Trigger: model.TriggerManual, AgentOutcome: "pr_ready"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_outcome")
}

func TestValidateAllowsDuplicateEdges(t *testing.T) {
	// 重复边是歧义不是错误：首条生效，只告警
	l := newTestLoader()
	err := l.Validate(&model.Pipeline{
		ID: "dup", Name: "Dup",
		Statuses: []model.Status{{Name: "open"}, {Name: "done"}},
		Transitions: []model.Transition{
			{From: "open", To: "done"},
			{From: "open", To: "done"},
		},
	})
	assert.NoError(t, err)
}

func TestValidateRejectsBadEnums(t *testing.T) {
	l := newTestLoader()

	err := l.Validate(&model.Pipeline{
		ID: "bad", Name: "Bad",
		Statuses: []model.Status{{Name: "open", Category: "rainbow"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category")

	err = l.Validate(&model.Pipeline{
		ID: "bad", Name: "Bad",
		Statuses:    []model.Status{{Name: "open"}, {Name: "done"}},
		Transitions: []model.Transition{{From: "open", To: "done", Trigger: "cron"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trigger")
}
