// Package model 模型辅助方法测试
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunIsTerminal(t *testing.T) {
	cases := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusTimedOut, true},
		{RunStatusCancelled, true},
	}
	for _, c := range cases {
		r := &AgentRun{Status: c.status}
		assert.Equal(t, c.terminal, r.IsTerminal(), "status=%s", c.status)
	}
}

func TestRunOverdue(t *testing.T) {
	now := time.Now()
	r := &AgentRun{StartedAt: now.Add(-10 * time.Minute), TimeoutSeconds: 300}
	assert.True(t, r.Overdue(now))

	r.TimeoutSeconds = 3600
	assert.False(t, r.Overdue(now))

	// 0 表示不超时
	r.TimeoutSeconds = 0
	assert.False(t, r.Overdue(now))
}

func TestPipelineHasStatus(t *testing.T) {
	p := &Pipeline{Statuses: []Status{
		{Name: "open", Category: StatusCategoryReady},
		{Name: "done", Category: StatusCategoryTerminal, IsFinal: true},
	}}
	assert.True(t, p.HasStatus("open"))
	assert.False(t, p.HasStatus("in_progress"))
}

func TestPipelineFindTransition(t *testing.T) {
	p := &Pipeline{Transitions: []Transition{
		{From: "open", To: "planning", Trigger: TriggerManual},
		{From: "planning", To: "plan_review", Trigger: TriggerAgent, AgentOutcome: "plan_ready"},
		// 未声明 trigger 按 manual 处理
		{From: "open", To: "cancelled"},
	}}

	tr := p.FindTransition("open", "planning", TriggerManual)
	assert.NotNil(t, tr)

	assert.Nil(t, p.FindTransition("open", "planning", TriggerAgent))
	assert.NotNil(t, p.FindTransition("open", "cancelled", TriggerManual))
	assert.Nil(t, p.FindTransition("done", "open", TriggerManual))
}

func TestTransitionsFrom(t *testing.T) {
	p := &Pipeline{Transitions: []Transition{
		{From: "open", To: "planning", Trigger: TriggerManual},
		{From: "open", To: "cancelled", Trigger: TriggerManual},
		{From: "open", To: "in_progress", Trigger: TriggerAgent},
		{From: "planning", To: "open", Trigger: TriggerManual},
	}}

	all := p.TransitionsFrom("open", "")
	assert.Len(t, all, 3)

	manual := p.TransitionsFrom("open", TriggerManual)
	assert.Len(t, manual, 2)
}

func TestHookRefEffectivePolicy(t *testing.T) {
	h := &HookRef{Name: HookNotify}
	assert.Equal(t, HookPolicyBestEffort, h.EffectivePolicy())

	h.Policy = HookPolicyRequired
	assert.Equal(t, HookPolicyRequired, h.EffectivePolicy())
}

func TestTaskHasPR(t *testing.T) {
	task := &Task{}
	assert.False(t, task.HasPR())

	empty := ""
	task.PRLink = &empty
	assert.False(t, task.HasPR())

	url := "https://example.com/pr/1"
	task.PRLink = &url
	assert.True(t, task.HasPR())
}
