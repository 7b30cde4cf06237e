// Package agentexec Agent outcome 载荷校验
package agentexec

import (
	"fmt"
	"log"
)

// ============================================================================
// Outcome 载荷 schema 注册表
// ============================================================================

// 内置 outcome 名称
const (
	OutcomePlanReady = "plan_ready"
	OutcomePRReady   = "pr_ready"
	OutcomeNeedsInfo = "needs_info"
	OutcomeDone      = "done"
)

// OutcomeSchemas outcome 名称 → 期望的载荷键
//
// 校验是 warn-only：载荷不合 schema 只告警不拦截。
// TODO: 评估在载荷缺键时拒绝回链转换（需要先统计线上告警频率）
var OutcomeSchemas = map[string][]string{
	OutcomePlanReady: {"plan"},
	OutcomePRReady:   {"pr_title"},
	OutcomeNeedsInfo: {"question"},
	OutcomeDone:      nil,
}

// ValidateOutcomePayload 按 schema 检查载荷，返回缺失键列表
//
// 未注册的 outcome 不算错误（流水线可以定义任意 outcome 标签），
// 返回 nil。
func ValidateOutcomePayload(outcome string, payload map[string]interface{}) []string {
	required, ok := OutcomeSchemas[outcome]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range required {
		if _, present := payload[key]; !present {
			missing = append(missing, key)
		}
	}
	return missing
}

// warnOnPayloadMismatch warn-only 校验入口
func warnOnPayloadMismatch(runID, outcome string, payload map[string]interface{}) {
	missing := ValidateOutcomePayload(outcome, payload)
	if len(missing) == 0 {
		return
	}
	log.Printf("[agentexec] run %s: outcome %q payload missing keys %v (proceeding anyway)",
		runID, outcome, missing)
}

// promptTypeForOutcome needs_info 载荷中声明的提问类型
func promptTypeForOutcome(payload map[string]interface{}) string {
	if t, ok := payload["prompt_type"].(string); ok && t != "" {
		return t
	}
	return "question"
}

// outcomeSummary 日志用途的简短描述
func outcomeSummary(res *ExecutionResult) string {
	if res.Err != nil {
		return fmt.Sprintf("error: %v", res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
	if res.Outcome == "" {
		return "no outcome"
	}
	return "outcome " + res.Outcome
}
