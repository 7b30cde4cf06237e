// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 本核心默认的嵌入式数据存储：单进程、本地文件。
package sqlite

import (
	"database/sql"
	"fmt"

	"taskpilot/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:taskpilot.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// schema SQLite 完整建表语句
//
// 不变式在应用层实施，schema 只提供两处兜底：
//   - task_phases 上的活跃阶段唯一部分索引（一个任务至多一个 active）
//   - 任务子表的级联删除
const schema = `
-- projects
CREATE TABLE IF NOT EXISTS projects (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    repo_url TEXT,
    base_branch VARCHAR(200) DEFAULT 'main',
    created_at DATETIME DEFAULT (datetime('now'))
);

-- pipelines（状态集与转换边作为 JSON 文档整体存取）
CREATE TABLE IF NOT EXISTS pipelines (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    task_type VARCHAR(64) DEFAULT 'general',
    statuses TEXT NOT NULL,
    transitions TEXT NOT NULL,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

-- tasks
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    project_id VARCHAR(64) REFERENCES projects(id),
    pipeline_id VARCHAR(64) NOT NULL REFERENCES pipelines(id),
    title VARCHAR(500) NOT NULL,
    description TEXT,
    status VARCHAR(64) NOT NULL,
    priority INTEGER DEFAULT 0,
    tags TEXT DEFAULT '[]',
    assignee VARCHAR(200),
    plan TEXT,
    subtasks TEXT DEFAULT '[]',
    pr_link TEXT,
    branch_name VARCHAR(300),
    depends_on TEXT DEFAULT '[]',
    metadata TEXT,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

-- transition_history（只追加）
CREATE TABLE IF NOT EXISTS transition_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    from_status VARCHAR(64) NOT NULL,
    to_status VARCHAR(64) NOT NULL,
    "trigger" VARCHAR(16) NOT NULL,
    actor VARCHAR(200),
    guard_results TEXT,
    created_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_history_task ON transition_history(task_id);

-- agent_runs
CREATE TABLE IF NOT EXISTS agent_runs (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_type VARCHAR(64) NOT NULL,
    mode VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'running',
    output TEXT,
    outcome VARCHAR(64),
    payload TEXT,
    exit_code INTEGER,
    error TEXT,
    timeout_seconds INTEGER DEFAULT 0,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    cost_input_tokens INTEGER,
    cost_output_tokens INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON agent_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON agent_runs(status);

-- task_phases
CREATE TABLE IF NOT EXISTS task_phases (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    phase VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    agent_run_id VARCHAR(64),
    started_at DATETIME,
    completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_phases_task ON task_phases(task_id);
-- 并发兜底：同一任务至多一个活跃阶段
CREATE UNIQUE INDEX IF NOT EXISTS idx_phases_single_active
    ON task_phases(task_id) WHERE status = 'active';

-- task_artifacts（只追加）
CREATE TABLE IF NOT EXISTS task_artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_run_id VARCHAR(64),
    type VARCHAR(32) NOT NULL,
    data TEXT NOT NULL,
    created_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON task_artifacts(task_id);

-- pending_prompts
CREATE TABLE IF NOT EXISTS pending_prompts (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_run_id VARCHAR(64) NOT NULL,
    prompt_type VARCHAR(64) NOT NULL,
    payload TEXT,
    response TEXT,
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    created_at DATETIME DEFAULT (datetime('now')),
    answered_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_prompts_task ON pending_prompts(task_id);
CREATE INDEX IF NOT EXISTS idx_prompts_run ON pending_prompts(agent_run_id);

-- task_events（只追加，观测用途）
CREATE TABLE IF NOT EXISTS task_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_run_id VARCHAR(64),
    type VARCHAR(64) NOT NULL,
    severity VARCHAR(16) NOT NULL DEFAULT 'info',
    message TEXT,
    payload TEXT,
    created_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id);
`
