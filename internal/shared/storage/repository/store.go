// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 核心不变式的落点：
//   - CommitTransition：状态 CAS + 历史追加，同一事务（task.go）
//   - StartRun：阶段激活 + Run 创建，同一事务（run.go）
//   - FinishRun：running → 终态恰好一次（run.go）
package repository

import (
	"database/sql"
	"encoding/json"

	"taskpilot/internal/shared/storage"
	"taskpilot/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// ============================================================================
// JSON 列辅助
// ============================================================================

// NullableJSON 用于安全扫描可能为 NULL 的 JSON 字段
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要 *[]byte 中间变量
type NullableJSON struct {
	Data *[]byte
}

// Value 返回 json.RawMessage（如果非 NULL）
func (n *NullableJSON) Value() json.RawMessage {
	if n.Data != nil {
		return json.RawMessage(*n.Data)
	}
	return nil
}

// mustJSON 将值编码为 JSON 字符串（列写入用）
// 模型内类型编码不会失败，失败即编程错误
func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// rawOrNull 将 RawMessage 转为可空的驱动参数
func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// requireRowAffected 将"未命中任何行"的 UPDATE 转换为领域错误
func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
