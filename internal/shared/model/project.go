// Package model 定义核心数据模型
//
// project.go 包含项目数据模型：Agent 执行需要的仓库上下文。
package model

import "time"

// Project 任务所属的项目
//
// Agent 执行服务加载任务时一并加载项目，以获取仓库地址和基准分支。
type Project struct {
	// ID 项目唯一标识
	ID string `json:"id" db:"id"`

	// Name 项目名称
	Name string `json:"name" db:"name"`

	// RepoURL 仓库地址
	RepoURL string `json:"repo_url" db:"repo_url"`

	// BaseBranch 基准分支（工作分支从这里切出）
	BaseBranch string `json:"base_branch" db:"base_branch"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
