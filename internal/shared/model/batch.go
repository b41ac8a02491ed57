// Package model 定义核心数据模型
//
// batch.go 包含 Batch（执行批次）定义。
// Batch 是 study 的一个命名执行上下文，携带配额和准入策略，对核心层只读。
package model

import "time"

// Batch 表示 study 的一个执行批次
//
// 字段说明：
//   - AllowedWorkerTypes：允许参与的 Worker 类型；空列表表示不限制
//   - MaxTotalWorkers：批次内允许的 Worker 总数上限；nil 表示不限制
//   - Active：停用的批次拒绝任何开始/继续请求
type Batch struct {
	ID                 int64        `json:"id" db:"id"`
	StudyID            int64        `json:"study_id" db:"study_id"`
	Title              string       `json:"title" db:"title"`
	Active             bool         `json:"active" db:"active"`
	AllowedWorkerTypes []WorkerType `json:"allowed_worker_types,omitempty"`
	MaxTotalWorkers    *int         `json:"max_total_workers,omitempty" db:"max_total_workers"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
}

// AllowsWorkerType 判断批次是否允许给定类型的 Worker
//
// 空的 AllowedWorkerTypes 列表表示允许所有类型。
func (b *Batch) AllowsWorkerType(t WorkerType) bool {
	if len(b.AllowedWorkerTypes) == 0 {
		return true
	}
	for _, allowed := range b.AllowedWorkerTypes {
		if allowed == t {
			return true
		}
	}
	return false
}
