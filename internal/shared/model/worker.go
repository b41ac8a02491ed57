// Package model 定义核心数据模型
//
// worker.go 包含 Worker（匿名执行身份）相关定义：
//   - Worker：一个浏览器/招募渠道对应的匿名身份
//   - WorkerType：Worker 类型枚举（封闭集合）
package model

import "time"

// ============================================================================
// WorkerType - Worker 类型
// ============================================================================

// WorkerType 表示 Worker 的类型标签
//
// 不同类型的 Worker 有不同的授权规则（见 publix/auth）：
//   - general_single：通用链接，同一 study 只允许一次运行
//   - personal_single：个人链接，同一 study 只允许一次运行
//   - personal_multiple：个人链接，允许重复运行
//   - mturk：MTurk 正式 Worker，最多完成一次
//   - mturk_sandbox：MTurk 沙箱 Worker，不限次数
type WorkerType string

const (
	WorkerTypeGeneralSingle    WorkerType = "general_single"
	WorkerTypePersonalSingle   WorkerType = "personal_single"
	WorkerTypePersonalMultiple WorkerType = "personal_multiple"
	WorkerTypeMTurk            WorkerType = "mturk"
	WorkerTypeMTurkSandbox     WorkerType = "mturk_sandbox"
)

// Valid 判断是否为已知的 Worker 类型
func (t WorkerType) Valid() bool {
	switch t {
	case WorkerTypeGeneralSingle, WorkerTypePersonalSingle,
		WorkerTypePersonalMultiple, WorkerTypeMTurk, WorkerTypeMTurkSandbox:
		return true
	default:
		return false
	}
}

// ============================================================================
// Worker - 匿名执行身份
// ============================================================================

// Worker 表示驱动 study 运行的匿名身份
//
// Worker 由外部身份提供方创建一次，之后不可变。核心层只读取：
//   - ID：数据库内部 ID（与招募平台自己的 workerId 无关）
//   - Type：类型标签，用于解析对应的授权规则
//   - ExternalID：招募平台侧的标识（MTurk workerId、个人链接码等），可为空
type Worker struct {
	ID         int64      `json:"id" db:"id"`
	Type       WorkerType `json:"type" db:"type"`
	ExternalID *string    `json:"external_id,omitempty" db:"external_id"`
	Comment    *string    `json:"comment,omitempty" db:"comment"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
