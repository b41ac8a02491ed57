// Package idcookie ID cookie：把浏览器绑定到进行中的 StudyRun
//
// 服务端不保存会话。每个浏览器最多同时跑 Max(=10) 个 study，
// 对应最多 10 个 ID cookie，按名字后缀（'_' + 数字 0-9）区分槽位。
// cookie 值是 key=value&key=value 形式的扁平串（见 codec.go），
// 携带恢复一次运行所需的全部标识。
package idcookie

import (
	"fmt"

	"study-server/internal/shared/model"
)

// Max 每个浏览器允许的并发运行数（槽位 0..Max-1）
const Max = 10

// NamePrefix ID cookie 名前缀；完整名形如 "STUDY_IDS_0"
const NamePrefix = "STUDY_IDS"

// cookie 值内的字段键（线上格式固定，不可改名）
const (
	KeyBatchID           = "batchId"
	KeyComponentID       = "componentId"
	KeyComponentPosition = "componentPosition"
	KeyComponentResultID = "componentResultId"
	KeyCreationTime      = "creationTime"
	KeyGroupResultID     = "groupResultId"
	KeyStudyID           = "studyId"
	KeyStudyResultID     = "studyResultId"
	KeyWorkerID          = "workerId"
	KeyWorkerType        = "workerType"
)

// IdCookie 一个 ID cookie 的解码结果
//
// 必填字段缺失会在解码时报 MalformedError；可选字段（组、当前步骤）
// 缺失或为字面量 "null" 时解码为 nil。
type IdCookie struct {
	Name  string // 完整 cookie 名，如 "STUDY_IDS_3"
	Index int    // 槽位号，取自名字最后一个字符

	WorkerID     int64
	WorkerType   model.WorkerType
	BatchID      int64
	StudyID      int64
	StudyRunID   int64
	CreationTime int64 // Unix 毫秒

	GroupRunID        *int64
	ComponentID       *int64
	ComponentRunID    *int64
	ComponentPosition *int
}

// CookieName 返回给定槽位的完整 cookie 名
func CookieName(index int) string {
	return fmt.Sprintf("%s_%d", NamePrefix, index)
}

// ============================================================================
// 错误类型
// ============================================================================

// MalformedError 表示客户端送来的 ID cookie 损坏或不完整
//
// 该错误只在存取层内部消化：对应 cookie 被丢弃（自愈），
// 绝不作为请求失败暴露给调用方。
type MalformedError struct {
	CookieName string
	Reason     string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed ID cookie %q: %s", e.CookieName, e.Reason)
}

// CapacityError 表示浏览器的 10 个槽位已占满
type CapacityError struct{}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("browser already runs the maximum of %d studies in parallel", Max)
}

// SlotConflictError 表示目标槽位已被占用
type SlotConflictError struct {
	Index int
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("ID cookie slot %d is already occupied", e.Index)
}
