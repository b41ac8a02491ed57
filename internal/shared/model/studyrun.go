// Package model 定义核心数据模型
//
// studyrun.go 包含运行相关的数据模型：
//   - StudyRun：一个 Worker 对一个 Study 的单次完整尝试
//   - StudyRunState：StudyRun 状态枚举
//   - ComponentRun：StudyRun 内对一个步骤的单次尝试
//   - ComponentRunState：ComponentRun 状态枚举（有序）
package model

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// ============================================================================
// StudyRunState - 运行状态
// ============================================================================

// StudyRunState 表示 StudyRun 的状态
//
// 状态单调推进：STARTED → FINISHED | FAIL，终态不再变化。
// 并发的第二次 finish 视为合法的无操作（见 repository 的守卫更新）。
type StudyRunState string

const (
	// StudyRunStarted 运行中：Worker 正在执行 study
	StudyRunStarted StudyRunState = "STARTED"

	// StudyRunFinished 成功结束：已生成确认码
	StudyRunFinished StudyRunState = "FINISHED"

	// StudyRunFail 失败结束：中止、被强制清理或违反重载规则
	StudyRunFail StudyRunState = "FAIL"
)

// Terminal 判断是否为终态
func (s StudyRunState) Terminal() bool {
	return s == StudyRunFinished || s == StudyRunFail
}

// ============================================================================
// ComponentRunState - 步骤运行状态
// ============================================================================

// ComponentRunState 表示 ComponentRun 的状态
//
// 状态有序推进（Ordinal 给出序号），用于"最大允许状态"守卫：
// 页面重载后客户端期望某个较早状态，若记录状态已超过期望值，
// lifecycle 会透明地重启该步骤而不是报错。
type ComponentRunState string

const (
	ComponentRunStarted          ComponentRunState = "STARTED"
	ComponentRunDataRetrieved    ComponentRunState = "DATA_RETRIEVED"
	ComponentRunResultDataPosted ComponentRunState = "RESULTDATA_POSTED"
	ComponentRunFinished         ComponentRunState = "FINISHED"
	ComponentRunFail             ComponentRunState = "FAIL"
)

// componentRunStateOrder 状态序号表；FAIL 与 FINISHED 同级（都是终态）
var componentRunStateOrder = map[ComponentRunState]int{
	ComponentRunStarted:          0,
	ComponentRunDataRetrieved:    1,
	ComponentRunResultDataPosted: 2,
	ComponentRunFinished:         3,
	ComponentRunFail:             3,
}

// Ordinal 返回状态在推进序列中的序号
func (s ComponentRunState) Ordinal() int {
	return componentRunStateOrder[s]
}

// Terminal 判断是否为终态
func (s ComponentRunState) Terminal() bool {
	return s == ComponentRunFinished || s == ComponentRunFail
}

// ============================================================================
// StudyRun - 一次完整运行
// ============================================================================

// StudyRun 表示一个 Worker 对一个 Study 的单次端到端尝试
//
// 不变量：
//   - 任意时刻至多一个 ComponentRun 处于非终态
//   - 同一 Worker 同一 Study 至多一个 STARTED 的 StudyRun
//     （由 lifecycle 的 FinishAbandonedStudyRuns 保证）
//
// 字段说明：
//   - ConfirmationCode：成功结束时生成，终态后不再变化；
//     重复 finish 必须复用已存储的确认码
//   - GroupRunID：分组实验的组标识；非分组实验为 nil
//   - ComponentRuns：按创建顺序排列（加载时由存储层排好序）
type StudyRun struct {
	ID               int64           `json:"id" db:"id"`
	StudyID          int64           `json:"study_id" db:"study_id"`
	BatchID          int64           `json:"batch_id" db:"batch_id"`
	WorkerID         int64           `json:"worker_id" db:"worker_id"`
	State            StudyRunState   `json:"state" db:"state"`
	ConfirmationCode *string         `json:"confirmation_code,omitempty" db:"confirmation_code"`
	GroupRunID       *int64          `json:"group_run_id,omitempty" db:"group_run_id"`
	ComponentRuns    []*ComponentRun `json:"component_runs,omitempty"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Terminal 判断运行是否已结束
func (r *StudyRun) Terminal() bool {
	return r.State.Terminal()
}

// ComponentRunFor 返回该运行中属于给定步骤的 ComponentRun
//
// 同一步骤可能因重载产生多条记录，返回最后创建的一条；没有时返回 nil。
func (r *StudyRun) ComponentRunFor(componentID int64) *ComponentRun {
	for i := len(r.ComponentRuns) - 1; i >= 0; i-- {
		if r.ComponentRuns[i].ComponentID == componentID {
			return r.ComponentRuns[i]
		}
	}
	return nil
}

// LastComponentRun 返回最后创建的 ComponentRun，没有时返回 nil
func (r *StudyRun) LastComponentRun() *ComponentRun {
	if len(r.ComponentRuns) == 0 {
		return nil
	}
	return r.ComponentRuns[len(r.ComponentRuns)-1]
}

// ============================================================================
// ComponentRun - 单步尝试
// ============================================================================

// ComponentRun 表示 StudyRun 内对一个步骤的单次尝试
type ComponentRun struct {
	ID          int64             `json:"id" db:"id"`
	StudyRunID  int64             `json:"study_run_id" db:"study_run_id"`
	ComponentID int64             `json:"component_id" db:"component_id"`
	Position    int               `json:"position" db:"position"`
	State       ComponentRunState `json:"state" db:"state"`
	ResultData  *string           `json:"result_data,omitempty" db:"result_data"`
	StartedAt   time.Time         `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
}

// Terminal 判断该尝试是否已结束
func (c *ComponentRun) Terminal() bool {
	return c.State.Terminal()
}

// ============================================================================
// ID 与确认码生成
// ============================================================================

// MaxSafeID ID 上界（不含）：IEEE-754 double 的整数精度极限
//
// ID 以 JSON 数字出现在接口响应里，2^53 以上的整数经标准 JSON
// 客户端（按 double 解析数字）往返后会被悄悄改写成邻近值。
const MaxSafeID = int64(1) << 53

// NewID 生成正的随机标识，保证在 [1, 2^53) 内
//
// ID 在应用侧生成（与数据库方言无关），随机空间足够大，
// 冲突概率可忽略；唯一键冲突由存储层以 ErrDuplicate 报告。
func NewID() int64 {
	var b [8]byte
	rand.Read(b[:])
	id := int64(binary.BigEndian.Uint64(b[:]) & uint64(MaxSafeID-1))
	if id == 0 {
		id = 1
	}
	return id
}

// NewConfirmationCode 生成确认码（16 个十六进制字符）
//
// 成功结束的 StudyRun 用它向招募平台证明完成；只生成一次。
func NewConfirmationCode() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
