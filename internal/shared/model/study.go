// Package model 定义核心数据模型
//
// study.go 包含实验定义相关模型：
//   - Study：一个实验（有序的 Component 列表）
//   - Component：实验中的一个步骤
//
// Study/Component 由实验编辑子系统维护，对运行核心层只读。
package model

import "time"

// Study 表示一个实验的静态定义
//
// 字段说明：
//   - Components：按 Position 排序的步骤列表（加载时由存储层排好序）
//   - Active：停用的 study 不允许开始新的运行
//   - GroupStudy：是否为分组实验（运行时会分配 groupRunId）
type Study struct {
	ID         int64        `json:"id" db:"id"`
	Title      string       `json:"title" db:"title"`
	Active     bool         `json:"active" db:"active"`
	GroupStudy bool         `json:"group_study" db:"group_study"`
	Components []*Component `json:"components,omitempty"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// Component 表示实验中的一个步骤
//
//   - Position：在 Study 内的序号，从 1 开始
//   - Active：停用的步骤在运行时被跳过
//   - Reloadable：是否允许浏览器重新加载该步骤；
//     不允许重载的步骤在同一次运行中只能尝试一次
type Component struct {
	ID         int64     `json:"id" db:"id"`
	StudyID    int64     `json:"study_id" db:"study_id"`
	Title      string    `json:"title" db:"title"`
	Position   int       `json:"position" db:"position"`
	Active     bool      `json:"active" db:"active"`
	Reloadable bool      `json:"reloadable" db:"reloadable"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NextComponent 返回给定步骤之后的下一个步骤，到末尾时返回 nil
//
// 按 Components 列表顺序查找，不考虑 Active 标志（跳过停用步骤
// 是 lifecycle 层的职责）。
func (s *Study) NextComponent(current *Component) *Component {
	if current == nil {
		return nil
	}
	for i, c := range s.Components {
		if c.ID == current.ID {
			if i+1 < len(s.Components) {
				return s.Components[i+1]
			}
			return nil
		}
	}
	return nil
}

// FirstComponent 返回第一个步骤，study 没有步骤时返回 nil
func (s *Study) FirstComponent() *Component {
	if len(s.Components) == 0 {
		return nil
	}
	return s.Components[0]
}

// ComponentByID 按 ID 查找步骤，不存在时返回 nil
func (s *Study) ComponentByID(id int64) *Component {
	for _, c := range s.Components {
		if c.ID == id {
			return c
		}
	}
	return nil
}
