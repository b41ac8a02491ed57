// Package idcookie 面向运行状态的 cookie 组装
package idcookie

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"study-server/internal/shared/model"
)

// Service 在 Accessor 之上提供按运行状态组装/更新 cookie 的操作
//
// 与 Accessor 一样是请求作用域对象。
type Service struct {
	accessor *Accessor
}

// NewService 创建请求作用域的 Service
func NewService(accessor *Accessor) *Service {
	return &Service{accessor: accessor}
}

// Accessor 返回底层存取器
func (s *Service) Accessor() *Accessor {
	return s.accessor
}

// Get 返回 studyRunId 对应的 ID cookie
//
// 浏览器没带这个 cookie 说明请求不属于任何进行中的运行。
func (s *Service) Get(studyRunID int64) (*IdCookie, error) {
	cookie := s.accessor.Extract().FindByStudyRunID(studyRunID)
	if cookie == nil {
		return nil, fmt.Errorf("request carries no ID cookie for study run %d: %w",
			studyRunID, errdefs.ErrInvalidArgument)
	}
	return cookie, nil
}

// CheckCapacity 确认还有空槽位；开始新运行前调用
func (s *Service) CheckCapacity() error {
	if s.accessor.Extract().IsFull() {
		return fmt.Errorf("%w: %s", errdefs.ErrResourceExhausted, (&CapacityError{}).Error())
	}
	return nil
}

// WriteForRun 为一次运行写入/刷新 ID cookie
//
// 已有同运行的 cookie 时复用其槽位，否则分配最小空闲槽位。
// component/componentRun 为 nil 表示运行刚开始、还没有当前步骤。
func (s *Service) WriteForRun(worker *model.Worker, run *model.StudyRun,
	component *model.Component, componentRun *model.ComponentRun) error {

	container := s.accessor.Extract()

	index := -1
	if existing := container.FindByStudyRunID(run.ID); existing != nil {
		index = existing.Index
	} else {
		free, err := container.NextFreeSlot()
		if err != nil {
			return fmt.Errorf("%w: %s", errdefs.ErrResourceExhausted, err.Error())
		}
		index = free
	}

	cookie := &IdCookie{
		Name:         CookieName(index),
		Index:        index,
		WorkerID:     worker.ID,
		WorkerType:   worker.Type,
		BatchID:      run.BatchID,
		StudyID:      run.StudyID,
		StudyRunID:   run.ID,
		GroupRunID:   run.GroupRunID,
		CreationTime: time.Now().UnixMilli(),
	}
	if component != nil {
		cookie.ComponentID = &component.ID
		pos := component.Position
		cookie.ComponentPosition = &pos
	}
	if componentRun != nil {
		cookie.ComponentRunID = &componentRun.ID
	}
	return s.accessor.Write(cookie)
}

// Discard 丢弃一次运行的 cookie
func (s *Service) Discard(studyRunID int64) {
	s.accessor.Discard(studyRunID)
}
