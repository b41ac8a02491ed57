// Package service 实体构造
package service

import (
	"time"

	"study-server/internal/shared/model"
)

// newStudyRun 组装一条新运行记录（ID 在应用侧生成）
func newStudyRun(worker *model.Worker, study *model.Study, batch *model.Batch) *model.StudyRun {
	return &model.StudyRun{
		ID:        model.NewID(),
		StudyID:   study.ID,
		BatchID:   batch.ID,
		WorkerID:  worker.ID,
		State:     model.StudyRunStarted,
		StartedAt: time.Now().UTC(),
	}
}

// newComponentRun 组装一条新步骤记录
func newComponentRun(run *model.StudyRun, component *model.Component) *model.ComponentRun {
	return &model.ComponentRun{
		ID:          model.NewID(),
		StudyRunID:  run.ID,
		ComponentID: component.ID,
		Position:    component.Position,
		State:       model.ComponentRunStarted,
		StartedAt:   time.Now().UTC(),
	}
}
