// Package repository 存储层集成测试（SQLite :memory:）
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-server/internal/shared/model"
	"study-server/internal/shared/storage"
	"study-server/internal/shared/storage/driver/sqlite"
)

// newTestStore 打开内存数据库并建表
//
// :memory: 数据库按连接隔离，连接池必须限制到单连接，
// 否则不同连接各自看到一个空库。
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	dialect := sqlite.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))

	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func seedWorker(t *testing.T, store *Store, id int64, wt model.WorkerType) *model.Worker {
	t.Helper()
	w := &model.Worker{ID: id, Type: wt, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateWorker(context.Background(), w))
	return w
}

func seedStudy(t *testing.T, store *Store, id int64) *model.Study {
	t.Helper()
	now := time.Now().UTC()
	study := &model.Study{
		ID: id, Title: "reaction time", Active: true,
		CreatedAt: now, UpdatedAt: now,
		Components: []*model.Component{
			{ID: id*100 + 2, Title: "trials", Position: 2, Active: true, CreatedAt: now},
			{ID: id*100 + 1, Title: "intro", Position: 1, Active: true, Reloadable: true, CreatedAt: now},
		},
	}
	require.NoError(t, store.CreateStudy(context.Background(), study))
	return study
}

func TestWorkerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := &model.Worker{
		ID: 1, Type: model.WorkerTypeMTurk,
		ExternalID: strPtr("A3K7..."), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateWorker(ctx, w))

	got, err := store.GetWorker(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.WorkerTypeMTurk, got.Type)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "A3K7...", *got.ExternalID)

	// 主键冲突映射为领域错误
	assert.ErrorIs(t, store.CreateWorker(ctx, w), storage.ErrDuplicate)

	_, err = store.GetWorker(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindWorkerByExternalID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	w := &model.Worker{
		ID: 1, Type: model.WorkerTypePersonalSingle,
		ExternalID: strPtr("code-abc"), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateWorker(ctx, w))

	got, err := store.FindWorkerByExternalID(ctx, model.WorkerTypePersonalSingle, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	// 同一标识、不同类型算不同 Worker
	_, err = store.FindWorkerByExternalID(ctx, model.WorkerTypeMTurk, "code-abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestStudyComponentsOrdered 步骤列表按 position 排序返回，与插入顺序无关
func TestStudyComponentsOrdered(t *testing.T) {
	store := newTestStore(t)
	seedStudy(t, store, 1)

	study, err := store.GetStudy(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, study.Components, 2)
	assert.Equal(t, "intro", study.Components[0].Title)
	assert.Equal(t, "trials", study.Components[1].Title)
	assert.True(t, study.Components[0].Reloadable)
}

func TestBatchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedStudy(t, store, 1)

	max := 5
	b := &model.Batch{
		ID: 10, StudyID: 1, Title: "pilot", Active: true,
		AllowedWorkerTypes: []model.WorkerType{model.WorkerTypeMTurk, model.WorkerTypeMTurkSandbox},
		MaxTotalWorkers:    &max,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.CreateBatch(ctx, b))

	got, err := store.GetBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.WorkerType{model.WorkerTypeMTurk, model.WorkerTypeMTurkSandbox}, got.AllowedWorkerTypes)
	require.NotNil(t, got.MaxTotalWorkers)
	assert.Equal(t, 5, *got.MaxTotalWorkers)

	// 空类型列表往返后保持为空（意为不限制）
	require.NoError(t, store.CreateBatch(ctx, &model.Batch{
		ID: 11, StudyID: 1, Title: "open", Active: true,
		CreatedAt: time.Now().UTC().Add(time.Second),
	}))
	open, err := store.GetBatch(ctx, 11)
	require.NoError(t, err)
	assert.Empty(t, open.AllowedWorkerTypes)
	assert.Nil(t, open.MaxTotalWorkers)

	first, err := store.FirstBatchOfStudy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), first.ID)
}

func TestCountDistinctWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedStudy(t, store, 1)
	require.NoError(t, store.CreateBatch(ctx, &model.Batch{
		ID: 10, StudyID: 1, Title: "b", Active: true, CreatedAt: time.Now().UTC(),
	}))
	seedWorker(t, store, 1, model.WorkerTypePersonalMultiple)
	seedWorker(t, store, 2, model.WorkerTypePersonalMultiple)

	// Worker 1 跑两次，Worker 2 跑一次：distinct 数是 2
	for i, workerID := range []int64{1, 1, 2} {
		require.NoError(t, store.CreateStudyRun(ctx, &model.StudyRun{
			ID: int64(100 + i), StudyID: 1, BatchID: 10, WorkerID: workerID,
			State: model.StudyRunStarted, StartedAt: time.Now().UTC(),
		}))
	}

	count, err := store.CountDistinctWorkers(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func seedRun(t *testing.T, store *Store) *model.StudyRun {
	t.Helper()
	ctx := context.Background()
	seedStudy(t, store, 1)
	require.NoError(t, store.CreateBatch(ctx, &model.Batch{
		ID: 10, StudyID: 1, Title: "b", Active: true, CreatedAt: time.Now().UTC(),
	}))
	seedWorker(t, store, 1, model.WorkerTypePersonalMultiple)

	run := &model.StudyRun{
		ID: 100, StudyID: 1, BatchID: 10, WorkerID: 1,
		State: model.StudyRunStarted, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateStudyRun(ctx, run))
	return run
}

// TestFinishStudyRun_FirstWriterWins 守卫更新只放过第一个写者
func TestFinishStudyRun_FirstWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, store)

	code := "deadbeef"
	ok, err := store.FinishStudyRun(ctx, run.ID, model.StudyRunFinished, &code)
	require.NoError(t, err)
	assert.True(t, ok)

	// 第二次 finish 不再命中
	ok, err = store.FinishStudyRun(ctx, run.ID, model.StudyRunFail, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetStudyRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StudyRunFinished, got.State)
	require.NotNil(t, got.ConfirmationCode)
	assert.Equal(t, "deadbeef", *got.ConfirmationCode)
	assert.NotNil(t, got.FinishedAt)
}

func TestComponentRunGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, store)

	cr := &model.ComponentRun{
		ID: 200, StudyRunID: run.ID, ComponentID: 101, Position: 1,
		State: model.ComponentRunStarted, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateComponentRun(ctx, cr))

	ok, err := store.SetComponentRunState(ctx, cr.ID, model.ComponentRunDataRetrieved)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SetComponentRunResultData(ctx, cr.ID, `{"rt":512}`))

	ok, err = store.SetComponentRunState(ctx, cr.ID, model.ComponentRunFinished)
	require.NoError(t, err)
	assert.True(t, ok)

	// 终态行不再被命中
	ok, err = store.SetComponentRunState(ctx, cr.ID, model.ComponentRunFail)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, store.SetComponentRunResultData(ctx, cr.ID, "late"), storage.ErrConflict)

	got, err := store.GetStudyRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.ComponentRuns, 1)
	assert.Equal(t, model.ComponentRunFinished, got.ComponentRuns[0].State)
	require.NotNil(t, got.ComponentRuns[0].ResultData)
	assert.Equal(t, `{"rt":512}`, *got.ComponentRuns[0].ResultData)
}

// TestFinishNonTerminalComponentRuns 批量收尾时跳过指定记录和终态记录
func TestFinishNonTerminalComponentRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, store)

	// seedStudy 只建组件 101/102，补种 103 以满足 component_id 外键
	now := time.Now().UTC()
	require.NoError(t, store.CreateStudy(ctx, &model.Study{
		ID: 2, Title: "aux", Active: true, CreatedAt: now, UpdatedAt: now,
		Components: []*model.Component{
			{ID: 103, Title: "extra", Position: 1, Active: true, CreatedAt: now},
		},
	}))

	base := time.Now().UTC()
	for i := int64(0); i < 3; i++ {
		require.NoError(t, store.CreateComponentRun(ctx, &model.ComponentRun{
			ID: 200 + i, StudyRunID: run.ID, ComponentID: 101 + i, Position: int(i + 1),
			State: model.ComponentRunStarted, StartedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	ok, err := store.SetComponentRunState(ctx, 200, model.ComponentRunFinished)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.FinishNonTerminalComponentRuns(ctx, run.ID, model.ComponentRunFail, 202))

	got, err := store.GetStudyRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.ComponentRuns, 3)
	assert.Equal(t, model.ComponentRunFinished, got.ComponentRuns[0].State)
	assert.Equal(t, model.ComponentRunFail, got.ComponentRuns[1].State)
	assert.Equal(t, model.ComponentRunStarted, got.ComponentRuns[2].State)
}

func TestRemoveComponentRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, store)

	require.NoError(t, store.CreateComponentRun(ctx, &model.ComponentRun{
		ID: 200, StudyRunID: run.ID, ComponentID: 101, Position: 1,
		State: model.ComponentRunStarted, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.RemoveComponentRun(ctx, 200))

	got, err := store.GetStudyRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ComponentRuns)
}

func TestListStudyRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, store)
	seedWorker(t, store, 2, model.WorkerTypeGeneralSingle)

	require.NoError(t, store.CreateStudyRun(ctx, &model.StudyRun{
		ID: 101, StudyID: 1, BatchID: 10, WorkerID: 2,
		State: model.StudyRunStarted, StartedAt: run.StartedAt.Add(time.Second),
	}))

	mine, err := store.ListStudyRunsByWorkerAndStudy(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(100), mine[0].ID)

	all, err := store.ListStudyRunsByStudy(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(100), all[0].ID)
	assert.Equal(t, int64(101), all[1].ID)
}
