// Package storage 内存版 PersistentStore 实现
//
// 供单元测试和轻量示例使用；语义与 repository 实现保持一致：
// Get 未命中返回 ErrNotFound，守卫更新只命中非终态行。
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"study-server/internal/shared/model"
)

// MockStore 内存存储
type MockStore struct {
	mu sync.Mutex

	Workers       map[int64]*model.Worker
	Studies       map[int64]*model.Study
	Batches       map[int64]*model.Batch
	StudyRuns     map[int64]*model.StudyRun
	ComponentRuns map[int64]*model.ComponentRun

	seq int64 // 记录插入顺序，保证列表稳定排序
	ord map[int64]int64
}

var _ PersistentStore = (*MockStore)(nil)

// NewMockStore 创建内存存储
func NewMockStore() *MockStore {
	return &MockStore{
		Workers:       make(map[int64]*model.Worker),
		Studies:       make(map[int64]*model.Study),
		Batches:       make(map[int64]*model.Batch),
		StudyRuns:     make(map[int64]*model.StudyRun),
		ComponentRuns: make(map[int64]*model.ComponentRun),
		ord:           make(map[int64]int64),
	}
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) track(id int64) {
	m.seq++
	m.ord[id] = m.seq
}

// ============================================================================
// Worker
// ============================================================================

func (m *MockStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Workers[w.ID]; ok {
		return ErrDuplicate
	}
	m.Workers[w.ID] = w
	return nil
}

func (m *MockStore) GetWorker(ctx context.Context, id int64) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (m *MockStore) FindWorkerByExternalID(ctx context.Context, t model.WorkerType, externalID string) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.Workers {
		if w.Type == t && w.ExternalID != nil && *w.ExternalID == externalID {
			return w, nil
		}
	}
	return nil, ErrNotFound
}

// ============================================================================
// Study / Batch
// ============================================================================

func (m *MockStore) CreateStudy(ctx context.Context, s *model.Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Studies[s.ID]; ok {
		return ErrDuplicate
	}
	m.Studies[s.ID] = s
	return nil
}

func (m *MockStore) GetStudy(ctx context.Context, id int64) (*model.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Studies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MockStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Batches[b.ID]; ok {
		return ErrDuplicate
	}
	m.Batches[b.ID] = b
	m.track(b.ID)
	return nil
}

func (m *MockStore) GetBatch(ctx context.Context, id int64) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *MockStore) FirstBatchOfStudy(ctx context.Context, studyID int64) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *model.Batch
	for _, b := range m.Batches {
		if b.StudyID != studyID {
			continue
		}
		if first == nil || m.ord[b.ID] < m.ord[first.ID] {
			first = b
		}
	}
	if first == nil {
		return nil, ErrNotFound
	}
	return first, nil
}

func (m *MockStore) CountDistinctWorkers(ctx context.Context, batchID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	for _, r := range m.StudyRuns {
		if r.BatchID == batchID {
			seen[r.WorkerID] = true
		}
	}
	return len(seen), nil
}

// ============================================================================
// StudyRun
// ============================================================================

func (m *MockStore) CreateStudyRun(ctx context.Context, r *model.StudyRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.StudyRuns[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	cp.ComponentRuns = nil
	m.StudyRuns[r.ID] = &cp
	m.track(r.ID)
	return nil
}

func (m *MockStore) GetStudyRun(ctx context.Context, id int64) (*model.StudyRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.StudyRuns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.ComponentRuns = m.componentRunsOf(id)
	return &cp, nil
}

func (m *MockStore) ListStudyRunsByWorkerAndStudy(ctx context.Context, workerID, studyID int64) ([]*model.StudyRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*model.StudyRun
	for _, r := range m.StudyRuns {
		if r.WorkerID == workerID && r.StudyID == studyID {
			cp := *r
			cp.ComponentRuns = m.componentRunsOf(r.ID)
			runs = append(runs, &cp)
		}
	}
	m.sortRuns(runs)
	return runs, nil
}

func (m *MockStore) ListStudyRunsByStudy(ctx context.Context, studyID int64) ([]*model.StudyRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*model.StudyRun
	for _, r := range m.StudyRuns {
		if r.StudyID == studyID {
			cp := *r
			cp.ComponentRuns = m.componentRunsOf(r.ID)
			runs = append(runs, &cp)
		}
	}
	m.sortRuns(runs)
	return runs, nil
}

func (m *MockStore) FinishStudyRun(ctx context.Context, id int64, state model.StudyRunState, confirmationCode *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.StudyRuns[id]
	if !ok || r.State != model.StudyRunStarted {
		return false, nil
	}
	now := time.Now().UTC()
	r.State = state
	r.ConfirmationCode = confirmationCode
	r.FinishedAt = &now
	return true, nil
}

func (m *MockStore) sortRuns(runs []*model.StudyRun) {
	sort.Slice(runs, func(i, j int) bool {
		return m.ord[runs[i].ID] < m.ord[runs[j].ID]
	})
}

// ============================================================================
// ComponentRun
// ============================================================================

func (m *MockStore) CreateComponentRun(ctx context.Context, cr *model.ComponentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ComponentRuns[cr.ID]; ok {
		return ErrDuplicate
	}
	cp := *cr
	m.ComponentRuns[cr.ID] = &cp
	m.track(cr.ID)
	return nil
}

func (m *MockStore) RemoveComponentRun(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ComponentRuns, id)
	return nil
}

func (m *MockStore) SetComponentRunState(ctx context.Context, id int64, state model.ComponentRunState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cr, ok := m.ComponentRuns[id]
	if !ok || cr.State.Terminal() {
		return false, nil
	}
	cr.State = state
	if state.Terminal() {
		now := time.Now().UTC()
		cr.FinishedAt = &now
	}
	return true, nil
}

func (m *MockStore) SetComponentRunResultData(ctx context.Context, id int64, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cr, ok := m.ComponentRuns[id]
	if !ok || cr.State.Terminal() {
		return ErrConflict
	}
	cr.ResultData = &data
	cr.State = model.ComponentRunResultDataPosted
	return nil
}

func (m *MockStore) FinishNonTerminalComponentRuns(ctx context.Context, studyRunID int64, state model.ComponentRunState, excludeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, cr := range m.ComponentRuns {
		if cr.StudyRunID == studyRunID && cr.ID != excludeID && !cr.State.Terminal() {
			cr.State = state
			cr.FinishedAt = &now
		}
	}
	return nil
}

// componentRunsOf 按插入顺序返回运行的步骤记录（调用方须持锁）
func (m *MockStore) componentRunsOf(studyRunID int64) []*model.ComponentRun {
	var runs []*model.ComponentRun
	for _, cr := range m.ComponentRuns {
		if cr.StudyRunID == studyRunID {
			cp := *cr
			runs = append(runs, &cp)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return m.ord[runs[i].ID] < m.ord[runs[j].ID]
	})
	return runs
}
