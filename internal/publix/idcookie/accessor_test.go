// Package idcookie 请求级存取测试
package idcookie

import (
	"net/http"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-server/internal/shared/model"
)

// mockJar 内存 cookie 袋，记录排队的写入/删除
type mockJar struct {
	incoming []*http.Cookie
	set      map[string]string
	deleted  []string
}

func newMockJar(incoming ...*http.Cookie) *mockJar {
	return &mockJar{incoming: incoming, set: make(map[string]string)}
}

func (j *mockJar) Cookies() []*http.Cookie { return j.incoming }

func (j *mockJar) Set(name, value string, maxAge int, path string) {
	j.set[name] = value
}

func (j *mockJar) Delete(name string) {
	j.deleted = append(j.deleted, name)
}

// ============================================================================
// Extract
// ============================================================================

// TestAccessor_Extract_DiscardsMalformed 损坏 cookie 被丢弃且不影响其余
func TestAccessor_Extract_DiscardsMalformed(t *testing.T) {
	valid := fullCookie()
	jar := newMockJar(
		&http.Cookie{Name: valid.Name, Value: Encode(valid)},
		// 必填字段缺失
		&http.Cookie{Name: "STUDY_IDS_1", Value: "batchId=1&studyId=2"},
		// 名字无槽位数字
		&http.Cookie{Name: "STUDY_IDS_x", Value: Encode(valid)},
		// 与本系统无关的 cookie，直接忽略
		&http.Cookie{Name: "theme", Value: "dark"},
	)

	accessor := NewAccessor(jar)
	container := accessor.Extract()

	assert.Equal(t, 1, container.Size())
	require.NotNil(t, container.FindByStudyRunID(valid.StudyRunID))
	assert.ElementsMatch(t, []string{"STUDY_IDS_1", "STUDY_IDS_x"}, jar.deleted)
}

// TestAccessor_Extract_Cached 同一请求内只解码一次
func TestAccessor_Extract_Cached(t *testing.T) {
	valid := fullCookie()
	jar := newMockJar(&http.Cookie{Name: valid.Name, Value: Encode(valid)})
	accessor := NewAccessor(jar)

	first := accessor.Extract()
	// 请求中途 jar 内容变化不应影响缓存视图
	jar.incoming = nil
	second := accessor.Extract()

	assert.Same(t, first, second)
	assert.Equal(t, 1, second.Size())
}

// ============================================================================
// Write / Discard
// ============================================================================

// TestAccessor_Write_ReplacesSameRun 同一运行的旧 cookie 被替换
func TestAccessor_Write_ReplacesSameRun(t *testing.T) {
	old := fullCookie()
	jar := newMockJar(&http.Cookie{Name: old.Name, Value: Encode(old)})
	accessor := NewAccessor(jar)

	updated := *old
	updated.ComponentRunID = nil
	require.NoError(t, accessor.Write(&updated))

	container := accessor.Extract()
	assert.Equal(t, 1, container.Size())
	assert.Equal(t, Encode(&updated), jar.set[updated.Name])
}

func TestAccessor_Write_NewSlot(t *testing.T) {
	jar := newMockJar()
	accessor := NewAccessor(jar)

	c := cookieAt(0, 500)
	require.NoError(t, accessor.Write(c))
	assert.Equal(t, Encode(c), jar.set["STUDY_IDS_0"])
	assert.Equal(t, 1, accessor.Extract().Size())
}

func TestAccessor_Discard(t *testing.T) {
	valid := fullCookie()
	jar := newMockJar(&http.Cookie{Name: valid.Name, Value: Encode(valid)})
	accessor := NewAccessor(jar)

	accessor.Discard(valid.StudyRunID)
	assert.Equal(t, 0, accessor.Extract().Size())
	assert.Contains(t, jar.deleted, valid.Name)

	// 再次丢弃是无操作
	accessor.Discard(valid.StudyRunID)
	assert.Len(t, jar.deleted, 1)
}

// ============================================================================
// Service
// ============================================================================

func TestService_Get_Missing(t *testing.T) {
	svc := NewService(NewAccessor(newMockJar()))
	_, err := svc.Get(12345)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

// TestService_WriteForRun_SlotAllocation 新运行取最小空闲槽位，已有运行复用槽位
func TestService_WriteForRun_SlotAllocation(t *testing.T) {
	existing := cookieAt(0, 100)
	jar := newMockJar(&http.Cookie{Name: existing.Name, Value: Encode(existing)})
	svc := NewService(NewAccessor(jar))

	worker := &model.Worker{ID: 7, Type: model.WorkerTypePersonalMultiple}
	run := &model.StudyRun{ID: 200, StudyID: 1, BatchID: 2, WorkerID: 7, State: model.StudyRunStarted}

	require.NoError(t, svc.WriteForRun(worker, run, nil, nil))
	written := svc.Accessor().Extract().FindByStudyRunID(200)
	require.NotNil(t, written)
	assert.Equal(t, 1, written.Index)
	assert.Nil(t, written.ComponentID)

	// 进入第一个步骤后刷新 cookie：槽位不变，带上步骤信息
	component := &model.Component{ID: 31, Position: 1}
	componentRun := &model.ComponentRun{ID: 41, ComponentID: 31}
	require.NoError(t, svc.WriteForRun(worker, run, component, componentRun))

	written = svc.Accessor().Extract().FindByStudyRunID(200)
	require.NotNil(t, written)
	assert.Equal(t, 1, written.Index)
	require.NotNil(t, written.ComponentID)
	assert.Equal(t, int64(31), *written.ComponentID)
	require.NotNil(t, written.ComponentRunID)
	assert.Equal(t, int64(41), *written.ComponentRunID)
}

// TestService_CheckCapacity_Full 满容器报资源耗尽
func TestService_CheckCapacity_Full(t *testing.T) {
	var cookies []*http.Cookie
	for i := 0; i < Max; i++ {
		c := cookieAt(i, int64(100+i))
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: Encode(c)})
	}
	svc := NewService(NewAccessor(newMockJar(cookies...)))

	err := svc.CheckCapacity()
	assert.True(t, errdefs.IsResourceExhausted(err))
}
