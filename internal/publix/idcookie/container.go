// Package idcookie 一个浏览器的全部 ID cookie 集合
package idcookie

import "sort"

// Container 按槽位索引保存一个浏览器的 ID cookie
//
// 不变量：
//   - 0 ≤ Size() ≤ Max，槽位索引互不相同
//   - 一个 studyRunId 至多对应一个 cookie
type Container struct {
	bySlot map[int]*IdCookie
}

// NewContainer 创建空容器
func NewContainer() *Container {
	return &Container{bySlot: make(map[int]*IdCookie)}
}

// Size 当前 cookie 数
func (c *Container) Size() int {
	return len(c.bySlot)
}

// IsFull 是否已占满全部槽位
func (c *Container) IsFull() bool {
	return len(c.bySlot) >= Max
}

// Add 放入一个 cookie
//
// 容器已满返回 CapacityError，槽位被占返回 SlotConflictError；
// 两种情况下容器都保持不变。
func (c *Container) Add(cookie *IdCookie) error {
	if c.IsFull() {
		return &CapacityError{}
	}
	if _, occupied := c.bySlot[cookie.Index]; occupied {
		return &SlotConflictError{Index: cookie.Index}
	}
	c.bySlot[cookie.Index] = cookie
	return nil
}

// Remove 移除一个 cookie；不在容器中时为无操作
func (c *Container) Remove(cookie *IdCookie) {
	if cookie == nil {
		return
	}
	if existing, ok := c.bySlot[cookie.Index]; ok && existing == cookie {
		delete(c.bySlot, cookie.Index)
	}
}

// FindByStudyRunID 按 studyRunId 查找 cookie，未命中返回 nil
//
// studyRunId 在容器内唯一（不变量），线性扫描即可。
func (c *Container) FindByStudyRunID(studyRunID int64) *IdCookie {
	for _, cookie := range c.bySlot {
		if cookie.StudyRunID == studyRunID {
			return cookie
		}
	}
	return nil
}

// NextFreeSlot 返回最小的空闲槽位索引
//
// 所有槽位都被占用时返回 CapacityError。
// 不做预留：并发请求的分配竞争由"同一浏览器串行提交"这一事实兜底。
func (c *Container) NextFreeSlot() (int, error) {
	for i := 0; i < Max; i++ {
		if _, occupied := c.bySlot[i]; !occupied {
			return i, nil
		}
	}
	return 0, &CapacityError{}
}

// All 按槽位索引升序返回全部 cookie
func (c *Container) All() []*IdCookie {
	cookies := make([]*IdCookie, 0, len(c.bySlot))
	for _, cookie := range c.bySlot {
		cookies = append(cookies, cookie)
	}
	sort.Slice(cookies, func(i, j int) bool {
		return cookies[i].Index < cookies[j].Index
	})
	return cookies
}
