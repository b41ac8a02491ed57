// Package idcookie 请求级的 ID cookie 存取
//
// Accessor 是显式的请求作用域对象：每个请求创建一个，随调用链传递，
// 不使用任何全局/线程局部状态。首次读取时解码全部 ID cookie 并缓存，
// 同一请求内的后续读取复用缓存。
package idcookie

import (
	"log"
	"math"
	"net/http"
	"strings"
)

// cookieMaxAge 实际意义上的"永不过期"
// 浏览器被放弃时留下的陈旧 cookie 由服务端的陈旧运行清理来对账。
const cookieMaxAge = math.MaxInt32

// CookiePath ID cookie 的路径范围
const CookiePath = "/"

// Jar 传输层的 cookie 袋
//
// 读取来自请求；写入/删除只是排队到响应，由传输层在响应定稿时输出。
type Jar interface {
	// Cookies 枚举请求携带的全部 cookie
	Cookies() []*http.Cookie

	// Set 排队一个 Set-Cookie
	Set(name, value string, maxAge int, path string)

	// Delete 排队删除一个 cookie
	Delete(name string)
}

// Accessor 一个请求的 ID cookie 视图
type Accessor struct {
	jar    Jar
	cached *Container
}

// NewAccessor 创建请求作用域的 Accessor
func NewAccessor(jar Jar) *Accessor {
	return &Accessor{jar: jar}
}

// Extract 返回该请求的 ID cookie 容器
//
// 首次调用从 cookie 袋解码；解码失败的 cookie 当场丢弃
// （排队删除 + 告警日志），绝不让损坏的客户端状态影响请求本身。
// 后续调用直接返回缓存。
func (a *Accessor) Extract() *Container {
	if a.cached != nil {
		return a.cached
	}
	container := NewContainer()
	for _, cookie := range a.jar.Cookies() {
		if !strings.HasPrefix(cookie.Name, NamePrefix) {
			continue
		}
		idCookie, err := Decode(cookie.Name, cookie.Value)
		if err == nil {
			err = container.Add(idCookie)
		}
		if err != nil {
			log.Printf("[idcookie] discarding cookie %s: %v", cookie.Name, err)
			a.jar.Delete(cookie.Name)
		}
	}
	a.cached = container
	return container
}

// Write 把 cookie 写入响应并更新缓存
//
// 同一 studyRunId 已有 cookie 时先移除旧条目（槽位由新 cookie 自带）。
func (a *Accessor) Write(newCookie *IdCookie) error {
	container := a.Extract()

	existing := container.FindByStudyRunID(newCookie.StudyRunID)
	container.Remove(existing)
	if err := container.Add(newCookie); err != nil {
		return err
	}

	a.jar.Set(newCookie.Name, Encode(newCookie), cookieMaxAge, CookiePath)
	return nil
}

// Discard 丢弃 studyRunId 对应的 cookie；没有时为无操作
func (a *Accessor) Discard(studyRunID int64) {
	container := a.Extract()
	cookie := container.FindByStudyRunID(studyRunID)
	if cookie == nil {
		return
	}
	container.Remove(cookie)
	a.jar.Delete(cookie.Name)
}
