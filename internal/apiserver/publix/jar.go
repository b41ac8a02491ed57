// Package publix HTTP 请求/响应上的 cookie 袋
package publix

import (
	"net/http"

	"study-server/internal/publix/idcookie"
)

// requestJar 把一次 HTTP 交互适配成 idcookie.Jar
//
// 读取来自请求；写入和删除立即落到响应头（Set-Cookie 可以
// 对同一名字出现多次，后写的生效）。ID cookie 需要被浏览器端
// 脚本读取，因此不设 HttpOnly。
type requestJar struct {
	w http.ResponseWriter
	r *http.Request
}

var _ idcookie.Jar = (*requestJar)(nil)

func newRequestJar(w http.ResponseWriter, r *http.Request) *requestJar {
	return &requestJar{w: w, r: r}
}

func (j *requestJar) Cookies() []*http.Cookie {
	return j.r.Cookies()
}

func (j *requestJar) Set(name, value string, maxAge int, path string) {
	http.SetCookie(j.w, &http.Cookie{
		Name:     name,
		Value:    value,
		MaxAge:   maxAge,
		Path:     path,
		SameSite: http.SameSiteLaxMode,
	})
}

func (j *requestJar) Delete(name string) {
	http.SetCookie(j.w, &http.Cookie{
		Name:   name,
		Value:  "",
		MaxAge: -1,
		Path:   idcookie.CookiePath,
	})
}
