// Package idcookie cookie 值的编解码
//
// 线上格式（与既有客户端兼容，逐位固定）：
//   - 值为 key=value 对，用 '&' 连接，类似 URL query
//   - 编码按固定的键字典序输出，保证往返稳定
//   - 缺失的可选值编码为字面量 "null"
package idcookie

import (
	"strconv"
	"strings"

	"study-server/internal/shared/model"
)

const (
	cookieEquals = "="
	cookieAnd    = "&"
	nullValue    = "null"
)

// Decode 解析一个 ID cookie
//
// name 必须以一个十进制数字结尾（槽位号），否则判定为损坏。
// 必填字段缺失、数值字段非数字同样判定为损坏。
func Decode(name, value string) (*IdCookie, error) {
	index, err := cookieIndex(name)
	if err != nil {
		return nil, err
	}

	pairs := parsePairs(value)
	c := &IdCookie{Name: name, Index: index}

	if c.WorkerID, err = requiredInt64(pairs, KeyWorkerID, name); err != nil {
		return nil, err
	}
	workerType, err := requiredString(pairs, KeyWorkerType, name)
	if err != nil {
		return nil, err
	}
	c.WorkerType = model.WorkerType(workerType)
	if c.BatchID, err = requiredInt64(pairs, KeyBatchID, name); err != nil {
		return nil, err
	}
	if c.GroupRunID, err = optionalInt64(pairs, KeyGroupResultID, name); err != nil {
		return nil, err
	}
	if c.StudyID, err = requiredInt64(pairs, KeyStudyID, name); err != nil {
		return nil, err
	}
	if c.StudyRunID, err = requiredInt64(pairs, KeyStudyResultID, name); err != nil {
		return nil, err
	}
	if c.ComponentID, err = optionalInt64(pairs, KeyComponentID, name); err != nil {
		return nil, err
	}
	if c.ComponentRunID, err = optionalInt64(pairs, KeyComponentResultID, name); err != nil {
		return nil, err
	}
	if c.ComponentPosition, err = optionalInt(pairs, KeyComponentPosition, name); err != nil {
		return nil, err
	}
	if c.CreationTime, err = requiredInt64(pairs, KeyCreationTime, name); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode 把 IdCookie 的字段序列化为 cookie 值
//
// 固定输出顺序：batchId, componentId, componentPosition,
// componentResultId, creationTime, groupResultId, studyId,
// studyResultId, workerId, workerType。
func Encode(c *IdCookie) string {
	var sb strings.Builder
	appendEntry(&sb, KeyBatchID, strconv.FormatInt(c.BatchID, 10), true)
	appendEntry(&sb, KeyComponentID, int64OrNull(c.ComponentID), true)
	appendEntry(&sb, KeyComponentPosition, intOrNull(c.ComponentPosition), true)
	appendEntry(&sb, KeyComponentResultID, int64OrNull(c.ComponentRunID), true)
	appendEntry(&sb, KeyCreationTime, strconv.FormatInt(c.CreationTime, 10), true)
	appendEntry(&sb, KeyGroupResultID, int64OrNull(c.GroupRunID), true)
	appendEntry(&sb, KeyStudyID, strconv.FormatInt(c.StudyID, 10), true)
	appendEntry(&sb, KeyStudyResultID, strconv.FormatInt(c.StudyRunID, 10), true)
	appendEntry(&sb, KeyWorkerID, strconv.FormatInt(c.WorkerID, 10), true)
	appendEntry(&sb, KeyWorkerType, string(c.WorkerType), false)
	return sb.String()
}

// cookieIndex 取 cookie 名最后一个字符作为槽位号
func cookieIndex(name string) (int, error) {
	if name == "" {
		return 0, &MalformedError{CookieName: name, Reason: "empty cookie name"}
	}
	last := name[len(name)-1]
	if last < '0' || last > '9' {
		return 0, &MalformedError{CookieName: name,
			Reason: "cookie name does not end in a slot digit"}
	}
	return int(last - '0'), nil
}

// parsePairs 把 "k=v&k=v" 拆成 map；残缺的对被忽略
// （缺键随后会按必填/可选规则处理）
func parsePairs(value string) map[string]string {
	pairs := make(map[string]string)
	for _, pair := range strings.Split(value, cookieAnd) {
		kv := strings.SplitN(pair, cookieEquals, 2)
		if len(kv) == 2 && kv[0] != "" {
			pairs[kv[0]] = kv[1]
		}
	}
	return pairs
}

func requiredString(pairs map[string]string, key, cookieName string) (string, error) {
	v, ok := pairs[key]
	if !ok || v == "" {
		return "", &MalformedError{CookieName: cookieName,
			Reason: "missing required field " + key}
	}
	return v, nil
}

func requiredInt64(pairs map[string]string, key, cookieName string) (int64, error) {
	v, err := requiredString(pairs, key, cookieName)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &MalformedError{CookieName: cookieName,
			Reason: "field " + key + " is not a number"}
	}
	return n, nil
}

func optionalInt64(pairs map[string]string, key, cookieName string) (*int64, error) {
	v, ok := pairs[key]
	if !ok || v == "" || v == nullValue {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, &MalformedError{CookieName: cookieName,
			Reason: "field " + key + " is not a number"}
	}
	return &n, nil
}

func optionalInt(pairs map[string]string, key, cookieName string) (*int, error) {
	v, ok := pairs[key]
	if !ok || v == "" || v == nullValue {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, &MalformedError{CookieName: cookieName,
			Reason: "field " + key + " is not a number"}
	}
	return &n, nil
}

func appendEntry(sb *strings.Builder, key, value string, and bool) {
	sb.WriteString(key)
	sb.WriteString(cookieEquals)
	sb.WriteString(value)
	if and {
		sb.WriteString(cookieAnd)
	}
}

func int64OrNull(v *int64) string {
	if v == nil {
		return nullValue
	}
	return strconv.FormatInt(*v, 10)
}

func intOrNull(v *int) string {
	if v == nil {
		return nullValue
	}
	return strconv.Itoa(*v)
}
