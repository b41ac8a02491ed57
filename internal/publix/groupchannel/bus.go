// Package groupchannel 分组实验的实时消息通道
//
// 同一 groupRunId 下的所有参与者共享一个通道：成员消息互相转发，
// 加入/离开产生系统消息。单实例部署直接走进程内 hub；
// 多实例部署通过 Redis Streams 中继（见 redis.go）。
package groupchannel

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// 消息类型
const (
	MessageTypeJoined = "joined" // 成员加入
	MessageTypeLeft   = "left"   // 成员离开
	MessageTypeGroup  = "msg"    // 成员消息，内容原样转发
)

// Message 组内消息
//
// Origin 标识发布实例，订阅方据此丢弃自己发布的消息
// （本地客户端在发布前已经收到一份）。
type Message struct {
	Type       string          `json:"type"`
	GroupRunID int64           `json:"group_run_id"`
	RunID      int64           `json:"run_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Origin     string          `json:"origin,omitempty"`
}

// Bus 组消息中继
//
// Subscribe 返回的通道在 ctx 取消后关闭。
type Bus interface {
	Publish(ctx context.Context, groupRunID int64, msg *Message) error
	Subscribe(ctx context.Context, groupRunID int64) (<-chan *Message, error)
	Close() error
}

// ============================================================================
// 进程内实现
// ============================================================================

// MemoryBus 进程内组消息中继
//
// 供单实例部署和单元测试使用。
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int64]map[chan *Message]bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus 创建进程内中继
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int64]map[chan *Message]bool)}
}

func (b *MemoryBus) Publish(ctx context.Context, groupRunID int64, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[groupRunID] {
		select {
		case ch <- msg:
		default:
			// 订阅方跟不上就丢弃，组消息不承诺可靠投递
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, groupRunID int64) (<-chan *Message, error) {
	ch := make(chan *Message, 64)

	b.mu.Lock()
	if b.subs[groupRunID] == nil {
		b.subs[groupRunID] = make(map[chan *Message]bool)
	}
	b.subs[groupRunID][ch] = true
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[groupRunID], ch)
		if len(b.subs[groupRunID]) == 0 {
			delete(b.subs, groupRunID)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (b *MemoryBus) Close() error { return nil }
