// Package groupchannel Redis Streams 组消息中继
package groupchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// keyGroupMessages Stream 键前缀，后接 groupRunId
	keyGroupMessages = "group:messages:"

	// maxStreamLength 每组保留的消息条数上限（近似裁剪）
	maxStreamLength = 1000
)

// RedisBus 基于 Redis Streams 的组消息中继
//
// 多实例部署时让不同实例上的组成员互通。
type RedisBus struct {
	client *redis.Client
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus 创建 Redis 中继并验证连通性
func NewRedisBus(ctx context.Context, addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) key(groupRunID int64) string {
	return fmt.Sprintf("%s%d", keyGroupMessages, groupRunID)
}

func (b *RedisBus) Publish(ctx context.Context, groupRunID int64, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal group message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.key(groupRunID),
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      msg.Type,
			"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(data),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish group message: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, groupRunID int64) (<-chan *Message, error) {
	key := b.key(groupRunID)
	ch := make(chan *Message, 64)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[groupchannel] subscription error on group %d: %v", groupRunID, err)
				return
			}

			for _, stream := range streams {
				for _, raw := range stream.Messages {
					lastID = raw.ID
					payload, ok := raw.Values["payload"].(string)
					if !ok {
						continue
					}
					var msg Message
					if err := json.Unmarshal([]byte(payload), &msg); err != nil {
						log.Printf("[groupchannel] dropping undecodable message on group %d: %v", groupRunID, err)
						continue
					}
					select {
					case ch <- &msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
