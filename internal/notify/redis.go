package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const channelPrefix = "troublepainter:"

// RedisRelay はイベントをRedisのPub/Subチャネルへ流します。
// 別プロセスの観戦者や監視ツールが購読できる
type RedisRelay struct {
	rdb redis.UniversalClient
}

func NewRedisRelay(rdb redis.UniversalClient) *RedisRelay {
	return &RedisRelay{rdb: rdb}
}

// Channel はトピックに対応するRedisチャネル名
func Channel(topic string) string {
	return channelPrefix + topic
}

func (r *RedisRelay) Relay(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗しました: %w", err)
	}
	if err := r.rdb.Publish(ctx, Channel(ev.Topic), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Topic, err)
	}
	return nil
}
