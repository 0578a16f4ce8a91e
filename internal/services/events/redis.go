package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/logging"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannel 是默认的 Redis 发布频道。
const DefaultChannel = "evidence-orchestrator:events"

// RedisPublisher 是 *redis.Client 的子集，便于测试替换。
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NewRedisClient 按地址创建客户端。
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

// RedisForwarder 把事件以 JSON 形式转发到 Redis 频道，供外部报告层订阅。
type RedisForwarder struct {
	pub     RedisPublisher
	channel string
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewRedisForwarder(pub RedisPublisher, channel string, log logrus.FieldLogger) *RedisForwarder {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisForwarder{pub: pub, channel: channel, timeout: 3 * time.Second, log: logging.OrDiscard(log)}
}

// OnEvent 实现 Observer。转发失败只记日志，不回传给发布方。
func (f *RedisForwarder) OnEvent(ev model.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		f.log.WithError(err).WithField("event", ev.Name).Warn("encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.pub.Publish(ctx, f.channel, raw).Err(); err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{"event": ev.Name, "channel": f.channel}).Warn("forward event to redis")
	}
}
