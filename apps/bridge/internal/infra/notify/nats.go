package notify

import (
	"context"
	"strings"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
)

// publisher nats.Conn 里用到的部分
type publisher interface {
	Publish(subj string, data []byte) error
}

// Envelope 发出去的消息格式
type Envelope struct {
	Topic   string    `json:"topic"`
	TraceID string    `json:"trace_id,omitempty"`
	At      time.Time `json:"at"`
	Data    any       `json:"data"`
}

// NatsNotifier 事务提交后把结果广播出去，at-most-once，发送失败不影响账本
type NatsNotifier struct {
	nc     *nats.Conn
	pub    publisher
	prefix string
}

var _ domain.Notifier = (*NatsNotifier)(nil)

func Dial(url, prefix string, opts ...nats.Option) (*NatsNotifier, error) {
	opts = append([]nats.Option{nats.Name("bridge-syncer")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	n := newNotifier(nc, prefix)
	n.nc = nc
	return n, nil
}

func newNotifier(pub publisher, prefix string) *NatsNotifier {
	return &NatsNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject topic 对应的 NATS subject
func (n *NatsNotifier) Subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

func (n *NatsNotifier) Notify(ctx context.Context, topic string, payload any) error {
	b, err := json.Marshal(Envelope{
		Topic:   topic,
		TraceID: logger.TraceID(ctx),
		At:      time.Now().UTC(),
		Data:    payload,
	})
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Subject(topic), b)
}

func (n *NatsNotifier) Close() error {
	if n.nc != nil {
		_ = n.nc.Drain()
		n.nc.Close()
	}
	return nil
}

// Nop 没有配置 NATS 时使用
type Nop struct{}

func (Nop) Notify(context.Context, string, any) error { return nil }
