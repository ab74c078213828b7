// Package notify 预约确认后向消息总线发布通知
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher 消息发布出口
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// KafkaPublisher 基于 kafka-go Writer 的同步发布
type KafkaPublisher struct {
	mu sync.Mutex
	w  *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    &kafka.Transport{ClientID: "clinic-booking", MetadataTTL: 10 * time.Second},
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key, value []byte) error {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return context.Canceled
	}
	return w.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// NopPublisher kafka 未启用时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []byte, []byte) error { return nil }
func (NopPublisher) Close() error                                   { return nil }
