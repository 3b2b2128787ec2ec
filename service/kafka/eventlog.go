package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"

	"VeChat/logger"
)

// Event 写入 Kafka 的一条聊天事件；Key 用会话 id，保证同一会话的事件有序
type Event struct {
	Kind    string    `json:"event"`
	Key     string    `json:"key"`
	Node    string    `json:"node,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// EventLog 异步投递：Record 只入队，后台协程用同步生产者逐条发送。
// 队列满时丢弃并计数，事件日志不能反压聊天主链路
type EventLog struct {
	producer sarama.SyncProducer
	topic    string
	node     string

	mu     sync.RWMutex
	closed bool
	queue  chan *sarama.ProducerMessage
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewEventLog(producer sarama.SyncProducer, topic, node string, buffer int) *EventLog {
	if buffer <= 0 {
		buffer = 1024
	}
	l := &EventLog{
		producer: producer,
		topic:    topic,
		node:     node,
		queue:    make(chan *sarama.ProducerMessage, buffer),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Dial 连接 Kafka 并启动事件日志
func Dial(c Config, node string) (*EventLog, error) {
	p, err := newProducer(c)
	if err != nil {
		return nil, err
	}
	return NewEventLog(p, c.Topic, node, c.Buffer), nil
}

func (l *EventLog) Record(_ context.Context, key, kind string, payload any) {
	b, err := json.Marshal(Event{Kind: kind, Key: key, Node: l.node, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		logger.Warnf("[kafka] encode event=%s key=%s: %v", kind, key, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: l.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- msg:
	default:
		l.dropped.Add(1)
	}
}

func (l *EventLog) run() {
	defer close(l.done)
	for msg := range l.queue {
		if _, _, err := l.producer.SendMessage(msg); err != nil {
			l.failed.Add(1)
			logger.Warnf("[kafka] send topic=%s err=%v", msg.Topic, err)
		}
	}
}

// Dropped 队列满被丢弃的条数
func (l *EventLog) Dropped() int64 { return l.dropped.Load() }

// Failed 发送失败的条数
func (l *EventLog) Failed() int64 { return l.failed.Load() }

// Close 排空队列后关闭生产者
func (l *EventLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return l.producer.Close()
}
