package bus

import (
	"sync"
	"time"
)

// 默认每个订阅者的缓冲大小，和连接出站队列保持同一个量级
const defaultBufferSize = 32

// 广播到订阅者的一条事件
type Event struct {
	Topic     string
	Type      string // "op_committed" / "participant_joined" / "presence_changed" ...
	Payload   any
	CreatedAt time.Time
}

// Subscription 代表一条“topic 上以后的事件都投给我”的注册。
// C 是每个订阅者独立的缓冲通道：同一个 topic 对单个订阅者保序（FIFO），
// 订阅者之间互不影响进度。
type Subscription struct {
	Topic string
	C     chan Event

	// 发送和关闭必须互斥：Publish 拿完订阅者名单就放开了 b.mu，
	// 这期间 Unsubscribe 可能把 C 关掉，裸 send 会 panic
	mu     sync.Mutex
	closed bool
}

func (s *Subscription) send(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.C <- evt:
	default:
		// 慢订阅者：丢事件，不丢提交
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Broadcaster 进程内的发布/订阅枢纽。
// Publish 对发布方是 fire-and-forget：某个订阅者的缓冲满了就只丢那一个
// 订阅者的这条事件，绝不阻塞提交链路（和连接出站队列同一套丢弃约定）。
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 注册订阅。迟到的订阅者收不到之前的事件（不回放积压，
// 文档的补课走 session.History）。
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	sub := &Subscription{Topic: topic, C: make(chan Event, defaultBufferSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub
}

// Unsubscribe 拆掉一条注册并关闭它的通道。连接断开时必须调用，
// 否则订阅者只增不减。重复调用无害。
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if subs, ok := b.topics[sub.Topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.Topic)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish 把事件投给 topic 当前的所有订阅者。
func (b *Broadcaster) Publish(topic string, evt Event) {
	evt.Topic = topic
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.send(evt)
	}
}

// SubscriberCount 主要给测试和排查用。
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close 关停整个枢纽，关闭全部订阅通道。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			sub.close()
		}
		delete(b.topics, topic)
	}
}
