// Package notify は部屋・ゲームのイベントを購読者へ配送します。
//
// 各トピックのイベントには連番が付くので、受信側は欠番を見つけたら
// スナップショットを取り直して整合させます。
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event は購読者へ届くイベント
type Event struct {
	Topic   string    `json:"topic"`
	Seq     uint64    `json:"seq"`
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Handler はイベントを受け取る関数。購読者ごとに1つのゴルーチンから順番に呼ばれる
type Handler func(Event)

// Publisher はイベントの発行元が必要とする最小のインターフェース
type Publisher interface {
	Publish(topic, eventType string, payload any) Event
}

// Relay はイベントをプロセス外へ中継します（Redisなど）
type Relay interface {
	Relay(ctx context.Context, ev Event) error
}

// RoomTopic は部屋コードに対応するトピック名
func RoomTopic(code string) string { return "room:" + code }

// GameTopic はゲームIDに対応するトピック名
func GameTopic(gameID string) string { return "game:" + gameID }

// Bus はプロセス内のPub/Sub。Publish は呼び出し側をブロックせず、イベントを捨てない
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[string]map[uint64]*subscriber
	byID   map[uint64]*subscriber
	nextID uint64
	relays []Relay
	closed bool
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		seq:    make(map[string]uint64),
		subs:   make(map[string]map[uint64]*subscriber),
		byID:   make(map[uint64]*subscriber),
	}
}

// AddRelay は中継先を追加します。
func (b *Bus) AddRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relays = append(b.relays, r)
}

// Subscribe は topic の購読を開始し、解除用のIDを返します。
func (b *Bus) Subscribe(topic string, h Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := newSubscriber(b.nextID, topic, h)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][s.id] = s
	b.byID[s.id] = s
	go s.run()
	return s.id
}

// Unsubscribe は購読を解除します。未配送のイベントは破棄されます。
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		delete(b.subs[s.topic], id)
		if len(b.subs[s.topic]) == 0 {
			delete(b.subs, s.topic)
		}
	}
	b.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Publish は連番を採番してイベントを各購読者のメールボックスへ積みます。
func (b *Bus) Publish(topic, eventType string, payload any) Event {
	b.mu.Lock()
	b.seq[topic]++
	ev := Event{Topic: topic, Seq: b.seq[topic], Type: eventType, Payload: payload, At: time.Now()}
	if b.closed {
		b.mu.Unlock()
		return ev
	}
	// 採番と同じロックの中で積むので、各メールボックスでは連番順に並ぶ
	for _, s := range b.subs[topic] {
		s.enqueue(ev)
	}
	relays := append([]Relay(nil), b.relays...)
	b.mu.Unlock()

	for _, r := range relays {
		go func(r Relay) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Relay(ctx, ev); err != nil {
				b.logger.Warn("イベントの中継に失敗しました", zap.String("topic", ev.Topic), zap.String("type", ev.Type), zap.Error(err))
			}
		}(r)
	}
	return ev
}

// LastSeq は topic で最後に採番された連番を返します。
func (b *Bus) LastSeq(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[topic]
}

// Close は全購読を停止します。
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	b.subs = make(map[string]map[uint64]*subscriber)
	b.byID = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscriber struct {
	id      uint64
	topic   string
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriber(id uint64, topic string, h Handler) *subscriber {
	return &subscriber{
		id:      id,
		topic:   topic,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range batch {
				s.handler(ev)
			}
		}
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
