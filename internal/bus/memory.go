package bus

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// memoryBuffer は購読者ごとの受信バッファ長。
const memoryBuffer = 64

// defaultMemoryHistory はトピックごとに保持する発行済みメッセージ数の既定値。
const defaultMemoryHistory = 256

// Memory はプロセス内で完結するBus。開発環境とテストで使う。
// 同じgroupの購読者にはラウンドロビンで1件ずつ、異なるgroupにはそれぞれ配信する。
// 発行したメッセージはトピックごとに直近のものだけ保持し、Messagesで参照できる。
type Memory struct {
	mu        sync.Mutex
	subs      map[string][]*memorySub
	next      map[string]int
	published map[string][]Message
	history   int
	closed    bool
	done      chan struct{}
}

// MemoryOption はMemoryの設定を変更する関数。
type MemoryOption func(*Memory)

// WithHistory はトピックごとに保持する発行済みメッセージ数を設定する。0以下なら保持しない。
func WithHistory(n int) MemoryOption {
	return func(m *Memory) {
		m.history = n
	}
}

type memorySub struct {
	group string
	ch    chan Message
}

// NewMemory は空のMemoryバスを生成する。
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		subs:      map[string][]*memorySub{},
		next:      map[string]int{},
		published: map[string][]Message{},
		history:   defaultMemoryHistory,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish はtopicの購読グループごとに1件ずつメッセージを配信する。
// 購読者のバッファが一杯の場合はctxが終了するまで待つ。
func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := Message{
		Topic: topic,
		Key:   key,
		Value: slices.Clone(payload),
		Time:  time.Now().UTC(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.recordLocked(msg)
	targets := m.pickLocked(topic)
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		}
	}
	return nil
}

// recordLocked はmsgを発行履歴に加え、上限を超えた古いものを捨てる。m.muを保持して呼ぶ。
func (m *Memory) recordLocked(msg Message) {
	if m.history <= 0 {
		return
	}
	h := append(m.published[msg.Topic], msg)
	if len(h) > m.history {
		n := copy(h, h[len(h)-m.history:])
		clear(h[n:])
		h = h[:n]
	}
	m.published[msg.Topic] = h
}

// pickLocked はtopicの購読者からgroupごとに1つを選ぶ。m.muを保持して呼ぶ。
func (m *Memory) pickLocked(topic string) []*memorySub {
	byGroup := map[string][]*memorySub{}
	var order []string
	for _, sub := range m.subs[topic] {
		if _, ok := byGroup[sub.group]; !ok {
			order = append(order, sub.group)
		}
		byGroup[sub.group] = append(byGroup[sub.group], sub)
	}

	targets := make([]*memorySub, 0, len(order))
	for _, group := range order {
		members := byGroup[group]
		k := topic + "\x00" + group
		targets = append(targets, members[m.next[k]%len(members)])
		m.next[k]++
	}
	return targets
}

// Subscribe はtopicsを購読し、ctxが終了するかバスが閉じられるまでブロックする。
// メッセージは1件ずつ順にhandlerへ渡す。
func (m *Memory) Subscribe(ctx context.Context, topics []string, group string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("購読するトピックが1つ以上必要です")
	}

	sub := &memorySub{group: group, ch: make(chan Message, memoryBuffer)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	for _, topic := range topics {
		m.subs[topic] = append(m.subs[topic], sub)
	}
	m.mu.Unlock()

	defer m.unsubscribe(topics, sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case msg := <-sub.ch:
			_ = handler(ctx, msg)
		}
	}
}

func (m *Memory) unsubscribe(topics []string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		m.subs[topic] = slices.DeleteFunc(m.subs[topic], func(s *memorySub) bool { return s == sub })
	}
}

// Messages はtopicに発行された直近のメッセージを発行順に返す。
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.published[topic])
}

// Close はバスを閉じ、購読を終了させる。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
