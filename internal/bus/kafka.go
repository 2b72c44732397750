package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka はKafkaをバックエンドとするBus。
type Kafka struct {
	brokers []string
	writer  *kafka.Writer
	logger  *zap.Logger

	mu      sync.Mutex
	readers map[*kafka.Reader]struct{}
	closed  bool
}

// NewKafka はbrokersに接続するKafkaバスを生成する。
// 発行は全レプリカの確認を待ち、キーのハッシュでパーティションを決める。
func NewKafka(brokers []string, logger *zap.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("Kafkaのブローカーが1つ以上必要です")
	}
	return &Kafka{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		logger:  logger,
		readers: map[*kafka.Reader]struct{}{},
	}, nil
}

// Publish はtopicにメッセージを書き込み、確認応答を待つ。
func (k *Kafka) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("Kafkaへの発行に失敗: topic=%s: %w", topic, err)
	}
	return nil
}

// Subscribe はコンシューマグループgroupとしてtopicsを購読する。
// ハンドラの結果に関わらずオフセットをコミットする。
func (k *Kafka) Subscribe(ctx context.Context, topics []string, group string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("購読するトピックが1つ以上必要です")
	}
	if group == "" {
		return errors.New("コンシューマグループが必要です")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	if !k.track(reader) {
		_ = reader.Close()
		return ErrClosed
	}
	defer k.untrack(reader)

	k.logger.Info("Kafkaの購読を開始", zap.Strings("topics", topics), zap.String("group", group))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("Kafkaからの受信に失敗: %w", err)
		}

		if err := handler(ctx, Message{
			Topic: msg.Topic,
			Key:   string(msg.Key),
			Value: msg.Value,
			Time:  msg.Time,
		}); err != nil {
			k.logger.Warn("メッセージの処理に失敗",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("オフセットのコミットに失敗: %w", err)
		}
	}
}

func (k *Kafka) track(r *kafka.Reader) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return false
	}
	k.readers[r] = struct{}{}
	return true
}

func (k *Kafka) untrack(r *kafka.Reader) {
	k.mu.Lock()
	_, ok := k.readers[r]
	delete(k.readers, r)
	k.mu.Unlock()
	if ok {
		if err := r.Close(); err != nil {
			k.logger.Warn("Kafkaリーダーのクローズに失敗", zap.Error(err))
		}
	}
}

// Close は購読中のリーダーとライターを閉じる。
func (k *Kafka) Close() error {
	k.mu.Lock()
	k.closed = true
	readers := make([]*kafka.Reader, 0, len(k.readers))
	for r := range k.readers {
		readers = append(readers, r)
	}
	k.readers = map[*kafka.Reader]struct{}{}
	k.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, k.writer.Close())
	return errors.Join(errs...)
}
