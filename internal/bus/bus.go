package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/config"
)

// ErrClosed はクローズ済みのバスを使用したことを表す。
var ErrClosed = errors.New("バスはクローズ済みです")

// Message はバスから受信したメッセージ。
type Message struct {
	// Topic は受信したトピック。
	Topic string
	// Key はパーティションキー。
	Key string
	// Value はメッセージ本体。
	Value []byte
	// Time はメッセージの発行日時。
	Time time.Time
}

// Handler は受信したメッセージを処理する関数。
// エラーを返してもメッセージは再配信されない。
type Handler func(ctx context.Context, msg Message) error

// Publisher はトピックへメッセージを発行する。
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber はトピックを購読する。
// Subscribe はctxが終了するまでブロックし、同じgroupの購読者間でメッセージを分配する。
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, group string, handler Handler) error
}

// Bus は発行と購読の両方を提供する。
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Open は設定されたドライバのBusを生成する。
func Open(cfg config.BusConfig, logger *zap.Logger) (Bus, error) {
	logger = logger.With(zap.String("component", "bus"), zap.String("driver", cfg.Driver))
	switch cfg.Driver {
	case "kafka":
		return NewKafka(cfg.Kafka.Brokers, logger)
	case "nats":
		return NewNATS(cfg.NATS.URL, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("未対応のバスドライバです: %q", cfg.Driver)
	}
}
