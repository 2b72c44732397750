package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// headerKey はパーティションキーを運ぶNATSヘッダー。
const headerKey = "Notifan-Key"

// natsFlushTimeout はctxに期限が無い場合のフラッシュ待ち時間。
const natsFlushTimeout = 5 * time.Second

// NATS はNATSをバックエンドとするBus。トピックはサブジェクトに対応する。
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATS はurlのNATSサーバーに接続する。
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("notifan-dispatcher"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATSから切断されました", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATSに再接続しました", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗: %w", err)
	}
	return &NATS{nc: nc, logger: logger}, nil
}

// Publish はサブジェクトtopicにメッセージを発行し、サーバーへの到達を待つ。
func (n *NATS) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := nats.NewMsg(topic)
	msg.Header.Set(headerKey, key)
	msg.Data = payload
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("NATSへの発行に失敗: subject=%s: %w", topic, err)
	}

	var err error
	if _, ok := ctx.Deadline(); ok {
		err = n.nc.FlushWithContext(ctx)
	} else {
		err = n.nc.FlushTimeout(natsFlushTimeout)
	}
	if err != nil {
		return fmt.Errorf("NATSへのフラッシュに失敗: subject=%s: %w", topic, err)
	}
	return nil
}

// Subscribe はキューグループgroupとしてtopicsを購読し、ctxが終了するまでブロックする。
func (n *NATS) Subscribe(ctx context.Context, topics []string, group string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("購読するトピックが1つ以上必要です")
	}
	if group == "" {
		return errors.New("キューグループが必要です")
	}

	subs := make([]*nats.Subscription, 0, len(topics))
	defer func() {
		for _, sub := range subs {
			if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				n.logger.Warn("NATS購読の解除に失敗", zap.String("subject", sub.Subject), zap.Error(err))
			}
		}
	}()

	for _, topic := range topics {
		sub, err := n.nc.QueueSubscribe(topic, group, func(m *nats.Msg) {
			msg := Message{Topic: m.Subject, Value: m.Data, Time: time.Now().UTC()}
			if m.Header != nil {
				msg.Key = m.Header.Get(headerKey)
			}
			if err := handler(ctx, msg); err != nil {
				n.logger.Warn("メッセージの処理に失敗", zap.String("subject", m.Subject), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("NATSの購読に失敗: subject=%s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	n.logger.Info("NATSの購読を開始", zap.Strings("subjects", topics), zap.String("queue", group))
	<-ctx.Done()
	return nil
}

// Close は接続を閉じる。
func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}
