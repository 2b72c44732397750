package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/bus"
	"github.com/nao1215/notifan/pkg/event"
)

// Submitter はバッチを非同期処理に投入する。
type Submitter interface {
	Submit(ctx context.Context, batch event.BatchDispatch) error
}

// Consumer はバスからバッチ配信イベントを受信し、ワーカーに引き渡す。
type Consumer struct {
	subscriber bus.Subscriber
	topics     []string
	group      string
	submitter  Submitter
	reporter   *Reporter
	logger     *zap.Logger
}

// NewConsumer はtopicsをgroupとして購読するConsumerを生成する。
func NewConsumer(sub bus.Subscriber, topics []string, group string, submitter Submitter, reporter *Reporter, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: sub,
		topics:     topics,
		group:      group,
		submitter:  submitter,
		reporter:   reporter,
		logger:     logger,
	}
}

// Run はctxが終了するまで購読を続ける。
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("バッチ配信イベントの購読を開始", zap.Strings("topics", c.topics), zap.String("group", c.group))
	return c.subscriber.Subscribe(ctx, c.topics, c.group, c.Handle)
}

// Handle は受信したメッセージをバッチとして解釈し、ワーカーに投入して戻る。
// 解釈できないメッセージや投入できなかったバッチは記録して読み飛ばす。
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) error {
	batch, err := event.DecodeBatch(msg.Value)
	if err == nil {
		err = batch.Validate()
	}
	if err != nil {
		c.reporter.Failure(ctx, Failure{Kind: KindBatchInvalid, Reason: "topic=" + msg.Topic, Err: err})
		return nil
	}

	if err := c.submitter.Submit(ctx, *batch); err != nil {
		c.reporter.Failure(ctx, Failure{Kind: KindBatchRejected, ClientID: batch.ClientID, Err: err})
		return nil
	}

	c.logger.Debug("バッチを受け付けた",
		zap.String("topic", msg.Topic),
		zap.Int64("client_id", batch.ClientID),
		zap.Int("recipients", len(batch.RecipientIDs)),
	)
	return nil
}
