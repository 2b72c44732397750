package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/bus"
	"github.com/nao1215/notifan/internal/notification"
	"github.com/nao1215/notifan/pkg/event"
)

// maxRetryInterval は発行リトライの待ち時間の上限。
const maxRetryInterval = 5 * time.Second

// dispatchChannel は1チャネル分の通知を処理する。
// レコード作成、PENDING遷移、イベント発行の順に行い、いずれかが失敗した時点で打ち切る。
// PENDING遷移が成功するまでイベントは発行しない。
func (d *Dispatcher) dispatchChannel(ctx context.Context, batch event.BatchDispatch, recipientID int64, ch event.Channel, credential string) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.channel", trace.WithAttributes(
		attribute.String("notification.channel", string(ch)),
		attribute.Int64("recipient.id", recipientID),
	))
	defer span.End()

	failure := Failure{
		ClientID:    batch.ClientID,
		RecipientID: recipientID,
		Channel:     ch,
	}
	fail := func(kind Kind, err error) {
		failure.Kind = kind
		failure.Err = err
		span.SetStatus(codes.Error, string(kind))
		d.reporter.Failure(ctx, failure)
	}

	// stage はパニックした場合に記録する失敗の種類。処理の段階に合わせて進める
	stage := KindRecordCreationFailed
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			failure.Kind = stage
			d.reportPanic(ctx, failure, r)
		}
	}()

	storeCtx, cancel := withTimeout(ctx, d.cfg.StoreTimeout)
	record, err := d.store.Create(storeCtx, notification.CreateRequest{
		Type:        ch,
		Credential:  credential,
		Template:    batch.Template,
		RecipientID: recipientID,
		ClientID:    batch.ClientID,
	})
	cancel()
	if err != nil {
		fail(KindRecordCreationFailed, err)
		return
	}
	failure.RecordID = record.ID
	span.SetAttributes(attribute.Int64("notification.record_id", record.ID))

	stage = KindPublishFailed
	payload, err := encodeDispatch(record)
	if err != nil {
		fail(KindPublishFailed, err)
		return
	}

	stage = KindPendingTransitionFailed
	storeCtx, cancel = withTimeout(ctx, d.cfg.StoreTimeout)
	err = d.store.SetPending(storeCtx, batch.ClientID, record.ID)
	cancel()
	if err != nil {
		fail(KindPendingTransitionFailed, err)
		return
	}

	stage = KindPublishFailed
	topic, _ := d.cfg.Topics.For(ch)
	if err := d.publish(ctx, topic, strconv.FormatInt(recipientID, 10), payload); err != nil {
		fail(KindPublishFailed, err)
		return
	}

	d.reporter.Dispatched(ch, batch.ClientID, recipientID, record.ID)
}

// encodeDispatch はレコードを配信イベントのペイロードに変換する。
func encodeDispatch(record notification.Record) ([]byte, error) {
	ev, err := event.New(event.TypeNotificationDispatched, record.Dispatch())
	if err != nil {
		return nil, err
	}
	payload, err := event.Encode(ev)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// publish は指数バックオフで最大PublishAttempts回まで発行を試みる。
// 試行ごとにPublishTimeoutを適用する。
func (d *Dispatcher) publish(ctx context.Context, topic, key string, payload []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInterval
	b.MaxInterval = maxRetryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		publishCtx, cancel := withTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
		if err := d.publisher.Publish(publishCtx, topic, key, payload); err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.PublishAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Debug("配信イベントの発行を再試行",
				zap.String("topic", topic),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("%d回の試行で発行できませんでした: topic=%s: %w", attempt, topic, err)
	}
	return nil
}
