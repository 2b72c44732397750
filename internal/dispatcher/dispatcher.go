package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/bus"
	"github.com/nao1215/notifan/internal/config"
	"github.com/nao1215/notifan/internal/directory"
	"github.com/nao1215/notifan/pkg/event"
)

const tracerName = "github.com/nao1215/notifan/internal/dispatcher"

// defaultRetryInterval は発行リトライの初回待ち時間。
const defaultRetryInterval = 200 * time.Millisecond

// Config はディスパッチャの動作設定。0以下のタイムアウトは無制限を表す。
type Config struct {
	Topics          Topics
	LookupTimeout   time.Duration
	StoreTimeout    time.Duration
	PublishTimeout  time.Duration
	PublishAttempts int
	// RetryInterval は発行リトライの初回待ち時間。以降は指数的に伸びる。
	RetryInterval time.Duration
}

// NewConfig はサービス設定からConfigを組み立てる。
func NewConfig(topics config.TopicsConfig, d config.DispatchConfig) Config {
	return Config{
		Topics: Topics{
			Email:    topics.Email,
			Phone:    topics.Phone,
			Telegram: topics.Telegram,
		},
		LookupTimeout:   d.LookupTimeout,
		StoreTimeout:    d.StoreTimeout,
		PublishTimeout:  d.PublishTimeout,
		PublishAttempts: d.PublishAttempts,
		RetryInterval:   defaultRetryInterval,
	}
}

// Dispatcher はバッチを受信者×チャネルの通知に展開する。
type Dispatcher struct {
	directory directory.Lookuper
	store     RecordStore
	publisher bus.Publisher
	cfg       Config
	reporter  *Reporter
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option はDispatcherの設定を変更する関数。
type Option func(*Dispatcher)

// WithTracerProvider はスパンの生成に使うTracerProviderを設定する。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New はDispatcherを生成する。すべてのチャネルに発行先トピックが必要。
func New(dir directory.Lookuper, store RecordStore, pub bus.Publisher, cfg Config, reporter *Reporter, opts ...Option) (*Dispatcher, error) {
	for _, ch := range channels {
		if _, ok := cfg.Topics.For(ch); !ok {
			return nil, fmt.Errorf("%sの発行先トピックが設定されていません", ch)
		}
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	d := &Dispatcher{
		directory: dir,
		store:     store,
		publisher: pub,
		cfg:       cfg,
		reporter:  reporter,
		logger:    zap.NewNop(),
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch はバッチの受信者を順に処理する。
// 失敗はReporterに記録するだけで、呼び出し元にはエラーもパニックも返さない。
func (d *Dispatcher) Dispatch(ctx context.Context, batch event.BatchDispatch) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatcher.batch", trace.WithAttributes(
		attribute.Int64("client.id", batch.ClientID),
		attribute.Int("recipients.count", len(batch.RecipientIDs)),
	))
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			d.logger.Error("バッチ処理中にパニックが発生",
				zap.Any("panic", r),
				zap.Int64("client_id", batch.ClientID),
				zap.Stack("stack"),
			)
		}
		d.reporter.BatchDone(time.Since(start))
		span.End()
	}()

	for _, recipientID := range batch.RecipientIDs {
		d.dispatchRecipient(ctx, batch, recipientID)
	}
}

// dispatchRecipient は受信者1人分の宛先を引き、宛先のあるチャネルを順に処理する。
// 問い合わせ中のパニックはこの受信者の失敗として記録し、後続の受信者の処理を続ける。
func (d *Dispatcher) dispatchRecipient(ctx context.Context, batch event.BatchDispatch, recipientID int64) {
	defer func() {
		if r := recover(); r != nil {
			d.reportPanic(ctx, Failure{
				Kind:        KindRecipientLookupFailed,
				ClientID:    batch.ClientID,
				RecipientID: recipientID,
			}, r)
		}
	}()

	recipient, err := d.lookup(ctx, batch.ClientID, recipientID)
	if err != nil {
		reason := reasonUnavailable
		if errors.Is(err, directory.ErrRecipientNotFound) {
			reason = reasonNotFound
		}
		d.reporter.Failure(ctx, Failure{
			Kind:        KindRecipientLookupFailed,
			ClientID:    batch.ClientID,
			RecipientID: recipientID,
			Reason:      reason,
			Err:         err,
		})
		return
	}
	if recipient == nil {
		d.reporter.Failure(ctx, Failure{
			Kind:        KindRecipientAbsent,
			ClientID:    batch.ClientID,
			RecipientID: recipientID,
		})
		return
	}

	// レコードには解決した受信者のIDを使う。ディレクトリがIDを返さない場合はバッチのIDを使う
	if recipient.ID != 0 {
		recipientID = recipient.ID
	}
	for _, ch := range channels {
		credential := Credential(recipient, ch)
		if !ShouldDispatch(credential) {
			continue
		}
		d.dispatchChannel(ctx, batch, recipientID, ch, credential)
	}
}

// lookup はLookupTimeoutを適用して受信者を問い合わせる。
func (d *Dispatcher) lookup(ctx context.Context, clientID, recipientID int64) (*directory.Recipient, error) {
	ctx, cancel := withTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()
	return d.directory.Lookup(ctx, clientID, recipientID)
}

// reportPanic は回復したパニックをエラーログに残し、fの失敗として記録する。
func (d *Dispatcher) reportPanic(ctx context.Context, f Failure, recovered any) {
	d.logger.Error("通知の処理中にパニックが発生",
		zap.String("kind", string(f.Kind)),
		zap.Int64("client_id", f.ClientID),
		zap.Int64("recipient_id", f.RecipientID),
		zap.String("channel", string(f.Channel)),
		zap.Any("panic", recovered),
		zap.Stack("stack"),
	)
	f.Reason = reasonPanic
	f.Err = fmt.Errorf("panic: %v", recovered)
	d.reporter.Failure(ctx, f)
}

// withTimeout はtimeoutが正の場合だけ期限付きのコンテキストを返す。
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
