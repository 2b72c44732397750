package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nao1215/notifan/pkg/event"
)

// Kind は失敗の種類。
type Kind string

const (
	// KindRecipientLookupFailed はディレクトリの参照に失敗した。
	KindRecipientLookupFailed Kind = "recipient-lookup-failed"
	// KindRecipientAbsent はディレクトリが受信者を返さなかった。
	KindRecipientAbsent Kind = "recipient-absent"
	// KindRecordCreationFailed は通知レコードの作成に失敗した。
	KindRecordCreationFailed Kind = "record-creation-failed"
	// KindPendingTransitionFailed はPENDINGへの遷移に失敗した。イベントは発行されない。
	KindPendingTransitionFailed Kind = "pending-transition-failed"
	// KindPublishFailed は配信イベントの発行に失敗した。レコードはPENDINGのまま残る。
	KindPublishFailed Kind = "publish-failed"
	// KindBatchInvalid は受信したバッチを解釈できなかった。
	KindBatchInvalid Kind = "batch-invalid"
	// KindBatchRejected はワーカーがバッチを受け付けなかった。
	KindBatchRejected Kind = "batch-rejected"
)

// 失敗の理由。
const (
	reasonNotFound    = "not_found"
	reasonUnavailable = "unavailable"
	// reasonPanic は処理中のパニックを回復したことを表す。
	reasonPanic = "panic"
)

// Failure は1件の失敗の内容。該当しない項目はゼロ値のまま。
type Failure struct {
	Kind        Kind
	ClientID    int64
	RecipientID int64
	Channel     event.Channel
	RecordID    int64
	Reason      string
	Err         error
}

// Reporter は失敗と成功をログとメトリクスに記録する。
type Reporter struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewReporter はReporterを生成する。
func NewReporter(logger *zap.Logger, metrics *Metrics) *Reporter {
	return &Reporter{logger: logger, metrics: metrics}
}

// Failure は失敗を警告ログとして出力し、種類とチャネルごとに数える。
// ctxに記録中のスパンがあればエラーとして残す。
func (r *Reporter) Failure(ctx context.Context, f Failure) {
	fields := []zap.Field{
		zap.String("kind", string(f.Kind)),
		zap.Int64("client_id", f.ClientID),
	}
	if f.RecipientID != 0 {
		fields = append(fields, zap.Int64("recipient_id", f.RecipientID))
	}
	if f.Channel != "" {
		fields = append(fields, zap.String("channel", string(f.Channel)))
	}
	if f.RecordID != 0 {
		fields = append(fields, zap.Int64("record_id", f.RecordID))
	}
	if f.Reason != "" {
		fields = append(fields, zap.String("reason", f.Reason))
	}
	if f.Err != nil {
		fields = append(fields, zap.Error(f.Err))
	}
	r.logger.Warn("通知の配信に失敗", fields...)

	r.metrics.failures.WithLabelValues(string(f.Kind), string(f.Channel)).Inc()

	if span := trace.SpanFromContext(ctx); span.IsRecording() && f.Err != nil {
		span.RecordError(f.Err, trace.WithAttributes(attribute.String("failure.kind", string(f.Kind))))
	}
}

// Dispatched は配信イベントを発行できたことを記録する。
func (r *Reporter) Dispatched(ch event.Channel, clientID, recipientID, recordID int64) {
	r.logger.Debug("配信イベントを発行",
		zap.String("channel", string(ch)),
		zap.Int64("client_id", clientID),
		zap.Int64("recipient_id", recipientID),
		zap.Int64("record_id", recordID),
	)
	r.metrics.dispatched.WithLabelValues(string(ch)).Inc()
}

// BatchDone はバッチ1件の処理時間を記録する。
func (r *Reporter) BatchDone(d time.Duration) {
	r.metrics.batchDuration.Observe(d.Seconds())
}
