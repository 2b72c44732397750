package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/config"
	"github.com/nao1215/notifan/pkg/event"
)

var (
	// ErrQueueFull は待ち時間内にキューへ空きができなかったことを表す。
	ErrQueueFull = errors.New("バッチキューが一杯です")
	// ErrPoolClosed は停止済みのPoolにバッチを投入したことを表す。
	ErrPoolClosed = errors.New("ワーカープールは停止済みです")
)

// BatchHandler はバッチ1件を処理する。
type BatchHandler interface {
	Dispatch(ctx context.Context, batch event.BatchDispatch)
}

// PoolConfig はワーカープールの設定。
type PoolConfig struct {
	// Workers は同時に処理するバッチ数。
	Workers int
	// QueueSize は処理待ちにできるバッチ数。
	QueueSize int
	// SubmitTimeout はキューが一杯のときに空きを待つ時間。0はctxが終了するまで待つ。
	SubmitTimeout time.Duration
}

// NewPoolConfig はサービス設定からPoolConfigを組み立てる。
func NewPoolConfig(d config.DispatchConfig) PoolConfig {
	return PoolConfig{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		SubmitTimeout: d.SubmitTimeout,
	}
}

// Pool は固定数のワーカーで有界キューのバッチを処理する。
type Pool struct {
	handler       BatchHandler
	queue         chan event.BatchDispatch
	submitTimeout time.Duration
	metrics       *Metrics
	logger        *zap.Logger

	// mu はqueueのクローズとSubmitの送信を排他する。
	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool はワーカーを起動したPoolを返す。
// バッチは投入元のコンテキストから切り離して処理するため、停止時も処理待ちのバッチを最後まで処理する。
func NewPool(handler BatchHandler, cfg PoolConfig, metrics *Metrics, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	p := &Pool{
		handler:       handler,
		queue:         make(chan event.BatchDispatch, cfg.QueueSize),
		submitTimeout: cfg.SubmitTimeout,
		metrics:       metrics,
		logger:        logger,
		closing:       make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := range cfg.Workers {
		go p.worker(i)
	}
	return p
}

// Submit はバッチをキューに投入し、処理の完了を待たずに戻る。
// キューが一杯の場合はSubmitTimeoutかctxの終了まで空きを待ち、待ちきれなければErrQueueFullを返す。
func (p *Pool) Submit(ctx context.Context, batch event.BatchDispatch) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	// ワーカーが先に減算しても負にならないよう送信前に数える
	p.metrics.queued.Inc()
	select {
	case p.queue <- batch:
		return nil
	default:
	}

	waitCtx, cancel := withTimeout(ctx, p.submitTimeout)
	defer cancel()
	select {
	case p.queue <- batch:
		return nil
	case <-p.closing:
		p.metrics.queued.Dec()
		return ErrPoolClosed
	case <-waitCtx.Done():
		p.metrics.queued.Dec()
		return fmt.Errorf("%w: %w", ErrQueueFull, waitCtx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for batch := range p.queue {
		p.metrics.queued.Dec()
		p.metrics.inflight.Inc()
		p.run(id, batch)
		p.metrics.inflight.Dec()
	}
}

// run はバッチを処理する。パニックは記録してワーカーを継続させる。
func (p *Pool) run(worker int, batch event.BatchDispatch) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ワーカーでパニックが発生",
				zap.Int("worker", worker),
				zap.Int64("client_id", batch.ClientID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	p.handler.Dispatch(context.Background(), batch)
}

// Close は新規の投入を止め、処理中と処理待ちのバッチが終わるまで待つ。
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.logger.Info("ワーカープールの停止を開始")
	})
	p.wg.Wait()
}
