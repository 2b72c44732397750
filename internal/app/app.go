package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifan/internal/bus"
	"github.com/nao1215/notifan/internal/config"
	"github.com/nao1215/notifan/internal/directory"
	"github.com/nao1215/notifan/internal/dispatcher"
	"github.com/nao1215/notifan/internal/notification"
	"github.com/nao1215/notifan/internal/telemetry"
)

// closeTimeout はトレースの送信など停止処理の待ち時間。
const closeTimeout = 10 * time.Second

// App はディスパッチャサービス一式。
type App struct {
	logger   *zap.Logger
	store    *notification.Store
	cache    *directory.RedisCache
	bus      bus.Bus
	pool     *dispatcher.Pool
	consumer *dispatcher.Consumer
	server   *notification.Server
	tracing  telemetry.ShutdownFunc
}

// New は設定に従って各コンポーネントを生成し、配線する。
// 途中で失敗した場合は生成済みのコンポーネントを閉じてからエラーを返す。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.tracing, err = telemetry.Setup(ctx, cfg.Tracing, cfg.Service.Name)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.store, err = notification.Open(ctx, notification.Driver(cfg.Store.Driver), cfg.Store.DSN, logger.With(zap.String("component", "store")))
	if err != nil {
		return nil, err
	}

	lookuper, err := a.newLookuper(ctx, cfg.Directory)
	if err != nil {
		return nil, err
	}

	a.bus, err = bus.Open(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("イベントバスの接続に失敗: %w", err)
	}

	metrics := dispatcher.NewMetrics(reg)
	reporter := dispatcher.NewReporter(logger.With(zap.String("component", "dispatcher")), metrics)
	d, err := dispatcher.New(lookuper, a.store, a.bus, dispatcher.NewConfig(cfg.Topics, cfg.Dispatch), reporter,
		dispatcher.WithLogger(logger.With(zap.String("component", "dispatcher"))),
	)
	if err != nil {
		return nil, err
	}

	a.pool = dispatcher.NewPool(d, dispatcher.NewPoolConfig(cfg.Dispatch), metrics, logger.With(zap.String("component", "pool")))
	a.consumer = dispatcher.NewConsumer(a.bus, cfg.Topics.Splitter, cfg.Consumer.Group, a.pool, reporter, logger.With(zap.String("component", "consumer")))
	a.server = notification.NewServer(cfg.HTTP, a.store, a.pool, reg, logger.With(zap.String("component", "http")))

	return a, nil
}

// newLookuper は受信者ディレクトリのクライアントを生成する。
// Redisが設定されていれば読み込みキャッシュを挟む。Redisに接続できなくても起動は続ける。
func (a *App) newLookuper(ctx context.Context, cfg config.DirectoryConfig) (directory.Lookuper, error) {
	logger := a.logger.With(zap.String("component", "directory"))
	client := directory.New(cfg.BaseURL, cfg.Timeout,
		directory.WithRateLimit(cfg.RatePerSec, cfg.Burst),
		directory.WithLogger(logger),
	)
	if cfg.Cache.RedisAddr == "" {
		return client, nil
	}

	cache, err := directory.NewRedisCache(cfg.Cache.RedisAddr)
	if err != nil {
		return nil, err
	}
	a.cache = cache
	if err := cache.Ping(ctx); err != nil {
		logger.Warn("Redisに接続できないためキャッシュなしで問い合わせます", zap.Error(err))
	}
	return directory.NewCachedLookuper(client, cache, cfg.Cache.TTL, logger), nil
}

// Handler は運用APIのHTTPハンドラを返す。
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run はctxが終了するまでHTTPサーバーとバッチの購読を動かす。
// 停止時は購読を止めてから、受け付け済みのバッチを処理し終えるまで待つ。
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error { return a.consumer.Run(gctx) })

	err := g.Wait()
	a.logger.Info("受け付け済みのバッチの処理完了を待機")
	a.pool.Close()
	return err
}

// Close はバス、ストア、キャッシュ、トレースの順に後始末する。
func (a *App) Close() error {
	var errs []error
	if a.pool != nil {
		a.pool.Close()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		errs = append(errs, a.tracing(ctx))
	}
	return errors.Join(errs...)
}
