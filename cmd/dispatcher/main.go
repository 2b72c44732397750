// 通知ディスパッチャのエントリポイント。
// 上流から受信したバッチ配信イベントを受信者ごと・チャネルごとの
// 通知レコードに展開し、チャネル別のトピックへ配信イベントを発行する。
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/app"
	"github.com/nao1215/notifan/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("NOTIFAN_CONFIG"), "設定ファイルのパス（省略時はnotifan.yamlを探索）")
	flag.Parse()

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.With(zap.String("service", cfg.Service.Name)))
	if err != nil {
		logger.Fatal("ディスパッチャの初期化に失敗", zap.Error(err))
	}

	logger.Info("ディスパッチャを起動します", zap.String("addr", cfg.HTTP.Addr()), zap.String("bus", cfg.Bus.Driver))
	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		logger.Error("停止処理に失敗", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("ディスパッチャが異常終了しました", zap.Error(runErr))
	}
	logger.Info("ディスパッチャを停止しました")
}
