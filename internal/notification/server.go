package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/notifan/internal/config"
	"github.com/nao1215/notifan/pkg/event"
	"github.com/nao1215/notifan/pkg/middleware"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウン待ち時間。
const shutdownTimeout = 10 * time.Second

// RecordReader は運用APIが参照する通知レコードの読み取り操作。
type RecordReader interface {
	Get(ctx context.Context, clientID, id int64) (Record, error)
	ListByClient(ctx context.Context, clientID int64, limit int) ([]Record, error)
	Ping(ctx context.Context) error
}

// BatchSubmitter はバッチ配信イベントを非同期処理に投入する。
type BatchSubmitter interface {
	Submit(ctx context.Context, batch event.BatchDispatch) error
}

// Server は通知履歴の参照とバッチ投入を提供する運用APIサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はリッスンアドレス。
	addr string
	// records は通知レコードの読み取り先。
	records RecordReader
	// batches はバッチの投入先。
	batches BatchSubmitter
	// logger はリクエスト処理のロガー。
	logger *zap.Logger
}

// NewServer は新しい運用APIサーバーを生成する。
// regにはHTTPメトリクスを登録し、/metricsで公開する。
func NewServer(cfg config.HTTPConfig, records RecordReader, batches BatchSubmitter, reg *prometheus.Registry, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "http"))

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger, "/health", "/metrics"))
	router.Use(middleware.NewHTTPMetrics(reg).Handler())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	s := &Server{
		router:  router,
		addr:    cfg.Addr(),
		records: records,
		batches: batches,
		logger:  logger,
	}
	s.setupRoutes(cfg.JWTSecret, reg)

	return s
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string, gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		clients := api.Group("/clients/:client_id/notifications")
		{
			// クライアントの通知履歴
			clients.GET("", s.handleList())
			// 通知レコード単体
			clients.GET("/:id", s.handleGet())
		}

		// バッチ投入（内部API）
		internal := api.Group("/internal")
		{
			internal.POST("/batches", s.handleSubmitBatch())
		}
	}
}

// handleHealth はストアへの疎通を含むヘルスチェックを返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.records.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("ヘルスチェックでストアに到達できない", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "dispatcher"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "dispatcher"})
	}
}

// clientParam はパスのclient_idを解析し、トークンのアクセス範囲を確認する。
// 失敗した場合は応答を書き込んでfalseを返す。
func clientParam(c *gin.Context) (int64, bool) {
	clientID, err := strconv.ParseInt(c.Param("client_id"), 10, 64)
	if err != nil || clientID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_idが不正です"})
		return 0, false
	}
	if !middleware.CanAccessClient(c, clientID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "このクライアントにアクセスする権限がありません"})
		return 0, false
	}
	return clientID, true
}

// handleList はクライアントの通知レコード一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := clientParam(c)
		if !ok {
			return
		}

		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitが不正です"})
				return
			}
			limit = n
		}

		records, err := s.records.ListByClient(c.Request.Context(), clientID, limit)
		if err != nil {
			s.logger.Error("通知一覧取得エラー", zap.Int64("client_id", clientID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, records)
	}
}

// handleGet は通知レコードを1件返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := clientParam(c)
		if !ok {
			return
		}

		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
			return
		}

		record, err := s.records.Get(c.Request.Context(), clientID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
				return
			}
			s.logger.Error("通知取得エラー", zap.Int64("client_id", clientID), zap.Int64("record_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}

// handleSubmitBatch はバッチ配信イベントを受け付け、ワーカーに投入するハンドラ。
// 処理の完了は待たずに202を返す。
func (s *Server) handleSubmitBatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディを読み込めません"})
			return
		}

		batch, err := event.DecodeBatch(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if err := batch.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if !middleware.CanAccessClient(c, batch.ClientID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "このクライアントにアクセスする権限がありません"})
			return
		}

		if err := s.batches.Submit(c.Request.Context(), *batch); err != nil {
			s.logger.Warn("バッチを受け付けられない",
				zap.Int64("client_id", batch.ClientID),
				zap.Int("recipients", len(batch.RecipientIDs)),
				zap.Error(err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "現在バッチを受け付けられません"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"clientId":   batch.ClientID,
			"recipients": len(batch.RecipientIDs),
			"message":    "バッチを受け付けました",
		})
	}
}
