package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nao1215/notifan/pkg/httpclient"
)

var (
	// ErrRecipientNotFound はディレクトリに受信者が存在しないことを表す。
	ErrRecipientNotFound = errors.New("受信者が見つかりません")
	// ErrUnavailable はディレクトリに到達できない、または異常な応答を返したことを表す。
	ErrUnavailable = errors.New("受信者ディレクトリを利用できません")
)

// Recipient はディレクトリから取得した受信者の宛先情報。
// 空文字列はそのチャネルの宛先が無いことを表す。
type Recipient struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	TelegramID  string `json:"telegramId"`
}

// Lookuper は受信者を検索する。
// 受信者が存在しないと応答された場合はErrRecipientNotFoundを返す。
// 応答が空の場合は (nil, nil) を返す。
type Lookuper interface {
	Lookup(ctx context.Context, clientID, recipientID int64) (*Recipient, error)
}

// Client はHTTP経由で受信者ディレクトリを参照するクライアント。
type Client struct {
	// http はディレクトリサービスへの通信クライアント。
	http *httpclient.Client
	// limiter は呼び出しレートを制限する。nilの場合は無制限。
	limiter *rate.Limiter
	// logger はクライアントのロガー。
	logger *zap.Logger
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithRateLimit は1秒あたりの呼び出し数とバースト数を設定する。rpsが0以下の場合は無制限。
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New はbaseURLのディレクトリサービスに接続するClientを生成する。
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		http:   httpclient.New(baseURL, httpclient.WithTimeout(timeout)),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup はクライアントが所有する受信者の宛先情報を取得する。
func (c *Client) Lookup(ctx context.Context, clientID, recipientID int64) (*Recipient, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: レート制限の待機に失敗: %w", ErrUnavailable, err)
		}
	}

	path := fmt.Sprintf("/api/v1/clients/%d/recipients/%d", clientID, recipientID)
	var recipient *Recipient
	if err := c.http.GetJSON(ctx, path, &recipient); err != nil {
		if httpclient.StatusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("client_id=%d, recipient_id=%d: %w", clientID, recipientID, ErrRecipientNotFound)
		}
		c.logger.Debug("受信者ディレクトリの呼び出しに失敗",
			zap.Int64("client_id", clientID),
			zap.Int64("recipient_id", recipientID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return recipient, nil
}
