package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss はキャッシュにキーが存在しないことを表す。
var ErrCacheMiss = errors.New("キャッシュに存在しません")

// Cache は受信者情報のキャッシュ。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache はRedisをバックエンドとするCache。
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache はaddrのRedisに接続するキャッシュを生成する。
// addrには "host:port" または "redis://" 形式のURLを指定できる。
func NewRedisCache(addr string) (*RedisCache, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("RedisのURLが不正です: %w", err)
		}
		return &RedisCache{client: redis.NewClient(opt)}, nil
	}
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}, nil
}

// Get はキーの値を返す。存在しない場合はErrCacheMissを返す。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("Redisからの取得に失敗: %w", err)
	}
	return b, nil
}

// Set はキーに値をttl付きで保存する。
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redisへの保存に失敗: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close はRedisへの接続を閉じる。
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedLookuper はキャッシュを先に参照するLookuper。
// 見つかった受信者だけを保存し、見つからなかった結果はキャッシュしない。
// キャッシュの障害は記録したうえで直接の問い合わせに切り替える。
type CachedLookuper struct {
	next   Lookuper
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedLookuper はnextの前段にcacheを置くLookuperを生成する。
func NewCachedLookuper(next Lookuper, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedLookuper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLookuper{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(clientID, recipientID int64) string {
	return fmt.Sprintf("notifan:recipient:%d:%d", clientID, recipientID)
}

// Lookup はキャッシュを参照し、無ければnextに問い合わせて結果を保存する。
func (c *CachedLookuper) Lookup(ctx context.Context, clientID, recipientID int64) (*Recipient, error) {
	key := cacheKey(clientID, recipientID)

	b, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var r Recipient
		if jsonErr := json.Unmarshal(b, &r); jsonErr == nil {
			return &r, nil
		}
		c.logger.Warn("キャッシュの値が壊れている", zap.String("key", key))
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("キャッシュを参照できないため直接問い合わせる", zap.String("key", key), zap.Error(err))
	}

	r, err := c.next.Lookup(ctx, clientID, recipientID)
	if err != nil || r == nil {
		return r, err
	}

	if b, err := json.Marshal(r); err == nil {
		if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
			c.logger.Warn("キャッシュへの保存に失敗", zap.String("key", key), zap.Error(err))
		}
	}
	return r, nil
}
