package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix は環境変数のプレフィックス。例: NOTIFAN_HTTP_PORT=9090
const envPrefix = "NOTIFAN"

// Config はディスパッチャサービス全体の設定。
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Bus       BusConfig       `mapstructure:"bus"`
	Topics    TopicsConfig    `mapstructure:"topics"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Store     StoreConfig     `mapstructure:"store"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServiceConfig はサービス識別情報。
type ServiceConfig struct {
	Name string `mapstructure:"name" validate:"required"`
}

// HTTPConfig は運用APIのHTTPサーバー設定。
type HTTPConfig struct {
	Port               int      `mapstructure:"port" validate:"gt=0,lte=65535"`
	JWTSecret          string   `mapstructure:"jwt_secret" validate:"required,min=16"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
}

// Addr はリッスンアドレスを返す。
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoggingConfig はロガーの設定。
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// BusConfig はイベントバスの接続設定。
type BusConfig struct {
	Driver string      `mapstructure:"driver" validate:"oneof=kafka nats memory"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
	NATS   NATSConfig  `mapstructure:"nats"`
}

// KafkaConfig はKafkaの接続設定。
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// NATSConfig はNATSの接続設定。
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// TopicsConfig はトピック名の設定。
type TopicsConfig struct {
	// Splitter はバッチ配信イベントを受信するトピック（カンマ区切りで複数指定可）。
	Splitter []string `mapstructure:"splitter" validate:"min=1,dive,required"`
	Email    string   `mapstructure:"email" validate:"required"`
	Phone    string   `mapstructure:"phone" validate:"required"`
	Telegram string   `mapstructure:"telegram" validate:"required"`
}

// ConsumerConfig はバッチ受信側の設定。
type ConsumerConfig struct {
	Group string `mapstructure:"group" validate:"required"`
}

// DirectoryConfig は受信者ディレクトリクライアントの設定。
type DirectoryConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec" validate:"gte=0"`
	Burst      int           `mapstructure:"burst" validate:"gte=0"`
	Cache      CacheConfig   `mapstructure:"cache"`
}

// CacheConfig はディレクトリ応答キャッシュの設定。RedisAddrが空なら無効。
type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// StoreConfig は通知レコードストアの設定。
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// DispatchConfig はバッチ処理のワーカーとタイムアウトの設定。
type DispatchConfig struct {
	Workers         int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize       int           `mapstructure:"queue_size" validate:"gt=0"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	PublishAttempts int           `mapstructure:"publish_attempts" validate:"gt=0"`
}

// TracingConfig はOpenTelemetryの設定。OTLPEndpointが空ならトレースを出力しない。
type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// setDefaults はすべての設定キーのデフォルト値を登録する。
// 環境変数による上書きはデフォルトが登録されたキーにのみ効く。
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "dispatcher")
	v.SetDefault("http.port", 8086)
	// 署名鍵に既定値はない。環境変数で上書きできるようキーだけ登録する
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.cors_allowed_origins", []string{})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("bus.driver", "kafka")
	v.SetDefault("bus.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("bus.nats.url", "nats://localhost:4222")
	v.SetDefault("topics.splitter", []string{"recipient-list"})
	v.SetDefault("topics.email", "notifications.email")
	v.SetDefault("topics.phone", "notifications.phone")
	v.SetDefault("topics.telegram", "notifications.telegram")
	v.SetDefault("consumer.group", "emergency")
	v.SetDefault("directory.base_url", "http://localhost:8081")
	v.SetDefault("directory.timeout", "5s")
	v.SetDefault("directory.rate_per_sec", 0)
	v.SetDefault("directory.burst", 10)
	v.SetDefault("directory.cache.redis_addr", "")
	v.SetDefault("directory.cache.ttl", "1m")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 64)
	v.SetDefault("dispatch.submit_timeout", "0s")
	v.SetDefault("dispatch.lookup_timeout", "5s")
	v.SetDefault("dispatch.store_timeout", "5s")
	v.SetDefault("dispatch.publish_timeout", "10s")
	v.SetDefault("dispatch.publish_attempts", 3)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// LoadConfig は設定ファイルと環境変数から設定を読み込む。
// configPathが空の場合はカレントディレクトリ等からnotifan.yamlを探す。
// 設定ファイルが見つからない場合はデフォルト値を使う。
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("notifan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/notifan")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	return v, nil
}

// Parse はviperの値を型付きConfigに変換してバリデーションする。
func Parse(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の変換に失敗: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	if cfg.Bus.Driver == "kafka" && len(cfg.Bus.Kafka.Brokers) == 0 {
		return nil, errors.New("設定が不正です: bus.kafka.brokers が空です")
	}
	if cfg.Bus.Driver == "nats" && cfg.Bus.NATS.URL == "" {
		return nil, errors.New("設定が不正です: bus.nats.url が空です")
	}
	return &cfg, nil
}

// Load はLoadConfigとParseをまとめて実行する。
func Load(configPath string) (*Config, *viper.Viper, error) {
	v, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Parse(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}
