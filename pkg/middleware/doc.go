// Package middleware はGinベースの運用APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、リクエストIDの伝播、リクエストログ、
// Prometheusメトリクス、パニックリカバリ、CORS設定を含む。
package middleware
