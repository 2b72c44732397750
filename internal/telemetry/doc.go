// Package telemetry はOpenTelemetryのトレース出力を初期化する。
//
// OTLP/HTTPのエンドポイントが設定されている場合だけTracerProviderを登録し、
// それ以外ではグローバルの何もしないプロバイダーのままにする。
package telemetry
