// Package bus はイベントバスへの発行と購読を抽象化する。
//
// Kafka（segmentio/kafka-go）、NATS（nats.go）、プロセス内メモリの
// 3種類のドライバを持ち、設定の bus.driver で切り替える。
package bus
