// Package event は通知ディスパッチャがバス上でやり取りするメッセージ型を提供する。
//
// 受信するバッチ配信イベント（BatchDispatch）と、チャネルごとに発行する
// 通知ディスパッチイベント（NotificationDispatch）、およびそれを包む
// イベントエンベロープ（Event）を定義する。
package event
