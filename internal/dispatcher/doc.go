// Package dispatcher はバッチ配信イベントを受信者×チャネルの通知に展開する。
//
// 受信者ごとにディレクトリから宛先を引き、EMAIL、PHONE、TELEGRAMの順に
// 通知レコードを作成してPENDINGに遷移させてから配信イベントを発行する。
// 1件の失敗は記録したうえで同じ受信者の他チャネルと後続の受信者の処理を続ける。
//
// バッチはPoolのワーカーで処理し、バスの受信ゴルーチンを塞がない。
package dispatcher
