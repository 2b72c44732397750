// Package directory は受信者ディレクトリサービスから、受信者ごとの
// チャネル別宛先（メールアドレス、電話番号、Telegram ID）を取得する。
//
// 呼び出しはレート制限され、Redisによる読み取りキャッシュを任意で挟める。
package directory
