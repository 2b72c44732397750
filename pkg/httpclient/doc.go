// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ディスパッチャが受信者ディレクトリなど他のサービスのAPIを呼び出す際に使用する。
// 2xx以外の応答はStatusErrorとして返すため、呼び出し側はステータスコードで
// 失敗を分類できる。
package httpclient
