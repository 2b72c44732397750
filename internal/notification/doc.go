// Package notification は通知レコードの永続化と参照APIを提供する。
//
// ディスパッチャはチャネルごとに通知レコードをCREATEDで作成し、
// 配信イベントを発行する直前にPENDINGへ遷移させる。レコードは
// SQLite（デフォルト）またはPostgreSQLに保存する。運用向けに
// クライアント単位の一覧取得とバッチの手動投入をHTTPで公開する。
package notification
