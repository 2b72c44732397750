// Package config はディスパッチャの設定読み込みとロガー生成を提供する。
//
// 設定はデフォルト値、YAMLファイル、環境変数（NOTIFAN_ プレフィックス）の順に
// 上書きされ、型付きのConfigに変換した上でバリデーションを行う。
package config
