// Package app はディスパッチャサービスの構成要素を設定から組み立て、起動と停止を管理する。
package app
