package event

import (
	"encoding/json"
	"time"
)

// Channel は通知の配信媒体を表す。
type Channel string

const (
	// ChannelEmail はメールアドレス宛の通知を表す。
	ChannelEmail Channel = "EMAIL"
	// ChannelPhone は電話番号宛の通知を表す。
	ChannelPhone Channel = "PHONE"
	// ChannelTelegram はTelegramアカウント宛の通知を表す。
	ChannelTelegram Channel = "TELEGRAM"
)

// Valid はチャネルが既知の値かどうかを返す。
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPhone, ChannelTelegram:
		return true
	}
	return false
}

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationDispatched は通知レコードがPENDINGになり配信パイプラインへ渡されたことを表す。
	TypeNotificationDispatched Type = "NotificationDispatched"
)

// Event は発行するイベントの不変エンベロープ。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// BatchDispatch は上流のスプリッタから受信するバッチ配信イベント。
// 1メッセージにつき1バッチで、クライアント・テンプレート・受信者IDの一覧を持つ。
type BatchDispatch struct {
	// ClientID は受信者を所有するクライアントのID。
	ClientID int64 `json:"clientId" validate:"required,gt=0"`
	// Template はテンプレート履歴。中身は解釈せずそのまま引き渡す。
	Template json.RawMessage `json:"template,omitempty"`
	// RecipientIDs は通知対象の受信者ID。順序を保持し、重複は除去しない。
	RecipientIDs []int64 `json:"recipientIds"`
}

// UnmarshalJSON は旧フォーマットのフィールド名 templateHistoryResponse も受け付ける。
func (b *BatchDispatch) UnmarshalJSON(data []byte) error {
	type plain BatchDispatch
	var aux struct {
		plain
		TemplateHistoryResponse json.RawMessage `json:"templateHistoryResponse,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = BatchDispatch(aux.plain)
	if len(b.Template) == 0 && len(aux.TemplateHistoryResponse) > 0 {
		b.Template = aux.TemplateHistoryResponse
	}
	return nil
}

// NotificationDispatch はTypeNotificationDispatchedイベントのデータ。
// 通知レコードを配信パイプライン向けに写像したもの。
type NotificationDispatch struct {
	// ID は通知レコードのID。
	ID int64 `json:"id"`
	// Type は配信チャネル。
	Type Channel `json:"type"`
	// Status は発行時点のレコード状態。常にPENDING。
	Status string `json:"status"`
	// Credential はチャネルの宛先（メールアドレス、電話番号、Telegram ID）。
	Credential string `json:"credential"`
	// ClientID はクライアントのID。
	ClientID int64 `json:"clientId"`
	// RecipientID は受信者のID。
	RecipientID int64 `json:"recipientId"`
	// Template はバッチから引き継いだテンプレート履歴。
	Template json.RawMessage `json:"template,omitempty"`
	// CreatedAt はレコードの作成日時。
	CreatedAt time.Time `json:"createdAt"`
}
